package dbus

import (
	"os"

	"github.com/op/go-logging"
)

var logger = logging.MustGetLogger("dbus")

func init() {
	format := logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.4s} %{module} %{message}`,
	)
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(defaultLogLevel(), "")
	logging.SetBackend(leveled)
}

func defaultLogLevel() logging.Level {
	switch os.Getenv("DBUS_LOG_LEVEL") {
	case "debug":
		return logging.DEBUG
	case "info":
		return logging.INFO
	case "warning":
		return logging.WARNING
	case "error":
		return logging.ERROR
	default:
		return logging.NOTICE
	}
}

// SetLogLevel adjusts the package's log verbosity at runtime, overriding
// DBUS_LOG_LEVEL.
func SetLogLevel(level logging.Level) {
	logging.SetLevel(level, "dbus")
}

// SetLogBackend replaces the package's log backend (stderr by default) with
// one a host application supplies, e.g. to route dbus's log records into its
// own structured logger.
func SetLogBackend(backend logging.Backend) {
	logging.SetBackend(backend)
}
