// Package dbus is a pure, dependency-minimal implementation of the
// client-side D-Bus wire protocol: signature parsing, value marshalling,
// the message codec, SASL authentication, and a router that correlates
// method-call replies with pending requests while dispatching signals and
// other unsolicited messages to registered match-rule filters.
//
// The package does not implement a message bus daemon, server-side routing,
// or transports other than an ordered UNIX-domain-socket byte stream with
// optional SCM_RIGHTS file-descriptor passing. Three concurrency models are
// provided as separate adapter packages (adapter/blocking, adapter/threading,
// adapter/asyncio) built on top of Router; pick whichever matches how the
// host application already schedules work.
package dbus
