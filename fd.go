package dbus

import (
	"os"
	"runtime"
	"sync"
)

// FileDescriptor is a one-shot holder for a file descriptor that arrived
// (or is about to be sent) as SCM_RIGHTS ancillary data alongside a
// message. Exactly one of Take or Close should be called; a descriptor
// dropped without either leaks until the finalizer runs and logs it.
type FileDescriptor struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileDescriptor wraps f. f must not be used directly by the caller
// afterwards; go through the FileDescriptor instead.
func NewFileDescriptor(f *os.File) *FileDescriptor {
	fd := &FileDescriptor{file: f}
	runtime.SetFinalizer(fd, func(fd *FileDescriptor) {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		if fd.file != nil {
			logger.Warningf("dbus: file descriptor %s garbage collected without Take or Close", fd.file.Name())
			fd.file.Close()
		}
	})
	return fd
}

// Take hands ownership of the underlying *os.File to the caller. After
// Take, the FileDescriptor no longer owns it and Close is a no-op.
func (fd *FileDescriptor) Take() *os.File {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	f := fd.file
	fd.file = nil
	runtime.SetFinalizer(fd, nil)
	return f
}

// Close closes the underlying file descriptor if it has not been taken.
func (fd *FileDescriptor) Close() error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.file == nil {
		return nil
	}
	err := fd.file.Close()
	fd.file = nil
	runtime.SetFinalizer(fd, nil)
	return err
}
