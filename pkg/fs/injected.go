package fs

import (
	"errors"
	"os"
	"sync"
)

// InjectedError marks an error as intentionally injected by [Injected].
//
// It wraps the underlying error so errors.Is/As continue to work.
type InjectedError struct {
	Err error
}

// Error returns the underlying error's message.
func (e *InjectedError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *InjectedError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err (or any wrapped error) was injected.
// Returns false if err is nil.
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Operation names accepted by [Injected.FailOp].
const (
	OpOpenFile = "openfile"
	OpStat     = "stat"
	OpRemove   = "remove"
	OpTruncate = "truncate"
	OpSync     = "sync"
)

// Injected wraps an [FS] and fails selected operations with a prepared
// error. It exercises I/O failure paths without a faulty disk.
//
// Failures are not consumed: an armed operation fails every time until
// disarmed with a nil error.
type Injected struct {
	next FS

	mu       sync.Mutex
	failures map[string]error
}

// NewInjected returns an [Injected] wrapping next.
func NewInjected(next FS) *Injected {
	return &Injected{
		next:     next,
		failures: make(map[string]error),
	}
}

// FailOp arms (or, with a nil err, disarms) a failure for the named
// operation. The error surfaced to callers is wrapped in [InjectedError].
func (i *Injected) FailOp(op string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err == nil {
		delete(i.failures, op)

		return
	}

	i.failures[op] = err
}

// armed returns the injected error for op, or nil.
func (i *Injected) armed(op string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	err := i.failures[op]
	if err == nil {
		return nil
	}

	return &InjectedError{Err: err}
}

// OpenFile fails if [OpOpenFile] is armed, else passes through. The
// returned [File] inherits injection for [OpTruncate] and [OpSync].
func (i *Injected) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := i.armed(OpOpenFile); err != nil {
		return nil, err
	}

	f, err := i.next.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &injectedFile{File: f, owner: i}, nil
}

// Stat fails if [OpStat] is armed, else passes through.
func (i *Injected) Stat(path string) (os.FileInfo, error) {
	if err := i.armed(OpStat); err != nil {
		return nil, err
	}

	return i.next.Stat(path)
}

// Remove fails if [OpRemove] is armed, else passes through.
func (i *Injected) Remove(path string) error {
	if err := i.armed(OpRemove); err != nil {
		return err
	}

	return i.next.Remove(path)
}

// injectedFile consults its owning [Injected] on mutating calls.
type injectedFile struct {
	File
	owner *Injected
}

func (f *injectedFile) Truncate(size int64) error {
	if err := f.owner.armed(OpTruncate); err != nil {
		return err
	}

	return f.File.Truncate(size)
}

func (f *injectedFile) Sync() error {
	if err := f.owner.armed(OpSync); err != nil {
		return err
	}

	return f.File.Sync()
}
