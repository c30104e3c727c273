package fs

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by [Locker.TryLock] when the lock is held
// elsewhere (another process, or another descriptor in this process).
var ErrWouldBlock = errors.New("fs: lock would block")

// errInodeMismatch is an internal sentinel indicating the lock file was
// replaced between open and flock. Callers retry.
var errInodeMismatch = errors.New("fs: lock inode mismatch")

// lockRetries bounds the open/flock/verify loop when the lock file is
// being replaced underneath us.
const lockRetries = 8

// Locker provides file-based locking using flock(2).
//
// flock locks an inode (the open file), not a pathname. Callers should
// lock a dedicated, stable lock file path (for example "data.ring.lock")
// and avoid replacing or unlinking it while locks may be held.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker creates a Locker that uses the given filesystem for file
// operations.
func NewLocker(fsys FS) *Locker {
	return &Locker{
		fs:    fsys,
		flock: unix.Flock,
	}
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// TryLock attempts to acquire an exclusive, non-blocking lock on the
// file at path, creating it if necessary.
//
// Returns [ErrWouldBlock] if the lock is held elsewhere. A race where
// the lock file is replaced between open and flock is detected by
// comparing inodes and retried a bounded number of times.
func (l *Locker) TryLock(path string) (*Lock, error) {
	for range lockRetries {
		lock, err := l.tryLockOnce(path)
		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return lock, err
	}

	return nil, fmt.Errorf("lock file %s keeps being replaced: %w", path, ErrWouldBlock)
}

func (l *Locker) tryLockOnce(path string) (*Lock, error) {
	file, err := l.fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	fd := int(file.Fd())

	flockErr := flockRetryEINTR(l.flock, fd, unix.LOCK_EX|unix.LOCK_NB)
	if flockErr != nil {
		_ = file.Close()

		if errors.Is(flockErr, unix.EWOULDBLOCK) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock: %w", flockErr)
	}

	// The file at path may have been replaced after we opened it; a lock
	// on the stale inode excludes nobody. Verify and retry if so.
	matches, matchErr := l.inodeMatchesPath(file, path)
	if matchErr != nil {
		_ = file.Close()

		return nil, matchErr
	}

	if !matches {
		_ = file.Close()

		return nil, errInodeMismatch
	}

	return &Lock{file: file, flock: l.flock}, nil
}

// inodeMatchesPath reports whether file is still the inode at path.
func (l *Locker) inodeMatchesPath(file File, path string) (bool, error) {
	fdInfo, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat lock fd: %w", err)
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("stat lock path: %w", err)
	}

	return os.SameFile(fdInfo, pathInfo), nil
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent - calling it multiple times is safe and
// subsequent calls return nil. The lock file itself is not deleted;
// unlinking a lock file that another process may be about to lock
// reintroduces the inode race.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return nil
}

// flockRetryEINTR calls flock, retrying on EINTR.
func flockRetryEINTR(flock func(fd int, how int) error, fd, how int) error {
	for {
		err := flock(fd, how)
		if !errors.Is(err, syscall.EINTR) {
			return err
		}
	}
}
