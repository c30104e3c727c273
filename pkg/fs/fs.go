// Package fs provides the filesystem seams used by the mapped record
// store: a minimal [FS] interface, a production passthrough ([Real]), a
// fault-injecting wrapper for tests ([Injected]), and a flock-based
// [Locker] for cross-process mutual exclusion.
//
// The [FS] surface is intentionally small - it covers exactly the
// operations the store performs outside of the memory mapping itself:
// opening/creating the region file, sizing it, and managing the lock
// file. The mapping syscalls (mmap/msync/munmap) operate on the file
// descriptor returned by [File.Fd] and are not abstracted.
package fs

import (
	"io"
	"os"
)

// File represents an OS-backed open file descriptor.
//
// This interface is satisfied by [os.File]. [File.Fd] must return a
// valid OS file descriptor usable with syscalls (mmap, flock) until the
// file is closed.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error

	// Truncate changes the size of the file. See [os.File.Truncate].
	Truncate(size int64) error
}

// FS defines the file operations the store needs.
//
// Implementations must be safe for concurrent use by multiple
// goroutines. Paths use OS semantics, like the os package.
type FS interface {
	// OpenFile opens a file with the specified flags and permissions.
	// See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// Stat returns file info for the given path. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Remove removes the named file. See [os.Remove].
	Remove(path string) error
}
