package rollhash

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/jgraettinger/samoa-go/pkg/fs"
)

// Options configures opening or creating a mapped ring file.
type Options struct {
	// Path is the filesystem path of the region file. Required. An
	// advisory lock file is created at Path+".lock".
	Path string

	// RegionSize is the total size of the region in bytes. A missing or
	// short file is extended to exactly this size; a frozen region whose
	// stored size disagrees fails with [ErrIncompatible].
	RegionSize uint32

	// IndexSize is the number of hash buckets for a fresh region. A
	// frozen region keeps its stored index size.
	IndexSize uint32

	// FS overrides the filesystem used for open/create/extend and the
	// lock file. Nil means the real filesystem. Tests inject faults here.
	FS fs.FS

	// DisableLocking skips the advisory file lock. The caller MUST
	// provide equivalent cross-process exclusion.
	DisableLocking bool
}

// Mapped is a [Ring] backed by a shared memory mapping of a file, held
// under an exclusive advisory lock.
//
// Dropping a Mapped without a clean [Mapped.Close] leaves the region's
// state cookie active on disk; a subsequent Open treats such a region
// as uninitialized and discards its content.
type Mapped struct {
	*Ring

	file   fs.File
	data   []byte
	lock   *fs.Lock
	closed bool
}

// Open maps the region file at opts.Path and constructs a Ring over it.
//
// The advisory lock is taken first, so creation and extension of the
// file are serialized across processes; a fresh file is extended to
// exactly RegionSize bytes before mapping. The header then decides
// whether the region is reused (frozen) or formatted (anything else).
//
// Possible errors:
//   - [ErrInvalidInput]: bad options
//   - [ErrBusy]: another process holds the lock
//   - [ErrIncompatible], [ErrCorrupt]: frozen region fails its checks;
//     the file is not mutated
//   - filesystem and mapping failures, wrapped
func Open(opts Options) (*Mapped, error) {
	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	if opts.Path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	if opts.IndexSize == 0 {
		return nil, fmt.Errorf("index_size must be >= 1: %w", ErrInvalidInput)
	}

	if uint64(opts.RegionSize) < headerSize+uint64(opts.IndexSize)*offsetSize {
		return nil, fmt.Errorf("region_size %d too small for index_size %d: %w",
			opts.RegionSize, opts.IndexSize, ErrInvalidInput)
	}

	var lock *fs.Lock

	if !opts.DisableLocking {
		var err error

		lock, err = fs.NewLocker(fsys).TryLock(opts.Path + ".lock")
		if err != nil {
			if errors.Is(err, fs.ErrWouldBlock) {
				return nil, fmt.Errorf("%s is locked: %w", opts.Path, ErrBusy)
			}

			return nil, fmt.Errorf("locking %s: %w", opts.Path, err)
		}
	}

	m, err := openLocked(fsys, opts)
	if err != nil {
		releaseLock(lock)

		return nil, err
	}

	m.lock = lock

	return m, nil
}

// openLocked opens, sizes, and maps the region file. The caller holds
// the advisory lock.
func openLocked(fsys fs.FS, opts Options) (*Mapped, error) {
	file, err := fsys.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", opts.Path, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("stat %s: %w", opts.Path, err)
	}

	if info.Size() < int64(opts.RegionSize) {
		if err := file.Truncate(int64(opts.RegionSize)); err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("extending %s to %d bytes: %w", opts.Path, opts.RegionSize, err)
		}
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(opts.RegionSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("mmap %s: %w", opts.Path, err)
	}

	ring, err := New(data, opts.IndexSize)
	if err != nil {
		_ = unix.Munmap(data)
		_ = file.Close()

		return nil, err
	}

	return &Mapped{Ring: ring, file: file, data: data}, nil
}

// Close freezes the region, flushes the mapping to disk, releases the
// mapping, and releases the file lock. This is the durability boundary:
// only a region closed this way is reusable on the next Open.
//
// Close is idempotent; the Ring must not be used afterwards.
func (m *Mapped) Close() error {
	if m.closed {
		return nil
	}

	m.closed = true

	m.store(offState, stateFrozen)

	syncErr := unix.Msync(m.data, unix.MS_SYNC)
	unmapErr := unix.Munmap(m.data)
	closeErr := m.file.Close()

	m.Ring.region = nil
	m.data = nil

	releaseLock(m.lock)
	m.lock = nil

	if syncErr != nil {
		return fmt.Errorf("flushing mapping: %w", syncErr)
	}

	if unmapErr != nil {
		return fmt.Errorf("unmapping: %w", unmapErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing file: %w", closeErr)
	}

	return nil
}

// Sync flushes the mapping to disk without freezing the region. It
// narrows - but does not close - the window an unclean termination
// loses; the region still reopens as uninitialized unless Close ran.
func (m *Mapped) Sync() error {
	if m.closed {
		return ErrClosed
	}

	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("flushing mapping: %w", err)
	}

	return nil
}

// releaseLock releases lock if non-nil.
func releaseLock(lock *fs.Lock) {
	if lock == nil {
		return
	}

	_ = lock.Close()
}
