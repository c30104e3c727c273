package rollhash_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jgraettinger/samoa-go/pkg/fs"
	"github.com/jgraettinger/samoa-go/pkg/rollhash"
)

func TestMapped_CloseAndReopen(t *testing.T) {
	t.Parallel()

	opts := rollhash.Options{
		Path:       filepath.Join(t.TempDir(), "part.ring"),
		RegionSize: 1 << 20,
		IndexSize:  4096,
	}

	ring, err := rollhash.Open(opts)
	require.NoError(t, err)

	const keyCount = 1000

	for i := range keyCount {
		key := fmt.Appendf(nil, "key-%04d", i)
		value := fmt.Appendf(nil, "value-%04d", i)
		require.NoError(t, ring.Put(key, value, rollhash.NoHint))
	}

	// Drop every other key.
	for i := 0; i < keyCount; i += 2 {
		dropped, dropErr := ring.Drop(fmt.Appendf(nil, "key-%04d", i), rollhash.NoHint)
		require.NoError(t, dropErr)
		require.True(t, dropped)
	}

	require.Equal(t, uint32(keyCount/2), ring.LiveRecordCount())
	require.Equal(t, uint32(keyCount), ring.TotalRecordCount())

	require.NoError(t, ring.Close())

	reopened, err := rollhash.Open(opts)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint32(keyCount/2), reopened.LiveRecordCount())
	require.Equal(t, uint32(keyCount), reopened.TotalRecordCount())

	for i := range keyCount {
		rec, _, ok := reopened.Lookup(fmt.Appendf(nil, "key-%04d", i))
		if i%2 == 0 {
			require.False(t, ok, "dropped key-%04d resurfaced", i)

			continue
		}

		require.True(t, ok, "key-%04d lost across reopen", i)
		require.Equal(t, fmt.Appendf(nil, "value-%04d", i), rec.Value())
	}
}

func TestMapped_ReopenRegionSizeMismatch(t *testing.T) {
	t.Parallel()

	opts := rollhash.Options{
		Path:       filepath.Join(t.TempDir(), "part.ring"),
		RegionSize: 1 << 16,
		IndexSize:  64,
	}

	ring, err := rollhash.Open(opts)
	require.NoError(t, err)
	require.NoError(t, ring.Put([]byte("k"), []byte("v"), rollhash.NoHint))
	require.NoError(t, ring.Close())

	grown := opts
	grown.RegionSize = 1 << 17

	_, err = rollhash.Open(grown)
	require.ErrorIs(t, err, rollhash.ErrIncompatible)

	// The failed open did not mutate the file: the original parameters
	// still work and the content survived.
	reopened, err := rollhash.Open(opts)
	require.NoError(t, err)
	defer reopened.Close()

	rec, _, ok := reopened.Lookup([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), rec.Value())
}

func TestMapped_LockExcludesSecondOpen(t *testing.T) {
	t.Parallel()

	opts := rollhash.Options{
		Path:       filepath.Join(t.TempDir(), "part.ring"),
		RegionSize: 1 << 16,
		IndexSize:  64,
	}

	ring, err := rollhash.Open(opts)
	require.NoError(t, err)

	_, err = rollhash.Open(opts)
	require.ErrorIs(t, err, rollhash.ErrBusy)

	require.NoError(t, ring.Close())

	// The lock released with the close.
	reopened, err := rollhash.Open(opts)
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestMapped_ActiveRegionReopensEmpty(t *testing.T) {
	t.Parallel()

	// Build a region that was never frozen - as a crashed process leaves
	// it - and persist its raw bytes.
	region := make([]byte, 1<<16)

	ring, err := rollhash.New(region, 64)
	require.NoError(t, err)
	require.NoError(t, ring.Put([]byte("doomed"), []byte("bytes"), rollhash.NoHint))

	path := filepath.Join(t.TempDir(), "part.ring")
	require.NoError(t, os.WriteFile(path, region, 0o600))

	reopened, err := rollhash.Open(rollhash.Options{
		Path:       path,
		RegionSize: 1 << 16,
		IndexSize:  64,
	})
	require.NoError(t, err)
	defer reopened.Close()

	// An active (unfrozen) region is treated as uninitialized.
	require.Equal(t, uint32(0), reopened.LiveRecordCount())
	require.Equal(t, uint32(0), reopened.TotalRecordCount())

	_, _, ok := reopened.Lookup([]byte("doomed"))
	require.False(t, ok)
}

func TestMapped_CorruptFrozenHeader(t *testing.T) {
	t.Parallel()

	opts := rollhash.Options{
		Path:       filepath.Join(t.TempDir(), "part.ring"),
		RegionSize: 1 << 16,
		IndexSize:  64,
	}

	ring, err := rollhash.Open(opts)
	require.NoError(t, err)
	require.NoError(t, ring.Put([]byte("k"), []byte("v"), rollhash.NoHint))
	require.NoError(t, ring.Close())

	corrupt := func(off int, v uint32) {
		raw, readErr := os.ReadFile(opts.Path)
		require.NoError(t, readErr)

		raw[off] = byte(v)
		raw[off+1] = byte(v >> 8)
		raw[off+2] = byte(v >> 16)
		raw[off+3] = byte(v >> 24)

		require.NoError(t, os.WriteFile(opts.Path, raw, 0o600))
	}

	// A frozen region claiming a different offset width is incompatible.
	corrupt(rollhash.OffsetSizeOff, 8)

	_, err = rollhash.Open(opts)
	require.ErrorIs(t, err, rollhash.ErrIncompatible)

	// Restore the width, break the ring head offset instead.
	corrupt(rollhash.OffsetSizeOff, rollhash.OffsetSize)
	corrupt(rollhash.BeginOff, 0xFFFFFFF0)

	_, err = rollhash.Open(opts)
	require.ErrorIs(t, err, rollhash.ErrCorrupt)

	// Neither failed open mutated the region; repairing the header
	// brings the record back.
	corrupt(rollhash.BeginOff, uint32(rollhash.HeaderSize)+64*rollhash.OffsetSize)

	reopened, err := rollhash.Open(opts)
	require.NoError(t, err)
	defer reopened.Close()

	rec, _, ok := reopened.Lookup([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), rec.Value())
}

func TestMapped_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	ring, err := rollhash.Open(rollhash.Options{
		Path:       filepath.Join(t.TempDir(), "part.ring"),
		RegionSize: 1 << 16,
		IndexSize:  64,
	})
	require.NoError(t, err)

	require.NoError(t, ring.Close())
	require.NoError(t, ring.Close())
	require.ErrorIs(t, ring.Sync(), rollhash.ErrClosed)
}

func TestMapped_InvalidOptions(t *testing.T) {
	t.Parallel()

	_, err := rollhash.Open(rollhash.Options{RegionSize: 1 << 16, IndexSize: 64})
	require.ErrorIs(t, err, rollhash.ErrInvalidInput)

	_, err = rollhash.Open(rollhash.Options{
		Path:       filepath.Join(t.TempDir(), "part.ring"),
		RegionSize: 64,
		IndexSize:  64,
	})
	require.ErrorIs(t, err, rollhash.ErrInvalidInput)
}

func TestMapped_InjectedIOFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	t.Run("open", func(t *testing.T) {
		t.Parallel()

		fsys := fs.NewInjected(fs.NewReal())
		fsys.FailOp(fs.OpOpenFile, errDiskGone)

		_, err := rollhash.Open(rollhash.Options{
			Path:       filepath.Join(dir, "open-fail.ring"),
			RegionSize: 1 << 16,
			IndexSize:  64,
			FS:         fsys,
		})
		require.ErrorIs(t, err, errDiskGone)
		require.True(t, fs.IsInjected(err))
	})

	t.Run("extend", func(t *testing.T) {
		t.Parallel()

		fsys := fs.NewInjected(fs.NewReal())

		path := filepath.Join(dir, "extend-fail.ring")

		fsys.FailOp(fs.OpTruncate, errDiskGone)

		_, err := rollhash.Open(rollhash.Options{
			Path:           path,
			RegionSize:     1 << 16,
			IndexSize:      64,
			FS:             fsys,
			DisableLocking: true,
		})
		require.ErrorIs(t, err, errDiskGone)

		// The failure left no usable region behind; a healthy open
		// afterwards initializes from scratch.
		fsys.FailOp(fs.OpTruncate, nil)

		ring, err := rollhash.Open(rollhash.Options{
			Path:       path,
			RegionSize: 1 << 16,
			IndexSize:  64,
			FS:         fsys,
		})
		require.NoError(t, err)
		require.Equal(t, uint32(0), ring.TotalRecordCount())
		require.NoError(t, ring.Close())
	})
}

var errDiskGone = errors.New("disk gone")

func TestMapped_SyncKeepsRegionActive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "part.ring")

	ring, err := rollhash.Open(rollhash.Options{
		Path:       path,
		RegionSize: 1 << 16,
		IndexSize:  64,
	})
	require.NoError(t, err)

	require.NoError(t, ring.Put([]byte("k"), []byte("v"), rollhash.NoHint))
	require.NoError(t, ring.Sync())

	// Sync flushes bytes but does not freeze: the on-disk state cookie
	// still reads active.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	state := uint32(raw[rollhash.StateOff]) |
		uint32(raw[rollhash.StateOff+1])<<8 |
		uint32(raw[rollhash.StateOff+2])<<16 |
		uint32(raw[rollhash.StateOff+3])<<24
	require.Equal(t, uint32(rollhash.StateActive), state)

	require.NoError(t, ring.Close())

	raw, err = os.ReadFile(path)
	require.NoError(t, err)

	state = uint32(raw[rollhash.StateOff]) |
		uint32(raw[rollhash.StateOff+1])<<8 |
		uint32(raw[rollhash.StateOff+2])<<16 |
		uint32(raw[rollhash.StateOff+3])<<24
	require.Equal(t, uint32(rollhash.StateFrozen), state)
}
