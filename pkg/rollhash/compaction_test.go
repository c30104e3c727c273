package rollhash_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jgraettinger/samoa-go/pkg/rollhash"
)

func TestRing_CompactionPreconditions(t *testing.T) {
	t.Parallel()

	ring := newTestRing(t, 4096, 16)

	require.ErrorIs(t, ring.ReclaimHead(), rollhash.ErrEmpty)
	require.ErrorIs(t, ring.RotateHead(), rollhash.ErrEmpty)

	require.NoError(t, ring.Put([]byte("k"), []byte("v"), rollhash.NoHint))

	// The head is live: only rotation applies.
	require.ErrorIs(t, ring.ReclaimHead(), rollhash.ErrHeadLive)

	dropped, err := ring.Drop([]byte("k"), rollhash.NoHint)
	require.NoError(t, err)
	require.True(t, dropped)

	// The head is dead: only reclamation applies.
	require.ErrorIs(t, ring.RotateHead(), rollhash.ErrHeadDead)

	require.NoError(t, ring.ReclaimHead())
	require.ErrorIs(t, ring.ReclaimHead(), rollhash.ErrEmpty)
}

// A single-bucket index forces every key into one chain, so rotation
// must repair interior chain links, not just bucket slots.
func TestRing_RotatePreservesChainMembership(t *testing.T) {
	t.Parallel()

	ring := newTestRing(t, 4096, 1)

	keys := []string{"b", "a", "c"}
	for _, key := range keys {
		require.NoError(t, ring.Put([]byte(key), []byte("value-"+key), rollhash.NoHint))
	}

	// Rotate twice; every key must stay reachable with its value, and the
	// rotated record must reappear at the ring tail.
	for rotation := range 2 {
		head, ok := ring.Head()
		require.True(t, ok)
		headKey := string(head.Key())

		require.NoError(t, ring.RotateHead())

		rec, _, ok := ring.Lookup([]byte(headKey))
		require.True(t, ok, "rotation %d lost key %q", rotation, headKey)
		require.Equal(t, []byte("value-"+headKey), rec.Value())

		recs := collect(ring)
		require.Equal(t, headKey, string(recs[len(recs)-1].Key()))

		for _, key := range keys {
			got, _, ok := ring.Lookup([]byte(key))
			require.True(t, ok, "rotation %d lost key %q", rotation, key)
			require.Equal(t, []byte("value-"+key), got.Value())
		}

		// Each key appears in the ring exactly once alive.
		liveByKey := map[string]int{}
		for _, rec := range recs {
			if !rec.IsDead() {
				liveByKey[string(rec.Key())]++
			}
		}

		for _, key := range keys {
			require.Equal(t, 1, liveByKey[key])
		}
	}

	require.Equal(t, uint32(3), ring.LiveRecordCount())
	require.Equal(t, uint32(3), ring.TotalRecordCount())
}

func TestRing_RotateUncoversReclaimable(t *testing.T) {
	t.Parallel()

	ring := newTestRing(t, 4096, 4)

	require.NoError(t, ring.Put([]byte("keep"), []byte("K"), rollhash.NoHint))
	require.NoError(t, ring.Put([]byte("gone"), []byte("G"), rollhash.NoHint))

	dropped, err := ring.Drop([]byte("gone"), rollhash.NoHint)
	require.NoError(t, err)
	require.True(t, dropped)

	// The dead record hides behind the live head until the head rotates.
	require.ErrorIs(t, ring.ReclaimHead(), rollhash.ErrHeadLive)
	require.NoError(t, ring.RotateHead())

	head, ok := ring.Head()
	require.True(t, ok)
	require.True(t, head.IsDead())
	require.NoError(t, ring.ReclaimHead())

	require.Equal(t, uint32(1), ring.TotalRecordCount())

	rec, _, ok := ring.Lookup([]byte("keep"))
	require.True(t, ok)
	require.Equal(t, []byte("K"), rec.Value())
}

// Rotating on a nearly-full ring copies between overlapping byte
// ranges; the record must survive intact.
func TestRing_RotateOverlappingCopy(t *testing.T) {
	t.Parallel()

	// A reclaimed 60-byte record leaves a gap smaller than the 100-byte
	// records that rotate through it, so each of the first three rotated
	// copies overlaps its source by 40 bytes. The records then sit flush
	// at the front, and the later rotations copy each record onto itself.
	const indexSize = 4

	require.Equal(t, uint32(60), rollhash.AllocatedSize(1, 47))

	regionSize := rollhash.HeaderSize + indexSize*rollhash.OffsetSize + 60 + 3*100
	ring := newTestRing(t, uint32(regionSize), indexSize)

	require.NoError(t, ring.Put([]byte("x"), bytes.Repeat([]byte{'x'}, 47), rollhash.NoHint))
	require.NoError(t, ring.Put([]byte("a"), fill90('a'), rollhash.NoHint))
	require.NoError(t, ring.Put([]byte("b"), fill90('b'), rollhash.NoHint))
	require.NoError(t, ring.Put([]byte("c"), fill90('c'), rollhash.NoHint))

	dropped, err := ring.Drop([]byte("x"), rollhash.NoHint)
	require.NoError(t, err)
	require.True(t, dropped)
	require.NoError(t, ring.ReclaimHead())

	for range 6 {
		require.NoError(t, ring.RotateHead())

		for _, key := range []string{"a", "b", "c"} {
			rec, _, ok := ring.Lookup([]byte(key))
			require.True(t, ok)
			require.Equal(t, fill90(key[0]), rec.Value())
		}
	}

	require.Equal(t, uint32(3), ring.TotalRecordCount())
	require.Equal(t, uint32(3), ring.LiveRecordCount())
}

func TestRing_RotateOnlyRecordRestartsAtFront(t *testing.T) {
	t.Parallel()

	ring := threeRecordRing(t)
	recordsOff := ring.RecordsOffset()

	require.NoError(t, ring.Put([]byte("a"), fill90('a'), rollhash.NoHint))
	require.NoError(t, ring.Put([]byte("b"), fill90('b'), rollhash.NoHint))
	require.NoError(t, ring.Put([]byte("c"), fill90('c'), rollhash.NoHint))

	for _, key := range []string{"a", "b"} {
		dropped, err := ring.Drop([]byte(key), rollhash.NoHint)
		require.NoError(t, err)
		require.True(t, dropped)
		require.NoError(t, ring.ReclaimHead())
	}

	// Only "c" remains, pressed against the region end; rotating it lands
	// at the records area start with no wrap.
	require.NoError(t, ring.RotateHead())

	begin, end, wrap := ring.RingOffsets()
	require.Equal(t, uint32(0), wrap)
	require.Equal(t, recordsOff, begin)
	require.Equal(t, recordsOff+100, end)

	rec, _, ok := ring.Lookup([]byte("c"))
	require.True(t, ok)
	require.Equal(t, fill90('c'), rec.Value())
	require.Equal(t, recordsOff, rec.Offset())
}

func TestRing_EmptiedRingRestartsAtFront(t *testing.T) {
	t.Parallel()

	ring := threeRecordRing(t)
	recordsOff := ring.RecordsOffset()

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, ring.Put([]byte(key), fill90(key[0]), rollhash.NoHint))
	}

	for _, key := range []string{"a", "b", "c"} {
		dropped, err := ring.Drop([]byte(key), rollhash.NoHint)
		require.NoError(t, err)
		require.True(t, dropped)
		require.NoError(t, ring.ReclaimHead())
	}

	_, ok := ring.Head()
	require.False(t, ok)

	// 104 bytes no longer fit before region_size, but the ring is empty:
	// it restarts at the front instead of wrapping around nothing.
	require.True(t, ring.WouldFit(1, 94))
	require.NoError(t, ring.Put([]byte("d"), bytes.Repeat([]byte{'d'}, 94), rollhash.NoHint))

	begin, _, wrap := ring.RingOffsets()
	require.Equal(t, uint32(0), wrap)
	require.Equal(t, recordsOff, begin)

	head, ok := ring.Head()
	require.True(t, ok)
	require.Equal(t, []byte("d"), head.Key())
}

func TestRing_HeadInvalidates(t *testing.T) {
	t.Parallel()

	ring := newTestRing(t, 4096, 1)

	require.NoError(t, ring.Put([]byte("first"), []byte("1"), rollhash.NoHint))
	require.NoError(t, ring.Put([]byte("second"), []byte("2"), rollhash.NoHint))

	// The bucket slot points at "first"; that hint lives in the index,
	// outside the head record.
	_, firstHint, ok := ring.Lookup([]byte("first"))
	require.True(t, ok)
	require.False(t, ring.HeadInvalidates(firstHint))

	// The link to "second" is the next field of "first" - inside the head
	// record, so compaction would invalidate it.
	_, secondHint, ok := ring.Lookup([]byte("second"))
	require.True(t, ok)
	require.True(t, ring.HeadInvalidates(secondHint))

	// After rotating the head away, the same offset no longer points into
	// the (new) head.
	require.NoError(t, ring.RotateHead())
	require.False(t, ring.HeadInvalidates(secondHint))

	// An empty ring invalidates nothing.
	empty := newTestRing(t, 4096, 1)
	require.False(t, empty.HeadInvalidates(firstHint))
}

func TestRing_CompactUntilFitLoop(t *testing.T) {
	t.Parallel()

	// A realistic maintenance loop: keep inserting, compacting the head
	// as needed, until the keyspace has cycled several times.
	ring := newTestRing(t, 2048, 8)

	put := func(key string, value []byte) {
		for !ring.WouldFit(len(key), len(value)) {
			head, ok := ring.Head()
			require.True(t, ok)

			if head.IsDead() {
				require.NoError(t, ring.ReclaimHead())

				continue
			}

			require.NoError(t, ring.RotateHead())
		}

		require.NoError(t, ring.Put([]byte(key), value, rollhash.NoHint))
	}

	for round := range 20 {
		for i := range 8 {
			key := fmt.Sprintf("key-%d", i)
			put(key, []byte(fmt.Sprintf("round-%d-%d", round, i)))
		}
	}

	require.Equal(t, uint32(8), ring.LiveRecordCount())

	for i := range 8 {
		rec, _, ok := ring.Lookup([]byte(fmt.Sprintf("key-%d", i)))
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("round-19-%d", i), string(rec.Value()))
	}
}
