// Package rollhash provides a single-file, memory-mappable,
// append-in-a-ring key/value table.
//
// A [Ring] combines a fixed-size hash index with an implicit FIFO log of
// records carved out of one contiguous byte region. New records are
// appended at the ring tail; dead records are reclaimed from the ring
// head; live records at the head are rotated back to the tail so that
// compaction proceeds online, in place, without copying the table.
//
// # Basic Usage
//
//	ring, err := rollhash.Open(rollhash.Options{
//	    Path:       "/var/lib/samoa/part-00.ring",
//	    RegionSize: 1 << 26,
//	    IndexSize:  1 << 16,
//	})
//	if err != nil {
//	    // handle [ErrBusy] (another process), [ErrIncompatible] /
//	    // [ErrCorrupt] (stale or damaged region)
//	}
//	defer ring.Close()
//
//	if err := ring.Put([]byte("alpha"), []byte("AAA"), rollhash.NoHint); err != nil {
//	    // [ErrCapacity]: compact (RotateHead/ReclaimHead) and retry
//	}
//
//	rec, _, ok := ring.Lookup([]byte("alpha"))
//
// Values whose length is known up front can be streamed directly into
// the mapped region through the prepare/commit split:
//
//	p, err := ring.Prepare(key, n)
//	io.ReadFull(conn, p.Value())
//	err = ring.Commit(rollhash.NoHint)
//
// # Concurrency
//
// A Ring is single-writer and not safe for concurrent use; the caller
// serializes all operations (typically by owning each partition from a
// single goroutine). Cross-process exclusion is enforced by an advisory
// file lock taken for the lifetime of a mapped ring.
//
// # Durability
//
// A clean [Mapped.Close] is the only durability boundary: it freezes the
// region, flushes the mapping, and releases the lock. A region whose
// state cookie is not frozen is treated as uninitialized on open and its
// content is discarded.
package rollhash
