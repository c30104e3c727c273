package rollhash

import (
	"bytes"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Hint is the offset of the offset that links to a record: either an
// index bucket slot, or the next field of a predecessor record in the
// same chain. [Ring.Lookup] produces one; [Ring.Commit] and [Ring.Drop]
// consume it to splice the chain without re-walking.
//
// Hints are fragile: compaction invalidates hints that point into the
// ring head. Use [Ring.HeadInvalidates] before acting on a hint held
// across a ReclaimHead or RotateHead.
type Hint uint32

// NoHint requests a fresh lookup instead of a hinted splice. Offset 0
// lies inside the header and never addresses a chain link.
const NoHint Hint = 0

// Seq is the iterator over ring records returned by [Ring.Records].
//
// It matches the shape of iter.Seq[Record] so callers can range over it
// directly or use slices.Collect.
type Seq func(yield func(Record) bool)

// Ring is a hash table plus FIFO record log over one contiguous byte
// region. See the package documentation for the model.
//
// A Ring is single-writer and not safe for concurrent use.
type Ring struct {
	region []byte

	// Cached from the header; immutable for the life of the handle.
	regionSize uint32
	indexSize  uint32
	recordsOff uint32

	// staged is true while a prepared record at end awaits Commit.
	// In-memory only; an abandoned preparation leaves no persisted trace.
	staged bool
}

// New constructs a Ring over an arbitrary byte region.
//
// A region whose state cookie reads frozen is a persisted table: its
// offset width and size are cross-checked against the caller (the
// stored index size takes precedence, as the index cannot be resized)
// and its content is reused. Any other region is treated as
// uninitialized and formatted in place. In both cases the region is
// marked active before returning.
//
// Possible errors:
//   - [ErrInvalidInput]: region too small for the header plus index
//   - [ErrIncompatible]: frozen region with mismatched offset width or size
//   - [ErrCorrupt]: frozen region whose ring offsets are out of bounds
func New(region []byte, indexSize uint32) (*Ring, error) {
	if uint64(len(region)) > math.MaxUint32 {
		return nil, fmt.Errorf("region of %d bytes exceeds offset range: %w", len(region), ErrInvalidInput)
	}

	regionSize := uint32(len(region))

	if indexSize == 0 {
		return nil, fmt.Errorf("index_size must be >= 1: %w", ErrInvalidInput)
	}

	if uint64(regionSize) < headerSize+uint64(indexSize)*offsetSize {
		return nil, fmt.Errorf("region_size %d too small for index_size %d: %w",
			regionSize, indexSize, ErrInvalidInput)
	}

	r := &Ring{region: region, regionSize: regionSize}

	if r.load(offState) == stateFrozen {
		// A persisted table. Cross-check before touching anything.
		if storedWidth := r.load(offOffsetSize); storedWidth != offsetSize {
			return nil, fmt.Errorf("stored offset width %d != %d: %w",
				storedWidth, offsetSize, ErrIncompatible)
		}

		if storedSize := r.load(offRegionSize); storedSize != regionSize {
			return nil, fmt.Errorf("stored region_size %d != %d: %w",
				storedSize, regionSize, ErrIncompatible)
		}

		r.indexSize = r.load(offIndexSize)

		recordsOff := headerSize + uint64(r.indexSize)*offsetSize
		if r.indexSize == 0 || recordsOff > uint64(regionSize) {
			return nil, fmt.Errorf("stored index_size %d exceeds region: %w", r.indexSize, ErrCorrupt)
		}

		r.recordsOff = uint32(recordsOff)

		if err := r.checkRingOffsets(); err != nil {
			return nil, err
		}
	} else {
		r.indexSize = indexSize
		r.recordsOff = headerSize + indexSize*offsetSize

		r.store(offOffsetSize, offsetSize)
		r.store(offRegionSize, regionSize)
		r.store(offIndexSize, indexSize)
		r.store(offTotalCount, 0)
		r.store(offLiveCount, 0)
		r.store(offBegin, r.recordsOff)
		r.store(offEnd, r.recordsOff)
		r.store(offWrap, 0)

		clear(region[indexOffset:r.recordsOff])
	}

	r.store(offState, stateActive)

	return r, nil
}

// checkRingOffsets validates a persisted header's ring indices.
func (r *Ring) checkRingOffsets() error {
	begin, end, wrap := r.begin(), r.end(), r.wrap()

	if begin < r.recordsOff || begin > r.regionSize ||
		end < r.recordsOff || end > r.regionSize {
		return fmt.Errorf("ring offsets [%d, %d) out of bounds: %w", begin, end, ErrCorrupt)
	}

	if wrap == 0 {
		if begin > end {
			return fmt.Errorf("unwrapped ring with begin %d > end %d: %w", begin, end, ErrCorrupt)
		}

		return nil
	}

	if wrap <= r.recordsOff || wrap > r.regionSize || end > begin || begin > wrap {
		return fmt.Errorf("wrapped ring [%d, %d) u [%d, %d) inconsistent: %w",
			begin, wrap, r.recordsOff, end, ErrCorrupt)
	}

	return nil
}

func (r *Ring) begin() uint32 { return r.load(offBegin) }
func (r *Ring) end() uint32   { return r.load(offEnd) }
func (r *Ring) wrap() uint32  { return r.load(offWrap) }

// isEmpty reports whether the ring holds no records, live or dead.
func (r *Ring) isEmpty() bool {
	return r.wrap() == 0 && r.begin() == r.end()
}

// bucketSlot returns the region offset of the index slot for key.
func (r *Ring) bucketSlot(key []byte) uint32 {
	bucket := xxhash.Sum64(key) % uint64(r.indexSize)

	return indexOffset + uint32(bucket)*offsetSize
}

// Lookup walks the key's hash chain.
//
// On a hit it returns the record, a [Hint] addressing the link that
// points at it, and true. On a miss it returns the zero Record, a Hint
// addressing the terminal null link of the chain - so a following
// Commit or Put can splice in place without re-walking - and false.
func (r *Ring) Lookup(key []byte) (Record, Hint, bool) {
	slot := r.bucketSlot(key)

	for recOff := r.load(slot); recOff != 0; recOff = r.load(slot) {
		rec := Record{ring: r, off: recOff}
		if bytes.Equal(rec.Key(), key) {
			return rec, Hint(slot), true
		}

		// The next field is the first bytes of the record, so the record
		// offset doubles as the offset of its next link.
		slot = recOff
	}

	return Record{}, Hint(slot), false
}

// WouldFit reports whether a put of the given key and value lengths
// would succeed right now. It is a pure predicate and performs no
// writes.
func (r *Ring) WouldFit(keyLen, valueLen int) bool {
	if keyLen < 0 || keyLen >= MaxKeyLen || valueLen < 0 || valueLen >= MaxValueLen {
		return false
	}

	need := uint64(allocatedSize(uint32(keyLen), uint32(valueLen)))
	begin, end, wrap := r.begin(), r.end(), r.wrap()

	// Writing past the region end forces a wrap, which only a ring that
	// has not wrapped yet can take; the room that counts is then between
	// records_offset and begin.
	if uint64(end)+need > uint64(r.regionSize) {
		return wrap == 0 && uint64(r.recordsOff)+need <= uint64(begin)
	}

	if wrap != 0 && uint64(end)+need > uint64(begin) {
		return false
	}

	return true
}

// Prepare lays down a record for key at the ring tail with a value slot
// of valueLen bytes, and returns a handle for writing the value in
// place. The record is not yet in any chain and the ring tail has not
// advanced: a subsequent Prepare for a different key abandons it.
//
// Returns [ErrCapacity] if a length exceeds its packed maximum or the
// record does not fit; the region is unchanged.
func (r *Ring) Prepare(key []byte, valueLen int) (Prepared, error) {
	if len(key) >= MaxKeyLen {
		return Prepared{}, fmt.Errorf("key length %d exceeds maximum %d: %w",
			len(key), MaxKeyLen-1, ErrCapacity)
	}

	if valueLen < 0 || valueLen >= MaxValueLen {
		return Prepared{}, fmt.Errorf("value length %d exceeds maximum %d: %w",
			valueLen, MaxValueLen-1, ErrCapacity)
	}

	if !r.WouldFit(len(key), valueLen) {
		return Prepared{}, fmt.Errorf("record of %d bytes does not fit: %w",
			allocatedSize(uint32(len(key)), uint32(valueLen)), ErrCapacity)
	}

	keyLen := uint32(len(key))
	need := allocatedSize(keyLen, uint32(valueLen))

	end := r.end()
	if uint64(end)+uint64(need) > uint64(r.regionSize) {
		if r.isEmpty() {
			// An emptied ring can sit anywhere in the records area.
			// Restart it at the front instead of recording a wrap around
			// nothing, which would leave begin == wrap and no head.
			r.store(offBegin, r.recordsOff)
		} else {
			r.store(offWrap, end)
		}

		end = r.recordsOff
		r.store(offEnd, end)
	}

	r.store(end+recNextOff, 0)
	putFlags40(r.region[end+recFlagsOff:], packFlags(false, keyLen, uint32(valueLen)))
	copy(r.region[end+recHeaderSize:], key)

	r.staged = true

	return Prepared{ring: r, off: end}, nil
}

// Commit splices the prepared record into its chain, advances the ring
// tail, and updates the counters.
//
// hint is [NoHint], or the Hint a Lookup of the prepared key returned.
// If the key already had a live record, that record leaves the chain
// and is marked dead in place; the new record inherits its link and the
// live count is unchanged. Otherwise the live count grows by one.
//
// Possible errors: [ErrNotPrepared], [ErrInvalidHint].
func (r *Ring) Commit(hint Hint) error {
	if !r.staged {
		return ErrNotPrepared
	}

	end := r.end()
	newRec := Record{ring: r, off: end}

	var (
		old     Record
		haveOld bool
		err     error
	)

	if hint == NoHint {
		old, hint, haveOld = r.Lookup(newRec.Key())
	} else {
		old, haveOld, err = r.resolveHint(hint, newRec.Key())
		if err != nil {
			return err
		}
	}

	if haveOld {
		// The new record replaces the old within the chain.
		newRec.setNext(old.next())
		old.markDead()
	} else {
		r.store(offLiveCount, r.load(offLiveCount)+1)
	}

	r.store(uint32(hint), end)
	r.store(offEnd, end+newRec.allocated())
	r.store(offTotalCount, r.load(offTotalCount)+1)
	r.staged = false

	return nil
}

// Put inserts or replaces key with value. It is Prepare + copy + Commit
// for callers that hold the whole value in memory.
func (r *Ring) Put(key, value []byte, hint Hint) error {
	p, err := r.Prepare(key, len(value))
	if err != nil {
		return err
	}

	copy(p.Value(), value)

	return r.Commit(hint)
}

// Drop removes key from the table. The record leaves its chain and is
// marked dead in place; its bytes remain in the ring until compaction
// reaches them, so no iteration is invalidated.
//
// Returns false if the key is absent. hint is [NoHint] or the Hint a
// Lookup of key returned; a hint that fails validation yields
// [ErrInvalidHint] with the region unchanged.
func (r *Ring) Drop(key []byte, hint Hint) (bool, error) {
	var (
		rec   Record
		found bool
		err   error
	)

	if hint == NoHint {
		rec, hint, found = r.Lookup(key)
	} else {
		rec, found, err = r.resolveHint(hint, key)
		if err != nil {
			return false, err
		}
	}

	if !found {
		return false, nil
	}

	r.store(uint32(hint), rec.next())
	rec.markDead()
	r.store(offLiveCount, r.load(offLiveCount)-1)

	return true, nil
}

// resolveHint validates a caller-supplied hint against key and
// dereferences it. found is false when the hint addresses a terminal
// null link (the key is absent).
func (r *Ring) resolveHint(hint Hint, key []byte) (rec Record, found bool, err error) {
	off := uint32(hint)

	if off < indexOffset || off+offsetSize > r.regionSize || off%offsetSize != 0 {
		return Record{}, false, fmt.Errorf("hint offset %d out of bounds: %w", off, ErrInvalidHint)
	}

	recOff := r.load(off)
	if recOff == 0 {
		return Record{}, false, nil
	}

	if recOff < r.recordsOff || uint64(recOff)+recHeaderSize > uint64(r.regionSize) {
		return Record{}, false, fmt.Errorf("hinted record offset %d out of bounds: %w", recOff, ErrInvalidHint)
	}

	rec = Record{ring: r, off: recOff}

	if uint64(recOff)+uint64(rec.allocated()) > uint64(r.regionSize) {
		return Record{}, false, fmt.Errorf("hinted record at %d overruns region: %w", recOff, ErrInvalidHint)
	}

	if !bytes.Equal(rec.Key(), key) {
		return Record{}, false, fmt.Errorf("hinted record holds a different key: %w", ErrInvalidHint)
	}

	return rec, true, nil
}

// Head returns the least-recently-written record, live or dead, or
// false on an empty ring.
func (r *Ring) Head() (Record, bool) {
	if r.isEmpty() {
		return Record{}, false
	}

	return Record{ring: r, off: r.begin()}, true
}

// Step returns the record written immediately after rec, or false when
// rec is the newest record in the ring. Head plus repeated Step visits
// every physically present record in FIFO write order.
func (r *Ring) Step(rec Record) (Record, bool) {
	off := rec.off + rec.allocated()

	if off == r.wrap() {
		off = r.recordsOff
	}

	if off == r.end() {
		return Record{}, false
	}

	return Record{ring: r, off: off}, true
}

// Records iterates the ring from head to tail, dead records included.
func (r *Ring) Records() Seq {
	return func(yield func(Record) bool) {
		for rec, ok := r.Head(); ok; rec, ok = r.Step(rec) {
			if !yield(rec) {
				return
			}
		}
	}
}

// ReclaimHead reclaims the memory of a dead ring head. The head becomes
// the next least-recently-written record; a previously held Step result
// for the old head is invalidated.
//
// Possible errors: [ErrEmpty], [ErrHeadLive].
func (r *Ring) ReclaimHead() error {
	head, ok := r.Head()
	if !ok {
		return ErrEmpty
	}

	if !head.IsDead() {
		return ErrHeadLive
	}

	begin := head.off + head.allocated()
	if begin == r.wrap() {
		r.store(offWrap, 0)
		begin = r.recordsOff
	}

	r.store(offBegin, begin)
	r.store(offTotalCount, r.load(offTotalCount)-1)

	return nil
}

// RotateHead moves a live ring head to the ring tail, preserving its
// chain membership. Rotating live records uncovers reclaimable dead
// ones, which is how the table compacts online.
//
// RotateHead always succeeds on a live head, even when WouldFit is
// false for any length: the bytes vacated at the head free at least as
// much room as the copy consumes at the tail. Any staged preparation is
// abandoned.
//
// Possible errors: [ErrEmpty], [ErrHeadDead], [ErrCorrupt].
func (r *Ring) RotateHead() error {
	head, ok := r.Head()
	if !ok {
		return ErrEmpty
	}

	if head.IsDead() {
		return ErrHeadDead
	}

	_, hint, found := r.Lookup(head.Key())
	if !found {
		return fmt.Errorf("live head not reachable from index: %w", ErrCorrupt)
	}

	// The copy below may land on the staged record's bytes.
	r.staged = false

	need := head.allocated()
	src := head.off

	begin := src + need
	if begin == r.wrap() {
		r.store(offWrap, 0)
		begin = r.recordsOff
	}

	r.store(offBegin, begin)

	end := r.end()
	if uint64(end)+uint64(need) > uint64(r.regionSize) {
		if r.isEmpty() {
			// Rotating the only record: restart the ring at the front
			// rather than wrapping around nothing.
			r.store(offBegin, r.recordsOff)
		} else {
			r.store(offWrap, end)
		}

		end = r.recordsOff
	}

	// Source and destination can overlap on a nearly-full ring; copy has
	// memmove semantics, so the record survives intact. next came along
	// with the bytes.
	copy(r.region[end:end+need], r.region[src:src+need])

	r.store(uint32(hint), end)
	r.store(offEnd, end+need)

	return nil
}

// HeadInvalidates reports whether reclaiming or rotating the current
// head would invalidate the given hint - that is, whether the hint
// points into the head record's bytes. Callers holding hints across
// compaction use this to decide whether to re-Lookup.
func (r *Ring) HeadInvalidates(hint Hint) bool {
	head, ok := r.Head()
	if !ok {
		return false
	}

	off := uint32(hint)

	return off >= head.off && off < head.off+head.allocated()
}

// TotalRegionSize returns the region's size in bytes.
func (r *Ring) TotalRegionSize() uint32 {
	return r.regionSize
}

// UsedRegionSize returns the bytes consumed by the header, index, and
// ring records (live and dead).
func (r *Ring) UsedRegionSize() uint32 {
	used := r.recordsOff

	if r.wrap() != 0 {
		used += r.wrap() - r.begin()
		used += r.end() - r.recordsOff
	} else {
		used += r.end() - r.begin()
	}

	return used
}

// TotalIndexSize returns the number of index buckets.
func (r *Ring) TotalIndexSize() uint32 {
	return r.indexSize
}

// UsedIndexSize returns the number of index buckets with a non-empty
// chain.
func (r *Ring) UsedIndexSize() uint32 {
	var used uint32

	for i := uint32(0); i < r.indexSize; i++ {
		if r.load(indexOffset+i*offsetSize) != 0 {
			used++
		}
	}

	return used
}

// TotalRecordCount returns the number of records physically present in
// the ring, dead records included.
func (r *Ring) TotalRecordCount() uint32 {
	return r.load(offTotalCount)
}

// LiveRecordCount returns the number of records reachable from the
// index.
func (r *Ring) LiveRecordCount() uint32 {
	return r.load(offLiveCount)
}
