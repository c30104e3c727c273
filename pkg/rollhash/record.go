package rollhash

// Record is a view of one record in the ring. It borrows the region's
// memory: Key and Value alias the region and are valid only until the
// next mutating operation. Copy them if they must outlive it.
//
// Records are yielded in ring (write) order by [Ring.Head]/[Ring.Step],
// live and dead alike; use [Record.IsDead] to tell them apart.
type Record struct {
	ring *Ring
	off  uint32
}

// Offset is the record's position within the region.
func (rec Record) Offset() uint32 {
	return rec.off
}

// IsDead reports whether the record has been logically removed. A dead
// record is never reachable from the index; its bytes remain in the
// ring until compaction reaches them.
func (rec Record) IsDead() bool {
	dead, _, _ := unpackFlags(rec.flags())

	return dead
}

// Key returns the record's key bytes, aliasing the region.
func (rec Record) Key() []byte {
	_, keyLen, _ := unpackFlags(rec.flags())
	start := rec.off + recHeaderSize

	return rec.ring.region[start : start+keyLen]
}

// Value returns the record's value bytes, aliasing the region.
func (rec Record) Value() []byte {
	_, keyLen, valueLen := unpackFlags(rec.flags())
	start := rec.off + recHeaderSize + keyLen

	return rec.ring.region[start : start+valueLen]
}

func (rec Record) flags() uint64 {
	return flags40(rec.ring.region[rec.off+recFlagsOff:])
}

// allocated is the record's ring footprint.
func (rec Record) allocated() uint32 {
	_, keyLen, valueLen := unpackFlags(rec.flags())

	return allocatedSize(keyLen, valueLen)
}

// next is the record's chain link, or 0.
func (rec Record) next() uint32 {
	return rec.ring.load(rec.off + recNextOff)
}

// setNext rewrites the record's chain link.
func (rec Record) setNext(off uint32) {
	rec.ring.store(rec.off+recNextOff, off)
}

// markDead sets the dead bit, leaving the lengths intact.
func (rec Record) markDead() {
	_, keyLen, valueLen := unpackFlags(rec.flags())
	putFlags40(rec.ring.region[rec.off+recFlagsOff:], packFlags(true, keyLen, valueLen))
}

// Prepared is a staged record laid down at the ring tail by
// [Ring.Prepare], awaiting [Ring.Commit]. Until committed it is not in
// any chain and does not advance the ring; a subsequent Prepare
// abandons it.
type Prepared struct {
	ring *Ring
	off  uint32
}

// Key returns the staged record's key bytes, aliasing the region.
func (p Prepared) Key() []byte {
	return Record{ring: p.ring, off: p.off}.Key()
}

// Value returns the staged record's value bytes for in-place writing.
// The slice aliases the mapped region, so a caller can stream a value
// of known length directly into it.
func (p Prepared) Value() []byte {
	return Record{ring: p.ring, off: p.off}.Value()
}
