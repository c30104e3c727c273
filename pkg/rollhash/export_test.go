package rollhash

// Test-only views of internal state and layout.

// RingOffsets returns the raw begin/end/wrap header fields.
func (r *Ring) RingOffsets() (begin, end, wrap uint32) {
	return r.begin(), r.end(), r.wrap()
}

// RecordsOffset returns the offset where the records area starts.
func (r *Ring) RecordsOffset() uint32 {
	return r.recordsOff
}

// AllocatedSize exposes the record footprint arithmetic.
func AllocatedSize(keyLen, valueLen uint32) uint32 {
	return allocatedSize(keyLen, valueLen)
}

// Layout constants for tests that craft or inspect raw regions.
const (
	HeaderSize    = headerSize
	OffsetSize    = offsetSize
	StateOff      = offState
	OffsetSizeOff = offOffsetSize
	BeginOff      = offBegin
	StateFrozen   = stateFrozen
	StateActive   = stateActive
)
