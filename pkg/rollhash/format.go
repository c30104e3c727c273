package rollhash

import "encoding/binary"

// Region layout:
//
//	offset 0                                             region_size
//	+-------------------------------------------------------------+
//	| header |  index[index_size] of uint32  |  records bytes     |
//	+-------------------------------------------------------------+
//
// All persisted integers are little-endian. Internal references are
// uint32 byte offsets from the region start; offset 0 lies inside the
// header and doubles as the null reference.

// Header field offsets (bytes from region start).
const (
	offState      = 0x00 // uint32: stateFrozen / stateActive
	offOffsetSize = 0x04 // uint32: width of internal offsets; integrity check
	offRegionSize = 0x08 // uint32: total region bytes; integrity check
	offIndexSize  = 0x0C // uint32: number of index buckets
	offTotalCount = 0x10 // uint32: records physically in the ring (live + dead)
	offLiveCount  = 0x14 // uint32: records reachable from the index
	offBegin      = 0x18 // uint32: offset of the oldest record
	offEnd        = 0x1C // uint32: one past the newest record
	offWrap       = 0x20 // uint32: one past the last record before a wrap, or 0

	headerSize = 0x24
)

// State cookies. A cleanly closed region persists stateFrozen; any open
// (or abandoned) region reads stateActive. Anything else is treated as
// uninitialized.
const (
	stateFrozen = 0xF0F0F0F0
	stateActive = 0xF0F0F0F1
)

// offsetSize is the width of every internal reference, persisted in the
// header for cross-checking on reopen.
const offsetSize = 4

// indexOffset is where the bucket array starts.
const indexOffset = headerSize

// Record layout, packed and unaligned:
//
//	next   uint32   chain link, or 0
//	flags  5 bytes  bit-packed, low to high:
//	                  dead (1 bit), key length (12 bits), value length (27 bits)
//	key    key length bytes
//	value  value length bytes
//	pad    0..3 bytes so the allocated size is a multiple of offsetSize
const (
	recNextOff    = 0
	recFlagsOff   = 4
	recHeaderSize = recFlagsOff + flagsSize

	flagsSize = 5

	flagDead = 1 << 0

	keyLenShift = 1
	keyLenBits  = 12

	valueLenShift = keyLenShift + keyLenBits
	valueLenBits  = 27
)

// Packed length-field maxima. Valid lengths are strictly less than
// these bounds.
const (
	MaxKeyLen   = 1<<keyLenBits - 1
	MaxValueLen = 1<<valueLenBits - 1
)

// allocatedSize returns the ring footprint of a record with the given
// key and value lengths: header + payload, rounded up to offset
// alignment.
func allocatedSize(keyLen, valueLen uint32) uint32 {
	return (recHeaderSize + keyLen + valueLen + offsetSize - 1) &^ (offsetSize - 1)
}

// packFlags packs the dead bit and lengths into the 40-bit flags field.
func packFlags(dead bool, keyLen, valueLen uint32) uint64 {
	v := uint64(keyLen)<<keyLenShift | uint64(valueLen)<<valueLenShift
	if dead {
		v |= flagDead
	}

	return v
}

// unpackFlags is the inverse of packFlags.
func unpackFlags(v uint64) (dead bool, keyLen, valueLen uint32) {
	dead = v&flagDead != 0
	keyLen = uint32(v>>keyLenShift) & MaxKeyLen
	valueLen = uint32(v>>valueLenShift) & MaxValueLen

	return dead, keyLen, valueLen
}

// putFlags40 writes the low 40 bits of v little-endian at buf[:5].
func putFlags40(buf []byte, v uint64) {
	_ = buf[flagsSize-1]
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	buf[4] = byte(v >> 32)
}

// flags40 reads a 40-bit little-endian field from buf[:5].
func flags40(buf []byte) uint64 {
	_ = buf[flagsSize-1]

	return uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 |
		uint64(buf[3])<<24 | uint64(buf[4])<<32
}

// load reads the uint32 at the given region offset.
func (r *Ring) load(off uint32) uint32 {
	return binary.LittleEndian.Uint32(r.region[off:])
}

// store writes the uint32 at the given region offset.
func (r *Ring) store(off, v uint32) {
	binary.LittleEndian.PutUint32(r.region[off:], v)
}
