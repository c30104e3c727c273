package rollhash

// NewHeap allocates a zeroed region of regionSize bytes from process
// memory and constructs a [Ring] over it. Heap rings have no
// durability; they serve tests and volatile caches. The region is
// released by the garbage collector with the Ring.
func NewHeap(regionSize, indexSize uint32) (*Ring, error) {
	return New(make([]byte, regionSize), indexSize)
}
