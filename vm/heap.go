package vm

// objectHeaderSize is the accounted overhead of every heap object.
const objectHeaderSize = 16

// DefaultHeapSize is the heap budget used when none is configured.
const DefaultHeapSize = 4 << 20

// ---------------------------------------------------------------------------
// Heap: handle-indexed object arena with a byte budget
// ---------------------------------------------------------------------------

// Heap owns every managed object. Objects are addressed by Ref; a freed
// handle is reused by a later allocation. The heap is not synchronized:
// all access happens under the runtime lock.
type Heap struct {
	objects  []*Object
	sizes    []uint64
	free     []Ref
	capacity uint64
	used     uint64
	live     int
	nextID   uint32
}

// NewHeap creates a heap with the given byte budget.
func NewHeap(capacity uint64) *Heap {
	if capacity == 0 {
		capacity = DefaultHeapSize
	}
	return &Heap{
		// Slot 0 is never used so the zero Ref stays null.
		objects:  make([]*Object, 1, 64),
		sizes:    make([]uint64, 1, 64),
		capacity: capacity,
		nextID:   1,
	}
}

// Capacity is the byte budget.
func (h *Heap) Capacity() uint64 { return h.capacity }

// Used is the number of accounted bytes in live objects.
func (h *Heap) Used() uint64 { return h.used }

// Len is the number of live objects.
func (h *Heap) Len() int { return h.live }

// Fits reports whether size more bytes can be allocated.
func (h *Heap) Fits(size uint64) bool {
	return h.used+size <= h.capacity
}

// Malloc accounts size bytes. It fails without side effects when the budget
// would be exceeded.
func (h *Heap) Malloc(size uint64) bool {
	if !h.Fits(size) {
		return false
	}
	h.used += size
	return true
}

// Free returns size bytes to the budget.
func (h *Heap) Free(size uint64) {
	if size > h.used {
		panic(internalErrorf("heap free of %d bytes with %d in use", size, h.used))
	}
	h.used -= size
}

// insert stores an already accounted object and returns its handle.
func (h *Heap) insert(o *Object, size uint64) Ref {
	o.ID = h.nextID
	h.nextID++
	h.live++
	if n := len(h.free); n > 0 {
		r := h.free[n-1]
		h.free = h.free[:n-1]
		h.objects[r] = o
		h.sizes[r] = size
		return r
	}
	h.objects = append(h.objects, o)
	h.sizes = append(h.sizes, size)
	return Ref(len(h.objects) - 1)
}

// release frees the object behind r.
func (h *Heap) release(r Ref) uint64 {
	size := h.sizes[r]
	h.objects[r] = nil
	h.sizes[r] = 0
	h.free = append(h.free, r)
	h.live--
	h.Free(size)
	return size
}

// Get returns the object behind r, or nil for null and stale handles.
func (h *Heap) Get(r Ref) *Object {
	if r == Null || int(r) >= len(h.objects) {
		return nil
	}
	return h.objects[r]
}

// Each calls fn for every live object in handle order.
func (h *Heap) Each(fn func(Ref, *Object)) {
	for i := 1; i < len(h.objects); i++ {
		if o := h.objects[i]; o != nil {
			fn(Ref(i), o)
		}
	}
}
