package protocol

// Allocator hands out stable block indices for one turn. Indices start at
// 0 and follow first-seen order.
type Allocator struct {
	indices map[BlockKey]int
	next    int
}

func NewAllocator() *Allocator {
	return &Allocator{indices: make(map[BlockKey]int)}
}

// Allocate returns key's index and whether it was assigned by this call.
func (a *Allocator) Allocate(key BlockKey) (int, bool) {
	if idx, ok := a.indices[key]; ok {
		return idx, false
	}
	idx := a.next
	a.indices[key] = idx
	a.next++
	return idx, true
}

// Lookup returns key's index without allocating.
func (a *Allocator) Lookup(key BlockKey) (int, bool) {
	idx, ok := a.indices[key]
	return idx, ok
}

func (a *Allocator) Len() int {
	return a.next
}

func (a *Allocator) Reset() {
	a.indices = make(map[BlockKey]int)
	a.next = 0
}
