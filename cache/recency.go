package cache

// recency orders every slot of the pool from most to least recently released.
// It is an index-addressed doubly linked list: prev/next hold slot numbers and
// position n (one past the last slot) is a sentinel, so head.next is the MRU
// slot and head.prev the LRU slot. All methods require the cache lock.
type recency struct {
	prev []int32
	next []int32
	head int32
}

// newRecency links slots 0..n-1 with slot 0 at the MRU end.
func newRecency(n int) *recency {
	r := &recency{
		prev: make([]int32, n+1),
		next: make([]int32, n+1),
		head: int32(n),
	}
	r.prev[r.head] = r.head
	r.next[r.head] = r.head
	for i := n - 1; i >= 0; i-- {
		r.pushFront(int32(i))
	}
	return r
}

// pushFront links i at the MRU end in O(1).
func (r *recency) pushFront(i int32) {
	first := r.next[r.head]
	r.prev[i] = r.head
	r.next[i] = first
	r.prev[first] = i
	r.next[r.head] = i
}

// unlink detaches i in O(1).
func (r *recency) unlink(i int32) {
	p, n := r.prev[i], r.next[i]
	r.next[p] = n
	r.prev[n] = p
	r.prev[i], r.next[i] = i, i
}

// moveToFront makes i the MRU slot in O(1).
func (r *recency) moveToFront(i int32) {
	if r.next[r.head] == i {
		return
	}
	r.unlink(i)
	r.pushFront(i)
}

// back returns the LRU slot, or -1 if the list is empty.
func (r *recency) back() int32 {
	if t := r.prev[r.head]; t != r.head {
		return t
	}
	return -1
}

// scanBack walks from the LRU end towards the MRU end and returns the first
// slot for which ok reports true, or -1.
func (r *recency) scanBack(ok func(i int32) bool) int32 {
	for i := r.prev[r.head]; i != r.head; i = r.prev[i] {
		if ok(i) {
			return i
		}
	}
	return -1
}

// order returns the slots from MRU to LRU. Used by tests and Stats dumps.
func (r *recency) order() []int32 {
	out := make([]int32, 0, len(r.next)-1)
	for i := r.next[r.head]; i != r.head; i = r.next[i] {
		out = append(out, i)
	}
	return out
}
