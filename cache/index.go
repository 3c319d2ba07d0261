package cache

// index is the Buffer Index: the slot currently caching each key. An entry may
// outlive its holders (refcnt == 0); it is dropped only when the slot is
// reassigned or the device is invalidated. All methods require the cache lock.
type index struct {
	m map[Key]int32
}

func newIndex(capacity int) *index {
	return &index{m: make(map[Key]int32, capacity)}
}

func (x *index) lookup(k Key) (int32, bool) {
	i, ok := x.m[k]
	return i, ok
}

// rekey moves slot i from key from to key to. The old entry is removed only
// if it still names i, so a slot that was never assigned (or whose entry was
// invalidated) cannot knock out another slot's mapping. It reports whether
// an old entry was removed, i.e. whether a cached block was evicted.
func (x *index) rekey(i int32, from, to Key) (evicted bool) {
	evicted = x.drop(from, i)
	x.m[to] = i
	return evicted
}

// drop removes k if it names slot i and reports whether it did.
func (x *index) drop(k Key, i int32) bool {
	if cur, ok := x.m[k]; ok && cur == i {
		delete(x.m, k)
		return true
	}
	return false
}

func (x *index) len() int { return len(x.m) }
