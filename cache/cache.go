package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/blockcache/internal/util"
)

// BufferCache is a fixed pool of block buffers shared by concurrent callers.
// All methods are safe for concurrent use by multiple goroutines.
//
// Two locks cooperate: mu (the cache lock) guards the index, the recency
// list and every reference count, and is never held across I/O or while
// waiting for a content lock; each Buf's content lock guards its payload and
// may be held for as long as a device transfer takes. mu is always released
// before a content lock is requested.
type BufferCache struct {
	// ---- guarded by mu ----
	mu        sync.Mutex
	bufs      []*Buf
	idx       *index
	lru       *recency
	inUse     int // buffers with refcnt > 0
	requested int // last SetCacheSize value; informational only

	opt     Options
	tickets atomic.Uint64

	// ---- counters (separate cache lines to avoid false sharing) ----
	_         util.CacheLinePad
	hits      util.PaddedAtomicUint64
	misses    util.PaddedAtomicUint64
	evictions util.PaddedAtomicUint64
	reads     util.PaddedAtomicUint64
	writes    util.PaddedAtomicUint64
	ioErrors  util.PaddedAtomicUint64
}

// Stats is a point-in-time summary of cache activity.
type Stats struct {
	Hits, Misses, Evictions uint64
	Reads, Writes, IOErrors uint64

	InUse     int
	Indexed   int
	Capacity  int
	BlockSize int
	// RequestedSize is the last value passed to SetCacheSize (0 if never
	// called). It does not affect Capacity.
	RequestedSize int
}

// New allocates the pool and returns a ready cache. Every buffer starts
// unreferenced and invalid, the index is empty, and the recency list holds
// all slots. See Options for defaults; New panics on invalid options.
func New(opt Options) *BufferCache {
	opt = opt.withDefaults()

	n := opt.Capacity
	arena := make([]byte, n*opt.BlockSize) // one allocation for all payloads
	bufs := make([]*Buf, n)
	for i := range bufs {
		off := i * opt.BlockSize
		bufs[i] = &Buf{
			slot: int32(i),
			lock: newContentLock(),
			data: arena[off : off+opt.BlockSize : off+opt.BlockSize],
		}
	}

	c := &BufferCache{
		bufs: bufs,
		idx:  newIndex(n),
		lru:  newRecency(n),
		opt:  opt,
	}
	opt.Logger.Debug("buffer cache initialized", "capacity", n, "block_size", opt.BlockSize)
	return c
}

// Get returns the buffer for (dev, block) with its content lock held and its
// reference count raised, without reading the device. The payload is only
// meaningful if Valid reports true; callers that overwrite the whole block
// can skip the read this way.
//
// If every buffer is referenced, Get panics with a *FatalError of kind
// ErrResourceExhausted. If ctx ends while waiting for the content lock, the
// reference is dropped and ctx.Err() is returned.
func (c *BufferCache) Get(ctx context.Context, dev Dev, block uint64) (*Handle, error) {
	k := Key{Dev: dev, Block: block}
	b := c.acquire(k)

	// The cache lock is released; blocking here stalls nobody else.
	h := &Handle{b: b, key: k, ticket: c.tickets.Add(1)}
	if err := b.lock.lock(ctx, h.ticket); err != nil {
		c.mu.Lock()
		c.unrefLocked(b)
		c.mu.Unlock()
		return nil, err
	}
	return h, nil
}

// Read returns the buffer for (dev, block) holding the block's contents,
// reading the device only if the buffer is not already valid. The caller
// owns the content lock and must call Release exactly once.
//
// On a device failure the buffer stays invalid, the acquisition is released,
// and an *IOError is returned.
func (c *BufferCache) Read(ctx context.Context, dev Dev, block uint64) (*Handle, error) {
	h, err := c.Get(ctx, dev, block)
	if err != nil {
		return nil, err
	}
	if !h.b.valid {
		if err := c.transfer(ctx, h, OpRead); err != nil {
			c.Release(h)
			return nil, err
		}
		h.b.valid = true
	}
	return h, nil
}

// Write stores the buffer's payload on the device. h must hold the content
// lock (otherwise Write panics with ErrProtocolViolation). Reference count,
// recency and the content lock are left untouched.
//
// A failed write returns an *IOError and leaves the in-memory state as is so
// the caller can decide whether to retry.
func (c *BufferCache) Write(ctx context.Context, h *Handle) error {
	if !h.Holding() {
		c.violation("write", h, "content lock not held")
	}
	if err := c.transfer(ctx, h, OpWrite); err != nil {
		return err
	}
	h.b.valid = true
	return nil
}

// Release gives up h's content lock and its reference. When the last
// reference goes away the buffer becomes the most recently used, i.e. the
// last candidate for reuse. Releasing a handle that does not hold the
// content lock panics with ErrProtocolViolation.
func (c *BufferCache) Release(h *Handle) {
	if !h.Holding() || !h.b.lock.unlock(h.ticket) {
		c.violation("release", h, "content lock not held")
	}

	c.mu.Lock()
	c.unrefLocked(h.b)
	c.mu.Unlock()
}

// Pin takes an extra reference on b so it cannot be reused, without
// touching the content lock. Typically called while holding a Handle whose
// block must stay cached across later operations.
func (c *BufferCache) Pin(b *Buf) {
	c.mu.Lock()
	if !c.owns(b) {
		c.mu.Unlock()
		c.fatal(ErrProtocolViolation, "pin", Key{}, "buffer does not belong to this cache")
	}
	c.refLocked(b)
	c.mu.Unlock()
}

// Unpin drops a reference taken by Pin. Unpinning a buffer whose reference
// count is already zero panics with ErrProtocolViolation.
func (c *BufferCache) Unpin(b *Buf) {
	c.mu.Lock()
	if !c.owns(b) {
		c.mu.Unlock()
		c.fatal(ErrProtocolViolation, "unpin", Key{}, "buffer does not belong to this cache")
	}
	if b.refcnt <= 0 {
		k := b.key
		c.mu.Unlock()
		c.fatal(ErrProtocolViolation, "unpin", k, "reference count already zero")
	}
	c.unrefLocked(b)
	c.mu.Unlock()
}

// Invalidate forgets every unreferenced buffer cached for dev so that the
// next access re-reads the device. Referenced buffers are left alone.
// It returns the number of index entries dropped.
func (c *BufferCache) Invalidate(dev Dev) int {
	c.mu.Lock()
	n := 0
	for i, b := range c.bufs {
		if b.refcnt == 0 && b.key.Dev == dev && c.idx.drop(b.key, int32(i)) {
			n++
		}
	}
	c.mu.Unlock()

	c.opt.Logger.Debug("device invalidated", "dev", dev, "dropped", n)
	return n
}

// SetCacheSize records a requested cache size. The pool is allocated once
// in New and is never resized: the value is only reported by Stats.
func (c *BufferCache) SetCacheSize(n int) {
	c.mu.Lock()
	c.requested = n
	capacity := len(c.bufs)
	c.mu.Unlock()

	if n != capacity {
		c.opt.Logger.Warn("cache size recorded but pool capacity is fixed",
			"requested", n,
			"capacity", capacity,
		)
	}
}

// Stats returns current counters and occupancy.
func (c *BufferCache) Stats() Stats {
	c.mu.Lock()
	inUse, indexed, requested := c.inUse, c.idx.len(), c.requested
	c.mu.Unlock()

	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Reads:         c.reads.Load(),
		Writes:        c.writes.Load(),
		IOErrors:      c.ioErrors.Load(),
		InUse:         inUse,
		Indexed:       indexed,
		Capacity:      len(c.bufs),
		BlockSize:     c.opt.BlockSize,
		RequestedSize: requested,
	}
}

// Capacity returns the fixed number of buffers.
func (c *BufferCache) Capacity() int { return len(c.bufs) }

// BlockSize returns the payload size of every buffer.
func (c *BufferCache) BlockSize() int { return c.opt.BlockSize }

// -------------------- internals --------------------

// acquire finds or allocates the buffer for k and takes a reference on it.
// It runs entirely under the cache lock and never blocks on a content lock.
func (c *BufferCache) acquire(k Key) *Buf {
	c.mu.Lock()

	if i, ok := c.idx.lookup(k); ok {
		b := c.bufs[i]
		c.refLocked(b)
		c.opt.Metrics.Hit()
		c.mu.Unlock()
		c.hits.Add(1)
		return b
	}
	c.opt.Metrics.Miss()

	// Not cached: recycle the least recently used unreferenced buffer.
	i := c.lru.scanBack(func(i int32) bool { return c.bufs[i].refcnt == 0 })
	if i < 0 {
		c.mu.Unlock()
		c.misses.Add(1)
		c.fatal(ErrResourceExhausted, "get", k, "all buffers in use")
	}

	b := c.bufs[i]
	old := b.key
	evicted := c.idx.rekey(i, old, k)
	b.key = k
	b.valid = false
	c.refLocked(b)
	if evicted {
		c.opt.Metrics.Evict()
	}
	c.mu.Unlock()

	c.misses.Add(1)
	if evicted {
		c.evictions.Add(1)
		c.opt.Logger.Debug("buffer reused",
			"slot", i,
			"old_dev", old.Dev, "old_block", old.Block,
			"dev", k.Dev, "block", k.Block,
		)
	}
	return b
}

// refLocked increments b's reference count. Requires mu.
func (c *BufferCache) refLocked(b *Buf) {
	if b.refcnt == 0 {
		c.inUse++
		c.opt.Metrics.InUse(c.inUse)
	}
	b.refcnt++
}

// unrefLocked decrements b's reference count and, when it reaches zero,
// moves b to the MRU end of the recency list. Requires mu.
func (c *BufferCache) unrefLocked(b *Buf) {
	b.refcnt--
	if b.refcnt == 0 {
		c.lru.moveToFront(b.slot)
		c.inUse--
		c.opt.Metrics.InUse(c.inUse)
	}
}

func (c *BufferCache) owns(b *Buf) bool {
	return b != nil && int(b.slot) < len(c.bufs) && c.bufs[b.slot] == b
}

// transfer runs one device round trip for the buffer held by h.
func (c *BufferCache) transfer(ctx context.Context, h *Handle, op Op) error {
	start := time.Now()
	err := c.opt.Device.Transfer(ctx, IO{Op: op, Dev: h.key.Dev, Block: h.key.Block, Data: h.b.data})
	c.opt.Metrics.Transfer(op, time.Since(start), err)

	if op == OpWrite {
		c.writes.Add(1)
	} else {
		c.reads.Add(1)
	}
	if err != nil {
		c.ioErrors.Add(1)
		c.opt.Logger.Error("device transfer failed",
			"op", op.String(),
			"dev", h.key.Dev,
			"block", h.key.Block,
			"error", err,
		)
		return &IOError{Op: op, Key: h.key, Err: err}
	}
	return nil
}

func (c *BufferCache) violation(op string, h *Handle, cause string) {
	var k Key
	if h != nil {
		k = h.key
	}
	c.fatal(ErrProtocolViolation, op, k, cause)
}

// fatal logs and panics with a *FatalError. It must be called without mu.
func (c *BufferCache) fatal(kind error, op string, k Key, cause string) {
	fe := &FatalError{Kind: kind, Op: op, Key: k, Cause: cause}
	c.opt.Logger.Error("fatal buffer cache error",
		"op", op,
		"dev", k.Dev,
		"block", k.Block,
		"error", fe,
	)
	panic(fe)
}
