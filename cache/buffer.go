package cache

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Buf is one fixed-size slot of the pool. Its identity is stable for the life
// of the cache; the block it caches changes whenever the slot is reused.
//
// Field ownership:
//   - key, refcnt and the slot's recency position: guarded by the cache lock.
//   - valid, data: guarded by lock (the content lock). valid is also cleared
//     under the cache lock when an unreferenced slot is reassigned, which is
//     safe because nobody can hold the content lock of such a slot.
type Buf struct {
	slot int32

	key    Key
	refcnt int32

	lock  contentLock
	valid bool
	data  []byte
}

// Slot returns the buffer's fixed position in the pool.
func (b *Buf) Slot() int { return int(b.slot) }

// Handle is one acquisition of a Buf, returned by Get and Read. It owns the
// buffer's content lock until passed to Release. A Handle is not safe for
// use by more than one goroutine at a time.
type Handle struct {
	b      *Buf
	key    Key
	ticket uint64
}

// Buf returns the underlying slot, e.g. for Pin/Unpin.
func (h *Handle) Buf() *Buf { return h.b }

// Dev returns the device of the acquired block.
func (h *Handle) Dev() Dev { return h.key.Dev }

// Block returns the block number of the acquired block.
func (h *Handle) Block() uint64 { return h.key.Block }

// Key returns the (device, block) pair of the acquired block.
func (h *Handle) Key() Key { return h.key }

// Valid reports whether the payload reflects the device contents.
// Panics with ErrProtocolViolation if h no longer holds the content lock.
func (h *Handle) Valid() bool {
	h.mustHold("valid")
	return h.b.valid
}

// Data returns the mutable payload. The slice must not be used after Release.
// Panics with ErrProtocolViolation if h no longer holds the content lock.
func (h *Handle) Data() []byte {
	h.mustHold("data")
	return h.b.data
}

// Holding reports whether h currently owns the content lock.
func (h *Handle) Holding() bool { return h != nil && h.b != nil && h.b.lock.holding(h.ticket) }

func (h *Handle) mustHold(op string) {
	if !h.Holding() {
		var k Key
		if h != nil {
			k = h.key
		}
		panic(&FatalError{Kind: ErrProtocolViolation, Op: op, Key: k, Cause: "content lock not held"})
	}
}

// contentLock is a blocking lock that may be held across device I/O. Each
// acquisition is stamped with a ticket so the holder can be identified;
// goroutines have no identity of their own.
type contentLock struct {
	sem   *semaphore.Weighted
	owner atomic.Uint64 // ticket of the holder; 0 when free
}

func newContentLock() contentLock {
	return contentLock{sem: semaphore.NewWeighted(1)}
}

// lock blocks until the lock is free or ctx is done.
func (l *contentLock) lock(ctx context.Context, ticket uint64) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.owner.Store(ticket)
	return nil
}

func (l *contentLock) holding(ticket uint64) bool {
	return ticket != 0 && l.owner.Load() == ticket
}

// unlock releases the lock if ticket is the holder and reports whether it did.
func (l *contentLock) unlock(ticket uint64) bool {
	if ticket == 0 || !l.owner.CompareAndSwap(ticket, 0) {
		return false
	}
	l.sem.Release(1)
	return true
}
