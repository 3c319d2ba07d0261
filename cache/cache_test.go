package cache

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A second Read of the same block is served from memory.
func TestCache_ReadCachesBlock(t *testing.T) {
	t.Parallel()

	c, d := newTestCache(t, 4, 64)
	ctx := context.Background()
	d.put(Key{1, 7}, bytes.Repeat([]byte{0xab}, 64))

	h, err := c.Read(ctx, 1, 7)
	require.NoError(t, err)
	require.True(t, h.Valid())
	assert.Equal(t, bytes.Repeat([]byte{0xab}, 64), h.Data())
	c.Release(h)

	h, err = c.Read(ctx, 1, 7)
	require.NoError(t, err)
	assert.True(t, h.Valid())
	assert.Equal(t, byte(0xab), h.Data()[63])
	c.Release(h)

	assert.Equal(t, int64(1), d.reads.Load(), "device must be read once")
	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Zero(t, st.InUse)
	checkInvariants(t, c)
}

// Get hands out the buffer without touching the device.
func TestCache_GetDoesNotRead(t *testing.T) {
	t.Parallel()

	c, d := newTestCache(t, 2, 32)
	h, err := c.Get(context.Background(), 3, 1)
	require.NoError(t, err)
	assert.False(t, h.Valid())
	assert.Equal(t, Dev(3), h.Dev())
	assert.Equal(t, uint64(1), h.Block())
	assert.Len(t, h.Data(), 32)
	c.Release(h)

	assert.Zero(t, d.reads.Load())
}

// Buffers are reused in the order they were released: the one released
// first goes first.
func TestCache_LRUOrder(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 10, 64)
	ctx := context.Background()

	blocks := make([]*Handle, 10)
	for i := range blocks {
		h, err := c.Read(ctx, 0, uint64(i))
		require.NoError(t, err)
		blocks[i] = h
	}
	for _, h := range blocks {
		c.Release(h)
	}

	for i := 0; i < 10; i++ {
		h, err := c.Read(ctx, 0, uint64(i+10))
		require.NoError(t, err)
		assert.Samef(t, blocks[i].Buf(), h.Buf(), "fetch %d reused the wrong buffer", i)
		c.Release(h)
	}
	assert.Equal(t, uint64(10), c.Stats().Evictions)
	checkInvariants(t, c)
}

// Two slots, A then B released: a third block evicts A and B stays cached.
func TestCache_EvictsLeastRecentlyReleased(t *testing.T) {
	t.Parallel()

	c, d := newTestCache(t, 2, 16)
	ctx := context.Background()

	a, err := c.Read(ctx, 1, 1)
	require.NoError(t, err)
	b, err := c.Read(ctx, 1, 2)
	require.NoError(t, err)
	bufA, bufB := a.Buf(), b.Buf()
	c.Release(a)
	c.Release(b)

	h, err := c.Read(ctx, 1, 3)
	require.NoError(t, err)
	assert.Same(t, bufA, h.Buf(), "blk3 must take A's buffer")
	c.Release(h)

	reads := d.reads.Load()
	h, err = c.Read(ctx, 1, 2)
	require.NoError(t, err)
	assert.Same(t, bufB, h.Buf())
	assert.True(t, h.Valid())
	assert.Equal(t, reads, d.reads.Load(), "blk2 must still be cached")
	c.Release(h)

	// blk1 was evicted and has to come from the device again.
	h, err = c.Read(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, reads+1, d.reads.Load())
	c.Release(h)
	checkInvariants(t, c)
}

// A hit does not reorder: only the release does.
func TestCache_ReleaseMovesToMRU(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 3, 16)
	ctx := context.Background()

	var bufs []*Buf
	for i := uint64(0); i < 3; i++ {
		h, err := c.Read(ctx, 0, i)
		require.NoError(t, err)
		bufs = append(bufs, h.Buf())
		c.Release(h)
	}
	// Touch block 0 again: it becomes the most recently released.
	h, err := c.Read(ctx, 0, 0)
	require.NoError(t, err)
	c.Release(h)

	h, err = c.Read(ctx, 0, 100)
	require.NoError(t, err)
	assert.Same(t, bufs[1], h.Buf())
	c.Release(h)
}

func TestCache_ExhaustionPanics(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 2, 16)
	ctx := context.Background()

	a, err := c.Read(ctx, 1, 1)
	require.NoError(t, err)
	b, err := c.Read(ctx, 1, 2)
	require.NoError(t, err)

	fe := fatalFrom(t, func() { _, _ = c.Read(ctx, 1, 3) })
	assert.ErrorIs(t, fe, ErrResourceExhausted)
	assert.Equal(t, Key{1, 3}, fe.Key)

	// Nothing was corrupted: both holders are intact.
	assert.True(t, a.Holding())
	assert.True(t, b.Holding())
	c.Release(a)
	c.Release(b)
	checkInvariants(t, c)
}

// A cached block can still be looked up when every buffer is in use.
func TestCache_HitWhenFull(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 1, 16)
	ctx := context.Background()

	h, err := c.Read(ctx, 1, 1)
	require.NoError(t, err)
	c.Pin(h.Buf())
	c.Release(h)

	h, err = c.Read(ctx, 1, 1)
	require.NoError(t, err)
	c.Release(h)
	c.Unpin(h.Buf())
}

func TestCache_WriteWithoutLockPanics(t *testing.T) {
	t.Parallel()

	c, d := newTestCache(t, 2, 16)
	ctx := context.Background()

	h, err := c.Read(ctx, 1, 1)
	require.NoError(t, err)
	c.Release(h)

	fe := fatalFrom(t, func() { _ = c.Write(ctx, h) })
	assert.ErrorIs(t, fe, ErrProtocolViolation)

	fe = fatalFrom(t, func() { _ = c.Write(ctx, &Handle{}) })
	assert.ErrorIs(t, fe, ErrProtocolViolation)

	fe = fatalFrom(t, func() { _ = c.Write(ctx, nil) })
	assert.ErrorIs(t, fe, ErrProtocolViolation)

	assert.Zero(t, d.writes.Load(), "no write may reach the device")
}

// A handle from an earlier acquisition cannot act for the current holder.
func TestCache_StaleHandleIsNotHolder(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 2, 16)
	ctx := context.Background()

	old, err := c.Read(ctx, 1, 1)
	require.NoError(t, err)
	c.Release(old)

	cur, err := c.Read(ctx, 1, 1)
	require.NoError(t, err)
	require.Same(t, old.Buf(), cur.Buf())

	assert.False(t, old.Holding())
	fe := fatalFrom(t, func() { c.Release(old) })
	assert.ErrorIs(t, fe, ErrProtocolViolation)
	fe = fatalFrom(t, func() { _ = old.Data() })
	assert.ErrorIs(t, fe, ErrProtocolViolation)

	assert.True(t, cur.Holding())
	c.Release(cur)
	checkInvariants(t, c)
}

func TestCache_DoubleReleasePanics(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 2, 16)
	h, err := c.Read(context.Background(), 1, 1)
	require.NoError(t, err)
	c.Release(h)

	fe := fatalFrom(t, func() { c.Release(h) })
	assert.ErrorIs(t, fe, ErrProtocolViolation)
	assert.Equal(t, "release", fe.Op)
	checkInvariants(t, c)
}

func TestCache_UnpinAtZeroPanics(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 2, 16)
	h, err := c.Read(context.Background(), 1, 1)
	require.NoError(t, err)
	c.Release(h)

	fe := fatalFrom(t, func() { c.Unpin(h.Buf()) })
	assert.ErrorIs(t, fe, ErrProtocolViolation)
	assert.Equal(t, Key{1, 1}, fe.Key)
}

func TestCache_PinForeignBufferPanics(t *testing.T) {
	t.Parallel()

	c1, _ := newTestCache(t, 2, 16)
	c2, _ := newTestCache(t, 2, 16)
	h, err := c1.Read(context.Background(), 1, 1)
	require.NoError(t, err)
	defer c1.Release(h)

	fe := fatalFrom(t, func() { c2.Pin(h.Buf()) })
	assert.ErrorIs(t, fe, ErrProtocolViolation)
	fe = fatalFrom(t, func() { c2.Unpin(nil) })
	assert.ErrorIs(t, fe, ErrProtocolViolation)
}

// A pinned buffer survives any amount of churn on other keys and becomes
// reusable again only after Unpin.
func TestCache_PinProtectsFromReuse(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 2, 16)
	ctx := context.Background()

	h, err := c.Read(ctx, 1, 1)
	require.NoError(t, err)
	pinned := h.Buf()
	c.Pin(pinned)
	c.Release(h)

	for i := uint64(10); i < 30; i++ {
		h, err := c.Read(ctx, 1, i)
		require.NoError(t, err)
		assert.NotSame(t, pinned, h.Buf(), "pinned buffer reused for block %d", i)
		c.Release(h)
	}

	// Hold the only other buffer: without the pin released there is nothing
	// left to reuse.
	other, err := c.Read(ctx, 1, 99)
	require.NoError(t, err)
	fe := fatalFrom(t, func() { _, _ = c.Read(ctx, 1, 100) })
	assert.ErrorIs(t, fe, ErrResourceExhausted)

	c.Unpin(pinned)
	h, err = c.Read(ctx, 1, 100)
	require.NoError(t, err)
	assert.Same(t, pinned, h.Buf())
	c.Release(h)
	c.Release(other)
	checkInvariants(t, c)
}

// A failed read leaves the buffer invalid and unreferenced; the next read
// retries the device.
func TestCache_ReadErrorLeavesInvalid(t *testing.T) {
	t.Parallel()

	c, d := newTestCache(t, 2, 16)
	ctx := context.Background()
	d.put(Key{2, 5}, bytes.Repeat([]byte{7}, 16))
	d.setFailRead(errDisk)

	h, err := c.Read(ctx, 2, 5)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, errDisk)
	var ioe *IOError
	require.True(t, errors.As(err, &ioe))
	assert.Equal(t, OpRead, ioe.Op)
	assert.Equal(t, Key{2, 5}, ioe.Key)
	assert.Zero(t, c.Stats().InUse)

	d.setFailRead(nil)
	h, err = c.Read(ctx, 2, 5)
	require.NoError(t, err)
	assert.True(t, h.Valid())
	assert.Equal(t, byte(7), h.Data()[0])
	c.Release(h)

	assert.Equal(t, int64(2), d.reads.Load())
	assert.Equal(t, uint64(1), c.Stats().IOErrors)
	checkInvariants(t, c)
}

// A failed write keeps the buffer held and its payload untouched.
func TestCache_WriteErrorKeepsState(t *testing.T) {
	t.Parallel()

	c, d := newTestCache(t, 2, 16)
	ctx := context.Background()

	h, err := c.Read(ctx, 1, 1)
	require.NoError(t, err)
	copy(h.Data(), "hello")

	d.setFailWrite(errDisk)
	err = c.Write(ctx, h)
	require.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, errDisk)
	assert.True(t, h.Holding())
	assert.Equal(t, "hello", string(h.Data()[:5]))

	d.setFailWrite(nil)
	require.NoError(t, c.Write(ctx, h))
	c.Release(h)
	assert.Equal(t, "hello", string(d.get(Key{1, 1})[:5]))
}

// Written data reaches the device and survives invalidation.
func TestCache_WriteThrough(t *testing.T) {
	t.Parallel()

	c, d := newTestCache(t, 4, 16)
	ctx := context.Background()

	h, err := c.Get(ctx, 1, 9)
	require.NoError(t, err)
	copy(h.Data(), "0123456789abcdef")
	require.NoError(t, c.Write(ctx, h))
	assert.True(t, h.Valid(), "a written buffer mirrors the device")
	c.Release(h)

	assert.Equal(t, 1, c.Invalidate(1))
	h, err = c.Read(ctx, 1, 9)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", string(h.Data()))
	c.Release(h)
	assert.Equal(t, int64(1), d.reads.Load())
}

func TestCache_InvalidateSkipsReferenced(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 4, 16)
	ctx := context.Background()

	held, err := c.Read(ctx, 1, 1)
	require.NoError(t, err)
	h, err := c.Read(ctx, 1, 2)
	require.NoError(t, err)
	c.Release(h)
	h, err = c.Read(ctx, 2, 1)
	require.NoError(t, err)
	c.Release(h)

	assert.Equal(t, 1, c.Invalidate(1), "only the unreferenced dev 1 block is dropped")
	assert.Equal(t, 2, c.Stats().Indexed)
	c.Release(held)
	checkInvariants(t, c)
}

// Cancelling a wait for the content lock gives the reference back.
func TestCache_GetHonorsContext(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 2, 16)
	h, err := c.Read(context.Background(), 1, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	h2, err := c.Read(ctx, 1, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, h2)
	checkInvariants(t, c)

	c.mu.Lock()
	assert.Equal(t, int32(1), h.Buf().refcnt)
	c.mu.Unlock()

	c.Release(h)
	assert.Zero(t, c.Stats().InUse)
}

// SetCacheSize only records the request.
func TestCache_SetCacheSizeIsRecordOnly(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 2, 16)
	c.SetCacheSize(128)

	st := c.Stats()
	assert.Equal(t, 128, st.RequestedSize)
	assert.Equal(t, 2, st.Capacity)
	assert.Equal(t, 2, c.Capacity())

	a, err := c.Get(context.Background(), 1, 1)
	require.NoError(t, err)
	b, err := c.Get(context.Background(), 1, 2)
	require.NoError(t, err)
	fe := fatalFrom(t, func() { _, _ = c.Get(context.Background(), 1, 3) })
	assert.ErrorIs(t, fe, ErrResourceExhausted)
	c.Release(a)
	c.Release(b)
}

func TestCache_NewDefaultsAndValidation(t *testing.T) {
	t.Parallel()

	c := New(Options{Device: newMemDisk()})
	assert.Equal(t, DefaultCapacity, c.Capacity())
	assert.Equal(t, DefaultBlockSize, c.BlockSize())

	assert.Panics(t, func() { New(Options{}) }, "nil Device")
	assert.Panics(t, func() { New(Options{Device: newMemDisk(), Capacity: -1}) })
	assert.Panics(t, func() { New(Options{Device: newMemDisk(), BlockSize: -1}) })
}

// Payloads of different slots never overlap.
func TestCache_PayloadsAreDisjoint(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 3, 8)
	ctx := context.Background()

	var hs []*Handle
	for i := uint64(0); i < 3; i++ {
		h, err := c.Get(ctx, 0, i)
		require.NoError(t, err)
		for j := range h.Data() {
			h.Data()[j] = byte(i + 1)
		}
		hs = append(hs, h)
	}
	for i, h := range hs {
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, 8), h.Data())
		assert.Equal(t, 8, cap(h.Data()))
		c.Release(h)
	}
}

func TestFatalError_Format(t *testing.T) {
	t.Parallel()

	fe := &FatalError{Kind: ErrProtocolViolation, Op: "write", Key: Key{2, 3}, Cause: "content lock not held"}
	assert.Contains(t, fe.Error(), "dev=2 block=3")
	assert.True(t, errors.Is(fe, ErrProtocolViolation))
	assert.False(t, errors.Is(fe, ErrResourceExhausted))
}
