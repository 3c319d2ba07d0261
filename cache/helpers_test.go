package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// memDisk is an in-memory Device that counts transfers and can be told to
// fail or to park reads on one device until released.
type memDisk struct {
	mu        sync.Mutex
	blocks    map[Key][]byte
	failRead  error
	failWrite error

	reads  atomic.Int64
	writes atomic.Int64

	// When gate is non-nil, reads on gateDev signal parked and wait on gate.
	gateDev Dev
	gate    chan struct{}
	parked  chan struct{}
}

func newMemDisk() *memDisk {
	return &memDisk{blocks: make(map[Key][]byte)}
}

func (d *memDisk) Transfer(ctx context.Context, io IO) error {
	k := Key{Dev: io.Dev, Block: io.Block}
	if io.Op == OpWrite {
		d.writes.Add(1)
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.failWrite != nil {
			return d.failWrite
		}
		d.blocks[k] = bytes.Clone(io.Data)
		return nil
	}

	d.reads.Add(1)
	d.mu.Lock()
	gate, parked := d.gate, d.parked
	d.mu.Unlock()
	if gate != nil && io.Dev == d.gateDev {
		parked <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failRead != nil {
		return d.failRead
	}
	if b, ok := d.blocks[k]; ok {
		copy(io.Data, b)
	} else {
		clear(io.Data)
	}
	return nil
}

func (d *memDisk) put(k Key, data []byte) {
	d.mu.Lock()
	d.blocks[k] = bytes.Clone(data)
	d.mu.Unlock()
}

func (d *memDisk) get(k Key) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.blocks[k])
}

func (d *memDisk) setFailRead(err error) {
	d.mu.Lock()
	d.failRead = err
	d.mu.Unlock()
}

func (d *memDisk) setFailWrite(err error) {
	d.mu.Lock()
	d.failWrite = err
	d.mu.Unlock()
}

// block makes reads on dev wait until the returned release func is called.
// parked receives one value per read that has started waiting.
func (d *memDisk) block(dev Dev) (parked <-chan struct{}, release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gateDev = dev
	d.gate = make(chan struct{})
	d.parked = make(chan struct{}, 64)
	g := d.gate
	return d.parked, func() { close(g) }
}

func newTestCache(t testing.TB, capacity, blockSize int) (*BufferCache, *memDisk) {
	t.Helper()
	d := newMemDisk()
	return New(Options{Capacity: capacity, BlockSize: blockSize, Device: d}), d
}

// fatalFrom runs fn and returns the *FatalError it panics with.
func fatalFrom(t *testing.T, fn func()) (fe *FatalError) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		var ok bool
		fe, ok = r.(*FatalError)
		require.Truef(t, ok, "panic value %T is not *FatalError: %v", r, r)
	}()
	fn()
	return nil
}

// checkInvariants verifies the bookkeeping shared by index, recency and
// reference counts. It takes the cache lock.
func checkInvariants(t testing.TB, c *BufferCache) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	inUse := 0
	held := make(map[Key]int32)
	for i, b := range c.bufs {
		if b.refcnt < 0 {
			t.Fatalf("slot %d: negative refcnt %d", i, b.refcnt)
		}
		if b.refcnt > 0 {
			inUse++
			if other, dup := held[b.key]; dup {
				t.Fatalf("slots %d and %d both referenced for %+v", other, i, b.key)
			}
			held[b.key] = int32(i)
			if j, ok := c.idx.lookup(b.key); !ok || j != int32(i) {
				t.Fatalf("referenced slot %d (%+v) not indexed (got %d, %v)", i, b.key, j, ok)
			}
		}
	}
	if inUse != c.inUse {
		t.Fatalf("inUse = %d, counted %d", c.inUse, inUse)
	}
	for k, i := range c.idx.m {
		if c.bufs[i].key != k {
			t.Fatalf("index %+v -> slot %d caching %+v", k, i, c.bufs[i].key)
		}
	}

	order := c.lru.order()
	if len(order) != len(c.bufs) {
		t.Fatalf("recency holds %d slots, want %d", len(order), len(c.bufs))
	}
	seen := make(map[int32]bool, len(order))
	for _, i := range order {
		if seen[i] {
			t.Fatalf("slot %d appears twice in recency list", i)
		}
		seen[i] = true
	}
}

var errDisk = errors.New("disk on fire")
