package cache

import "context"

// Cache is the block cache interface used by the filesystem layer.
// All methods are safe for concurrent use by multiple goroutines.
//
// Every successful Get or Read must be paired with exactly one Release.
// Protocol violations and pool exhaustion panic with *FatalError; device
// failures are returned as *IOError.
type Cache interface {
	// Get returns the buffer for (dev, block) with its content lock held,
	// without reading the device.
	Get(ctx context.Context, dev Dev, block uint64) (*Handle, error)

	// Read is Get followed by a device read if the buffer is not valid.
	Read(ctx context.Context, dev Dev, block uint64) (*Handle, error)

	// Write stores a held buffer's payload on the device.
	Write(ctx context.Context, h *Handle) error

	// Release gives up a handle's content lock and reference.
	Release(h *Handle)

	// Pin and Unpin add and remove a reference that protects a buffer from
	// reuse without holding its content lock.
	Pin(b *Buf)
	Unpin(b *Buf)

	// Invalidate forgets unreferenced buffers cached for dev.
	Invalidate(dev Dev) int

	// SetCacheSize records a requested size; capacity never changes.
	SetCacheSize(n int)

	// Stats returns counters and occupancy.
	Stats() Stats
}

// Compile-time check: ensure BufferCache implements Cache.
var _ Cache = (*BufferCache)(nil)
