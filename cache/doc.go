// Package cache implements a fixed-capacity buffer cache for fixed-size
// device blocks, shared by many goroutines.
//
// The cache has two jobs: avoid device reads by reusing block contents that
// were fetched before, and serialize access so that every caller working on
// the same block sees a single copy of it.
//
// Design
//
//   - Pool: Capacity buffers of BlockSize bytes are allocated once by New.
//     The pool never grows; when every buffer is referenced a request for an
//     uncached block panics with ErrResourceExhausted instead of waiting.
//
//   - Index: a map from (device, block) to slot. An entry survives the last
//     Release so a later lookup is a hit; it is replaced when the slot is
//     reused for another block.
//
//   - Recency: every slot sits in an index-linked list ordered by the time of
//     its last release (MRU at the head). Reuse scans from the LRU end for the
//     first buffer with no references.
//
//   - Locking: the cache lock guards index, recency and reference counts, and
//     is held only for short, I/O-free sections. Each buffer has a content
//     lock that may be held across device transfers. The cache lock is always
//     released before a content lock is requested, so a slow disk read blocks
//     only callers of that block.
//
//   - Pinning: Pin adds a reference without the content lock, keeping a
//     buffer out of reuse until Unpin.
//
//   - Errors: pool exhaustion and protocol violations (Write or Release
//     without the content lock, Unpin at zero) panic with *FatalError.
//     Device failures come back as *IOError and never mark a buffer valid.
//
// Basic usage
//
//	c := cache.New(cache.Options{BlockSize: 1024, Capacity: 64, Device: dev})
//	h, err := c.Read(ctx, 1, 42)
//	if err != nil {
//	    return err
//	}
//	h.Data()[0] = 0xff
//	err = c.Write(ctx, h)
//	c.Release(h)
//
// Keeping a block cached across operations
//
//	h, _ := c.Read(ctx, 1, 7)
//	c.Pin(h.Buf())
//	c.Release(h)
//	// ... block 7 is never chosen for reuse here ...
//	c.Unpin(h.Buf())
//
// Exporting metrics (Prometheus adapter)
//
//	m := prom.New(nil, "blockcache", "fs", nil) // implements Metrics
//	c := cache.New(cache.Options{Device: dev, Metrics: m})
//
// Devices are supplied by the caller; package device provides RAM, file,
// pebble-backed and throttled implementations and a mount table.
package cache
