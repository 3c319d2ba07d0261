package cache

import (
	"context"
	"log/slog"
	"math"
	"time"
)

const (
	// DefaultBlockSize is the payload size of a buffer when Options.BlockSize is 0.
	DefaultBlockSize = 1024
	// DefaultCapacity is the number of buffer slots when Options.Capacity is 0.
	DefaultCapacity = 30
)

// Dev identifies a storage device.
type Dev uint32

// Key names one block on one device. It is the Buffer Index key.
type Key struct {
	Dev   Dev
	Block uint64
}

// Op is the direction of a device transfer.
type Op uint8

const (
	// OpRead fills IO.Data from the device.
	OpRead Op = iota
	// OpWrite stores IO.Data on the device.
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// IO describes a single synchronous block transfer. Data is exactly
// BlockSize bytes and aliases the buffer payload; it must not be retained
// after Transfer returns.
type IO struct {
	Op    Op
	Dev   Dev
	Block uint64
	Data  []byte
}

// Device performs block transfers on behalf of the cache. Transfer is called
// with the buffer's content lock held and never with the cache lock held, so
// it may block for as long as the hardware needs.
type Device interface {
	Transfer(ctx context.Context, io IO) error
}

// DeviceFunc adapts a plain function to the Device interface.
type DeviceFunc func(ctx context.Context, io IO) error

// Transfer calls f(ctx, io).
func (f DeviceFunc) Transfer(ctx context.Context, io IO) error { return f(ctx, io) }

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
// Hit, Miss, Evict and InUse are called under the cache lock; keep them cheap.
type Metrics interface {
	Hit()
	Miss()
	// Evict reports that a slot caching another block was reassigned.
	Evict()
	// Transfer reports one device round trip and its outcome.
	Transfer(op Op, d time.Duration, err error)
	// InUse reports the number of buffers with a non-zero reference count.
	InUse(n int)
}

// Options configures a BufferCache. Zero values are safe except Device;
// defaults are applied in New():
//   - BlockSize == 0 => DefaultBlockSize
//   - Capacity  == 0 => DefaultCapacity
//   - nil Metrics    => NoopMetrics
//   - nil Logger     => discard
type Options struct {
	// BlockSize is the number of bytes held by each buffer.
	BlockSize int

	// Capacity is the fixed number of buffer slots. The pool never grows.
	Capacity int

	// Device moves bytes between buffers and storage. Required.
	Device Device

	// Observability
	Metrics Metrics
	Logger  *slog.Logger
}

// withDefaults validates opt and fills in defaults. It panics on values no
// caller could mean, like the constructor it serves.
func (opt Options) withDefaults() Options {
	if opt.BlockSize < 0 {
		panic("blockcache: BlockSize must be >= 0")
	}
	if opt.Capacity < 0 || opt.Capacity >= math.MaxInt32 {
		panic("blockcache: Capacity out of range")
	}
	if opt.Device == nil {
		panic("blockcache: Device is required")
	}
	if opt.BlockSize == 0 {
		opt.BlockSize = DefaultBlockSize
	}
	if opt.Capacity == 0 {
		opt.Capacity = DefaultCapacity
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}
	return opt
}
