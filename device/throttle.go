package device

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled limits the transfer rate of another device. Reads and writes
// share one token bucket; a transfer waits for a token or for ctx.
type Throttled struct {
	BlockDevice
	lim *rate.Limiter
}

// NewThrottled wraps bd so that at most perSecond transfers run per second,
// with bursts of up to burst transfers. perSecond <= 0 disables the limit.
func NewThrottled(bd BlockDevice, perSecond float64, burst int) *Throttled {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{BlockDevice: bd, lim: rate.NewLimiter(limit, burst)}
}

// ReadBlock waits for a token, then reads from the wrapped device.
func (t *Throttled) ReadBlock(ctx context.Context, block uint64, p []byte) error {
	if err := t.lim.Wait(ctx); err != nil {
		return err
	}
	return t.BlockDevice.ReadBlock(ctx, block, p)
}

// WriteBlock waits for a token, then writes to the wrapped device.
func (t *Throttled) WriteBlock(ctx context.Context, block uint64, p []byte) error {
	if err := t.lim.Wait(ctx); err != nil {
		return err
	}
	return t.BlockDevice.WriteBlock(ctx, block, p)
}

var _ BlockDevice = (*Throttled)(nil)
