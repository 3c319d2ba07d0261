package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IvanBrykalov/blockcache/cache"
)

// Table maps device ids to mounted block devices and implements
// cache.Device by routing each transfer to the device it names.
type Table struct {
	mu   sync.RWMutex
	devs map[cache.Dev]BlockDevice
	log  *slog.Logger
}

// NewTable returns an empty mount table. A nil logger discards output.
func NewTable(log *slog.Logger) *Table {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Table{devs: make(map[cache.Dev]BlockDevice), log: log}
}

// Mount attaches bd under id. It fails with ErrBusy if id is in use.
func (t *Table) Mount(id cache.Dev, bd BlockDevice) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devs[id]; ok {
		return fmt.Errorf("mount %d: %w", id, ErrBusy)
	}
	t.devs[id] = bd
	t.log.Info("device mounted", "dev", id, "block_size", bd.BlockSize(), "blocks", bd.Blocks())
	return nil
}

// Unmount detaches and returns the device under id without closing it.
// Buffers cached for id should be dropped with the cache's Invalidate.
func (t *Table) Unmount(id cache.Dev) (BlockDevice, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bd, ok := t.devs[id]
	if !ok {
		return nil, fmt.Errorf("unmount %d: %w", id, ErrNoDevice)
	}
	delete(t.devs, id)
	t.log.Info("device unmounted", "dev", id)
	return bd, nil
}

// Lookup returns the device mounted under id.
func (t *Table) Lookup(id cache.Dev) (BlockDevice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bd, ok := t.devs[id]
	return bd, ok
}

// Transfer implements cache.Device.
func (t *Table) Transfer(ctx context.Context, io cache.IO) error {
	bd, ok := t.Lookup(io.Dev)
	if !ok {
		return fmt.Errorf("dev %d: %w", io.Dev, ErrNoDevice)
	}
	var err error
	if io.Op == cache.OpWrite {
		err = bd.WriteBlock(ctx, io.Block, io.Data)
	} else {
		err = bd.ReadBlock(ctx, io.Block, io.Data)
	}
	if err != nil {
		return fmt.Errorf("dev %d: %w", io.Dev, err)
	}
	return nil
}

// Close unmounts and closes every device, returning all close errors joined.
func (t *Table) Close() error {
	t.mu.Lock()
	devs := t.devs
	t.devs = make(map[cache.Dev]BlockDevice)
	t.mu.Unlock()

	var errs []error
	for id, bd := range devs {
		if err := bd.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Compile-time check: ensure Table implements cache.Device.
var _ cache.Device = (*Table)(nil)
