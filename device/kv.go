package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// kvPrefix namespaces block keys inside the database.
var kvPrefix = []byte("blk/")

// KVOptions configures a KV device.
//
//   - BlockSize:  bytes per block, must be > 0
//   - Blocks:     number of addressable blocks
//   - FS:         pebble filesystem; nil => the OS filesystem (vfs.NewMem() for tests)
//   - SyncWrites: commit every WriteBlock with pebble.Sync
type KVOptions struct {
	BlockSize  int
	Blocks     uint64
	FS         vfs.FS
	SyncWrites bool
}

// KV is a block device that stores each block as one pebble key. Blocks
// never written read back as zeros, so a fresh database is a zeroed disk.
type KV struct {
	quitLock sync.RWMutex // protects db against Close during transfers
	db       *pebble.DB
	closed   bool

	opts KVOptions
	wo   *pebble.WriteOptions
}

// OpenKV opens (creating if needed) a pebble database at path.
func OpenKV(path string, opts KVOptions) (*KV, error) {
	if opts.BlockSize <= 0 {
		return nil, fmt.Errorf("open %s: %w: block size %d", path, ErrBlockSize, opts.BlockSize)
	}
	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}
	db, err := pebble.Open(path, po)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	wo := pebble.NoSync
	if opts.SyncWrites {
		wo = pebble.Sync
	}
	return &KV{db: db, opts: opts, wo: wo}, nil
}

func (d *KV) BlockSize() int { return d.opts.BlockSize }
func (d *KV) Blocks() uint64 { return d.opts.Blocks }

func blockKey(block uint64) []byte {
	k := make([]byte, len(kvPrefix)+8)
	copy(k, kvPrefix)
	binary.BigEndian.PutUint64(k[len(kvPrefix):], block)
	return k
}

// ReadBlock copies the stored block into p, or zeroes p if it was never
// written.
func (d *KV) ReadBlock(_ context.Context, block uint64, p []byte) error {
	if err := checkIO(block, d.opts.Blocks, p, d.opts.BlockSize); err != nil {
		return err
	}
	d.quitLock.RLock()
	defer d.quitLock.RUnlock()
	if d.closed {
		return ErrClosed
	}

	val, closer, err := d.db.Get(blockKey(block))
	if errors.Is(err, pebble.ErrNotFound) {
		clear(p)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get block %d: %w", block, err)
	}
	n := copy(p, val)
	clear(p[n:])
	return closer.Close()
}

// WriteBlock stores p as the block's value.
func (d *KV) WriteBlock(_ context.Context, block uint64, p []byte) error {
	if err := checkIO(block, d.opts.Blocks, p, d.opts.BlockSize); err != nil {
		return err
	}
	d.quitLock.RLock()
	defer d.quitLock.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.db.Set(blockKey(block), p, d.wo); err != nil {
		return fmt.Errorf("set block %d: %w", block, err)
	}
	return nil
}

// Close closes the database. Closing twice is allowed.
func (d *KV) Close() error {
	d.quitLock.Lock()
	defer d.quitLock.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

var _ BlockDevice = (*KV)(nil)
