package device

import (
	"context"
	"sync"
)

// Mem is a RAM disk. Blocks start zeroed.
type Mem struct {
	mu        sync.RWMutex
	data      []byte
	blockSize int
	blocks    uint64
	closed    bool
}

// NewMem allocates a RAM disk of blocks blocks of blockSize bytes.
func NewMem(blockSize int, blocks uint64) *Mem {
	if blockSize <= 0 {
		panic("device: blockSize must be > 0")
	}
	return &Mem{
		data:      make([]byte, uint64(blockSize)*blocks),
		blockSize: blockSize,
		blocks:    blocks,
	}
}

func (m *Mem) BlockSize() int { return m.blockSize }
func (m *Mem) Blocks() uint64 { return m.blocks }

// ReadBlock copies block into p.
func (m *Mem) ReadBlock(_ context.Context, block uint64, p []byte) error {
	if err := checkIO(block, m.blocks, p, m.blockSize); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	off := block * uint64(m.blockSize)
	copy(p, m.data[off:off+uint64(m.blockSize)])
	return nil
}

// WriteBlock copies p into block.
func (m *Mem) WriteBlock(_ context.Context, block uint64, p []byte) error {
	if err := checkIO(block, m.blocks, p, m.blockSize); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	off := block * uint64(m.blockSize)
	copy(m.data[off:off+uint64(m.blockSize)], p)
	return nil
}

// Close releases the backing memory. Later transfers fail with ErrClosed.
func (m *Mem) Close() error {
	m.mu.Lock()
	m.closed = true
	m.data = nil
	m.mu.Unlock()
	return nil
}

var _ BlockDevice = (*Mem)(nil)
