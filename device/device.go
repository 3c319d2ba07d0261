// Package device provides block devices for the buffer cache and a mount
// table that routes cache transfers to them by device id.
//
// Devices:
//   - Mem:       RAM disk, the usual choice for tests.
//   - File:      a regular file accessed with pread/pwrite.
//   - KV:        blocks stored as keys in a pebble database.
//   - Throttled: rate-limits another device to model slow hardware.
package device

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by Table.Mount when the device id is taken.
	ErrBusy = errors.New("device: busy")
	// ErrNoDevice is returned when no device is mounted under an id.
	ErrNoDevice = errors.New("device: no such device")
	// ErrOutOfRange is returned for block numbers past the end of a device.
	ErrOutOfRange = errors.New("device: block out of range")
	// ErrBlockSize is returned when a buffer does not match the block size.
	ErrBlockSize = errors.New("device: buffer size mismatch")
	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("device: closed")
)

// BlockDevice stores fixed-size blocks. ReadBlock and WriteBlock transfer
// exactly BlockSize bytes and are safe for concurrent use.
type BlockDevice interface {
	BlockSize() int
	// Blocks returns the number of addressable blocks.
	Blocks() uint64
	ReadBlock(ctx context.Context, block uint64, p []byte) error
	WriteBlock(ctx context.Context, block uint64, p []byte) error
	Close() error
}

// checkIO validates a transfer against a device geometry.
func checkIO(block, blocks uint64, p []byte, blockSize int) error {
	if block >= blocks {
		return fmt.Errorf("%w: %d >= %d", ErrOutOfRange, block, blocks)
	}
	if len(p) != blockSize {
		return fmt.Errorf("%w: got %d want %d", ErrBlockSize, len(p), blockSize)
	}
	return nil
}
