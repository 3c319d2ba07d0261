package device

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// FileOptions configures a File device.
//
//   - BlockSize:  bytes per block, must be > 0
//   - Blocks:     number of blocks; the file is extended to fit
//   - SyncWrites: fsync after every WriteBlock
type FileOptions struct {
	BlockSize  int
	Blocks     uint64
	SyncWrites bool
}

// File is a block device backed by a regular file, accessed with positional
// reads and writes so concurrent transfers need no shared offset.
type File struct {
	f      *os.File
	fd     int
	opts   FileOptions
	closed atomic.Bool
}

// OpenFile opens (creating if needed) the backing file at path and extends
// it to hold opts.Blocks blocks. Existing contents are kept.
func OpenFile(path string, opts FileOptions) (*File, error) {
	if opts.BlockSize <= 0 {
		return nil, fmt.Errorf("open %s: %w: block size %d", path, ErrBlockSize, opts.BlockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	size := int64(opts.Blocks) * int64(opts.BlockSize)
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("extend %s: %w", path, err)
		}
	}
	return &File{f: f, fd: int(f.Fd()), opts: opts}, nil
}

func (d *File) BlockSize() int { return d.opts.BlockSize }
func (d *File) Blocks() uint64 { return d.opts.Blocks }

// ReadBlock reads block into p with pread.
func (d *File) ReadBlock(_ context.Context, block uint64, p []byte) error {
	if err := checkIO(block, d.opts.Blocks, p, d.opts.BlockSize); err != nil {
		return err
	}
	if d.closed.Load() {
		return ErrClosed
	}
	off := int64(block) * int64(d.opts.BlockSize)
	for done := 0; done < len(p); {
		n, err := unix.Pread(d.fd, p[done:], off+int64(done))
		if err != nil {
			return fmt.Errorf("pread block %d: %w", block, err)
		}
		if n == 0 {
			// Past EOF: the file was shrunk behind our back.
			clear(p[done:])
			return nil
		}
		done += n
	}
	return nil
}

// WriteBlock writes p to block with pwrite, then fsyncs if SyncWrites is set.
func (d *File) WriteBlock(_ context.Context, block uint64, p []byte) error {
	if err := checkIO(block, d.opts.Blocks, p, d.opts.BlockSize); err != nil {
		return err
	}
	if d.closed.Load() {
		return ErrClosed
	}
	off := int64(block) * int64(d.opts.BlockSize)
	for done := 0; done < len(p); {
		n, err := unix.Pwrite(d.fd, p[done:], off+int64(done))
		if err != nil {
			return fmt.Errorf("pwrite block %d: %w", block, err)
		}
		done += n
	}
	if d.opts.SyncWrites {
		return d.Sync()
	}
	return nil
}

// Sync flushes the file to stable storage.
func (d *File) Sync() error {
	if err := unix.Fsync(d.fd); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

// Close syncs and closes the backing file. It must not run concurrently
// with transfers.
func (d *File) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	serr := d.Sync()
	if err := d.f.Close(); err != nil {
		return err
	}
	return serr
}

var _ BlockDevice = (*File)(nil)
