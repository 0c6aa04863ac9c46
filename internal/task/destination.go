package task

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tinoosan/sharetask/internal/downloadcfg"
)

// Destination accumulates the bytes of a read task.
//
// Reset discards previously written bytes before a fresh (non-resumed) run.
// Resume checks that exactly offset bytes are kept from earlier runs before
// appending continues. Finalize checks that size bytes were written and
// publishes them. Close releases resources but keeps what was written so a
// suspended or failed transfer can be inspected or resumed. Discard removes
// partial output after a cancellation.
type Destination interface {
	Reset() error
	Resume(offset int64) error
	Write(p []byte) (int, error)
	Finalize(size int64) (Result, error)
	Close() error
	Discard() error
}

// BufferDestination keeps the download in memory.
type BufferDestination struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

var _ Destination = (*BufferDestination)(nil)

func NewBufferDestination() *BufferDestination { return &BufferDestination{} }

func (b *BufferDestination) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	return nil
}

func (b *BufferDestination) Resume(offset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := int64(b.buf.Len()); n != offset {
		return fmt.Errorf("buffer holds %d bytes, resume at %d: %w", n, offset, ErrDestinationChanged)
	}
	return nil
}

func (b *BufferDestination) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Bytes returns a copy of what has been written so far.
func (b *BufferDestination) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (b *BufferDestination) Finalize(size int64) (Result, error) {
	data := b.Bytes()
	if int64(len(data)) != size {
		return Result{}, fmt.Errorf("buffer holds %d bytes, received %d: %w", len(data), size, ErrDestinationChanged)
	}
	return Result{Data: data, Size: size}, nil
}

func (b *BufferDestination) Close() error   { return nil }
func (b *BufferDestination) Discard() error { return b.Reset() }

// FileDestination writes into a staging file, "<path>.part" unless set with
// WithPartName, and renames it into place on Finalize, resolving name
// collisions with the configured policy.
type FileDestination struct {
	path   string
	part   string
	policy downloadcfg.CollisionPolicy

	mu sync.Mutex
	f  *os.File
}

var _ Destination = (*FileDestination)(nil)

const partSuffix = ".part"

func NewFileDestination(path string, policy downloadcfg.CollisionPolicy) *FileDestination {
	path = filepath.Clean(path)
	return &FileDestination{path: path, part: path + partSuffix, policy: policy}
}

// WithPartName stages bytes in name, next to the final path. Transfers that
// may target the same final path need distinct staging names.
func (d *FileDestination) WithPartName(name string) *FileDestination {
	d.part = filepath.Join(filepath.Dir(d.path), filepath.Base(name))
	return d
}

// Path is the requested final path. The actual final path is reported in
// the completion Result.
func (d *FileDestination) Path() string { return d.path }

// PartPath is where bytes accumulate until Finalize.
func (d *FileDestination) PartPath() string { return d.part }

func (d *FileDestination) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	f, err := os.OpenFile(d.part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.part, err)
	}
	d.f = f
	return nil
}

func (d *FileDestination) Resume(offset int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	n, err := d.partSizeLocked()
	if err != nil {
		return err
	}
	if n != offset {
		return fmt.Errorf("%s holds %d bytes, resume at %d: %w", d.part, n, offset, ErrDestinationChanged)
	}
	return nil
}

func (d *FileDestination) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		f, err := os.OpenFile(d.part, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open %s: %w", d.part, err)
		}
		d.f = f
	}
	return d.f.Write(p)
}

func (d *FileDestination) Finalize(size int64) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.closeLocked(); err != nil {
		return Result{}, err
	}
	part := d.part
	n, err := d.partSizeLocked()
	if err != nil {
		return Result{}, err
	}
	if n != size {
		return Result{}, fmt.Errorf("%s holds %d bytes, received %d: %w", part, n, size, ErrDestinationChanged)
	}
	if _, err := os.Stat(part); errors.Is(err, os.ErrNotExist) {
		// Nothing was ever written: a zero-length remote file.
		if err := os.WriteFile(part, nil, 0o644); err != nil {
			return Result{}, fmt.Errorf("create %s: %w", part, err)
		}
	}
	final, err := downloadcfg.Resolve(d.path, d.policy, func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	})
	if err != nil {
		return Result{}, err
	}
	if err := os.Rename(part, final); err != nil {
		return Result{}, fmt.Errorf("finalize %s: %w", final, err)
	}
	fi, err := os.Stat(final)
	if err != nil {
		return Result{}, err
	}
	return Result{Path: final, Size: fi.Size()}, nil
}

func (d *FileDestination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *FileDestination) Discard() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	if err := os.Remove(d.part); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// partSizeLocked reports the staged size. A missing staging file holds
// nothing.
func (d *FileDestination) partSizeLocked() (int64, error) {
	fi, err := os.Stat(d.part)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", d.part, err)
	}
	return fi.Size(), nil
}

func (d *FileDestination) closeLocked() error {
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
