package channel

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
)

// Memory is an in-process share. It backs the "mem" backend and tests.
type Memory struct {
	mu      sync.RWMutex
	files   map[string][]byte
	denied  map[string]bool
	unsized bool
	open    int

	// ReadErr, when set, is consulted before every ReadChunk and its
	// non-nil result is returned instead of data.
	ReadErr func(path string, offset int64) error
}

type memHandle struct {
	name   string
	closed bool
}

func (h *memHandle) Name() string { return h.name }

var _ Channel = (*Memory)(nil)
var _ Pinger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte), denied: make(map[string]bool)}
}

// Put stores a copy of b at p, replacing any previous content.
func (m *Memory) Put(p string, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[clean(p)] = append([]byte(nil), b...)
}

// Truncate shortens the file at p to n bytes.
func (m *Memory) Truncate(p string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.files[clean(p)]; ok && n < len(b) {
		m.files[clean(p)] = b[:n]
	}
}

// Deny makes every operation on p fail with ErrAccessDenied.
func (m *Memory) Deny(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[clean(p)] = true
}

// HideSizes makes FileSize report SizeUnknown.
func (m *Memory) HideSizes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsized = true
}

// Exists reports whether p is present.
func (m *Memory) Exists(p string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[clean(p)]
	return ok
}

// OpenHandles returns the number of handles not yet closed.
func (m *Memory) OpenHandles() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.open
}

// Paths lists the stored paths in lexical order.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) OpenForRead(ctx context.Context, p string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, FromContext(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if m.denied[p] {
		return nil, fmt.Errorf("open %s: %w", p, ErrAccessDenied)
	}
	if _, ok := m.files[p]; !ok {
		return nil, fmt.Errorf("open %s: %w", p, ErrNotFound)
	}
	m.open++
	return &memHandle{name: p}, nil
}

func (m *Memory) FileSize(ctx context.Context, p string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, FromContext(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p = clean(p)
	if m.denied[p] {
		return 0, fmt.Errorf("stat %s: %w", p, ErrAccessDenied)
	}
	b, ok := m.files[p]
	if !ok {
		return 0, fmt.Errorf("stat %s: %w", p, ErrNotFound)
	}
	if m.unsized {
		return SizeUnknown, nil
	}
	return int64(len(b)), nil
}

func (m *Memory) ReadChunk(ctx context.Context, h Handle, offset int64, max int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, FromContext(err)
	}
	mh, ok := h.(*memHandle)
	if !ok {
		return nil, fmt.Errorf("read: foreign handle %T", h)
	}
	if m.ReadErr != nil {
		if err := m.ReadErr(mh.name, offset); err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mh.closed {
		return nil, fmt.Errorf("read %s: handle closed: %w", mh.name, ErrConnectionLost)
	}
	b, ok := m.files[mh.name]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", mh.name, ErrNotFound)
	}
	if offset >= int64(len(b)) {
		return nil, io.EOF
	}
	end := offset + int64(max)
	if end > int64(len(b)) {
		end = int64(len(b))
	}
	return append([]byte(nil), b[offset:end]...), nil
}

func (m *Memory) Close(h Handle) error {
	mh, ok := h.(*memHandle)
	if !ok || mh == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !mh.closed {
		mh.closed = true
		m.open--
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return FromContext(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if m.denied[p] {
		return fmt.Errorf("delete %s: %w", p, ErrAccessDenied)
	}
	if _, ok := m.files[p]; !ok {
		return fmt.Errorf("delete %s: %w", p, ErrNotFound)
	}
	delete(m.files, p)
	return nil
}

func clean(p string) string { return path.Clean("/" + p) }
