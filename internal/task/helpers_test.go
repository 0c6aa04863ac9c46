package task

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

// recorder implements every observer interface.
type recorder struct {
	mu        sync.Mutex
	started   int
	written   []int64
	received  []int64
	expected  []int64
	suspends  []int64
	resumes   []int64
	finished  []Result
	errs      []error
	deletions int

	suspended chan int64
}

func newRecorder() *recorder { return &recorder{suspended: make(chan int64, 8)} }

func (r *recorder) TaskDidStart(Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recorder) TaskDidCompleteWithError(_ Task, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) ReadTaskDidWriteBytes(_ *ReadTask, written, total, expected int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written = append(r.written, written)
	r.received = append(r.received, total)
	r.expected = append(r.expected, expected)
}

func (r *recorder) ReadTaskDidFinishDownloading(_ *ReadTask, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, res)
}

func (r *recorder) ReadTaskDidSuspend(_ *ReadTask, offset, _ int64) {
	r.mu.Lock()
	r.suspends = append(r.suspends, offset)
	r.mu.Unlock()
	r.suspended <- offset
}

func (r *recorder) ReadTaskDidResume(_ *ReadTask, offset, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumes = append(r.resumes, offset)
}

func (r *recorder) DeleteTaskDidFinish(*DeleteTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletions++
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		started:   r.started,
		written:   append([]int64(nil), r.written...),
		received:  append([]int64(nil), r.received...),
		expected:  append([]int64(nil), r.expected...),
		suspends:  append([]int64(nil), r.suspends...),
		resumes:   append([]int64(nil), r.resumes...),
		finished:  append([]Result(nil), r.finished...),
		errs:      append([]error(nil), r.errs...),
		deletions: r.deletions,
	}
}

// gatedDest blocks the write with index at (0-based) until release is
// closed, signalling entered when that write begins.
type gatedDest struct {
	Destination
	at      int
	mu      sync.Mutex
	n       int
	entered chan struct{}
	release chan struct{}
}

func gate(d Destination, at int) *gatedDest {
	return &gatedDest{Destination: d, at: at, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedDest) Write(p []byte) (int, error) {
	g.mu.Lock()
	i := g.n
	g.n++
	g.mu.Unlock()
	if i == g.at {
		close(g.entered)
		<-g.release
	}
	return g.Destination.Write(p)
}

func waitDone(t *testing.T, tk Task) {
	t.Helper()
	select {
	case <-tk.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not finish; status %s", tk.ID(), tk.Status())
	}
}

func waitOffset(t *testing.T, ch chan int64, what string) int64 {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	return -1
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameBytes(t *testing.T, got, want []byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Fatalf("content mismatch: got %d bytes, want %d", len(got), len(want))
	}
}
