package task

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/tinoosan/sharetask/internal/channel"
	"github.com/tinoosan/sharetask/internal/data"
)

// DefaultChunkSize is the number of bytes requested per read round-trip.
const DefaultChunkSize = 64 << 10

// ReadTask streams a remote file into a Destination. It can be suspended and
// resumed from the byte offset reached, and reports progress per chunk.
type ReadTask struct {
	*sessionTask

	dest      Destination
	chunkSize int
	limiter   *rate.Limiter

	// Guarded by sessionTask.mu.
	received int64
	expected int64
	offset   int64
	seeded   bool
	result   *Result
}

var _ Task = (*ReadTask)(nil)

// NewReadTask binds a read of path on ch into dest. A nil dest collects the
// file in memory.
func NewReadTask(ch channel.Channel, path string, dest Destination, opts ...Option) *ReadTask {
	o := buildOptions(opts)
	if dest == nil {
		dest = NewBufferDestination()
	}
	t := &ReadTask{
		dest:      dest,
		chunkSize: o.chunkSize,
		expected:  channel.SizeUnknown,
	}
	if t.chunkSize <= 0 {
		t.chunkSize = DefaultChunkSize
	}
	if o.rateLimit > 0 {
		burst := o.rateLimit
		if burst < t.chunkSize {
			burst = t.chunkSize
		}
		t.limiter = rate.NewLimiter(rate.Limit(o.rateLimit), burst)
	}
	t.sessionTask = newSessionTask(data.KindRead, ch, path, o, t)
	t.self = t
	return t
}

func (t *ReadTask) resumable() bool { return true }

// Destination returns the sink the task writes into.
func (t *ReadTask) Destination() Destination { return t.dest }

// CountOfBytesReceived is the number of bytes durably written so far.
func (t *ReadTask) CountOfBytesReceived() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received
}

// CountOfBytesExpectedToReceive is the remote size recorded at start, or -1.
func (t *ReadTask) CountOfBytesExpectedToReceive() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expected
}

// ResumeOffset is the offset the next resumed run will read from.
func (t *ReadTask) ResumeOffset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// Result returns the finalized output once the task completed.
func (t *ReadTask) Result() (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result == nil {
		return Result{}, false
	}
	return *t.result, true
}

// Data returns the downloaded bytes of a completed in-memory read.
func (t *ReadTask) Data() []byte {
	r, ok := t.Result()
	if !ok {
		return nil
	}
	return r.Data
}

func (t *ReadTask) run(ctx context.Context, r *run) {
	t.mu.Lock()
	switch reason := t.stopReasonLocked(r); reason {
	case stopCancel:
		t.mu.Unlock()
		t.cancelled(r)
		return
	case stopDone:
		t.mu.Unlock()
		return
	default:
		if r.resumed {
			t.log.Info("task resumed", "offset", t.offset)
			t.emitLocked(Event{Type: EventResumed, Offset: t.offset, Progress: &Progress{Received: t.received, Expected: t.expected}})
		}
		if reason == stopSuspend {
			t.suspendedLocked()
			t.mu.Unlock()
			return
		}
	}
	fresh := !r.resumed || !t.seeded
	offset := t.offset
	expected := t.expected
	t.mu.Unlock()

	size, err := t.ch.FileSize(ctx, t.path)
	if err != nil {
		t.stop(r, nil, err)
		return
	}
	if fresh {
		if err := t.dest.Reset(); err != nil {
			t.stop(r, nil, err)
			return
		}
		t.mu.Lock()
		t.received, t.offset, t.expected, t.seeded = 0, 0, size, true
		t.mu.Unlock()
		offset = 0
	} else if err := checkSource(size, expected, offset); err != nil {
		t.stop(r, nil, err)
		return
	} else if err := t.dest.Resume(offset); err != nil {
		t.stop(r, nil, err)
		return
	}

	h, err := t.ch.OpenForRead(ctx, t.path)
	if err != nil {
		t.stop(r, nil, err)
		return
	}

	for {
		switch t.checkpoint(r) {
		case stopCancel:
			t.cancelled(r, h)
			return
		case stopSuspend:
			t.suspended(h)
			return
		case stopDone:
			_ = t.ch.Close(h)
			return
		}
		if t.limiter != nil {
			if err := t.limiter.WaitN(ctx, t.chunkSize); err != nil {
				t.stop(r, h, err)
				return
			}
		}
		chunk, err := t.ch.ReadChunk(ctx, h, offset, t.chunkSize)
		if len(chunk) > 0 {
			if oerr := t.checkOverrun(int64(len(chunk))); oerr != nil {
				t.stop(r, h, oerr)
				return
			}
			if _, werr := t.dest.Write(chunk); werr != nil {
				t.stop(r, h, fmt.Errorf("write destination: %w", werr))
				return
			}
			t.advance(int64(len(chunk)))
			offset += int64(len(chunk))
		}
		switch {
		case errors.Is(err, io.EOF):
			t.complete(r, h)
			return
		case err != nil:
			t.stop(r, h, err)
			return
		case len(chunk) == 0:
			t.stop(r, h, fmt.Errorf("read %s at %d: %w", t.path, offset, io.ErrNoProgress))
			return
		}
	}
}

// checkSource validates the remote size observed on resume against the
// size recorded when the transfer started.
func checkSource(size, expected, offset int64) error {
	if size == channel.SizeUnknown {
		return nil
	}
	if expected != channel.SizeUnknown && size != expected {
		return fmt.Errorf("size %d, expected %d: %w", size, expected, ErrSourceChanged)
	}
	if size < offset {
		return fmt.Errorf("size %d below resume offset %d: %w", size, offset, ErrSourceChanged)
	}
	return nil
}

// checkOverrun rejects a chunk of n bytes that would take the transfer past
// the size recorded at start. Nothing is written or counted in that case.
func (t *ReadTask) checkOverrun(n int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expected != channel.SizeUnknown && t.received+n > t.expected {
		return fmt.Errorf("read %d bytes past %d of %d: %w", n, t.received, t.expected, ErrSourceChanged)
	}
	return nil
}

// advance records n newly written bytes and emits the progress event.
func (t *ReadTask) advance(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.received += n
	t.offset = t.received
	t.emitLocked(Event{Type: EventProgress, Progress: &Progress{Written: n, Received: t.received, Expected: t.expected}})
}

func (t *ReadTask) complete(r *run, h channel.Handle) {
	_ = t.ch.Close(h)
	if t.checkpoint(r) == stopCancel {
		t.cancelled(r)
		return
	}
	res, err := t.dest.Finalize(t.CountOfBytesReceived())
	if err != nil {
		t.stop(r, nil, fmt.Errorf("finalize destination: %w", err))
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = &res
	t.log.Info("download finished", "size", humanize.Bytes(uint64(res.Size)), "dest", res.Path)
	t.finishLocked(Event{Type: EventComplete, Result: &res, Progress: &Progress{Received: t.received, Expected: t.expected}})
}

// stop ends run r after err. A pending suspend or cancel takes precedence
// over the I/O error: the offset reached so far stays valid.
func (t *ReadTask) stop(r *run, h channel.Handle, err error) {
	if h != nil {
		_ = t.ch.Close(h)
	}
	t.mu.Lock()
	reason := t.stopReasonLocked(r)
	t.mu.Unlock()
	switch reason {
	case stopCancel:
		t.cancelled(r)
	case stopSuspend:
		t.suspended(nil)
	case stopDone:
	default:
		_ = t.dest.Close()
		t.mu.Lock()
		defer t.mu.Unlock()
		t.log.Error("download failed", "received", t.received, "err", err)
		t.finishLocked(Event{Type: EventFailed, Err: err, Progress: &Progress{Received: t.received, Expected: t.expected}})
	}
}

func (t *ReadTask) suspended(h channel.Handle) {
	if h != nil {
		_ = t.ch.Close(h)
	}
	_ = t.dest.Close()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suspendedLocked()
}

func (t *ReadTask) suspendedLocked() {
	t.offset = t.received
	t.log.Info("task suspended", "offset", t.offset)
	t.emitLocked(Event{Type: EventSuspended, Offset: t.offset, Progress: &Progress{Received: t.received, Expected: t.expected}})
}

func (t *ReadTask) cancelled(r *run, handles ...channel.Handle) {
	for _, h := range handles {
		_ = t.ch.Close(h)
	}
	if err := t.dest.Discard(); err != nil {
		t.log.Warn("discard partial download", "err", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked(Event{Type: EventCancelled, Err: ErrCancelled, Progress: &Progress{Received: t.received, Expected: t.expected}})
}

func (t *ReadTask) release() {
	if err := t.dest.Discard(); err != nil {
		t.log.Warn("discard partial download", "err", err)
	}
}
