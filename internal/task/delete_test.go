package task

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tinoosan/sharetask/internal/channel"
	"github.com/tinoosan/sharetask/internal/data"
)

// blockingDelete holds Delete until release is closed.
type blockingDelete struct {
	channel.Channel
	release chan struct{}
}

func (b *blockingDelete) Delete(ctx context.Context, path string) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Channel.Delete(ctx, path)
}

type handlerCalls struct {
	mu      sync.Mutex
	success int
	fails   []error
}

func (h *handlerCalls) handlers() DeleteHandlers {
	return DeleteHandlers{
		OnSuccess: func(*DeleteTask) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.success++
		},
		OnFail: func(_ *DeleteTask, err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.fails = append(h.fails, err)
		},
	}
}

func TestDeleteTaskSuccessNotifiesBothSinks(t *testing.T) {
	m := newShare([]byte("x"))
	rec := newRecorder()
	var calls handlerCalls
	tk := NewDeleteTask(m, remote, []byte("ctx"), calls.handlers(), WithDelegate(rec), WithLogger(quietLogger()))
	if err := tk.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, tk)

	if tk.Status() != data.StatusCompleted {
		t.Fatalf("status = %s err = %v", tk.Status(), tk.Err())
	}
	if m.Exists(remote) {
		t.Fatalf("remote file still present")
	}
	if got := rec.snapshot(); got.deletions != 1 || len(got.errs) != 0 {
		t.Fatalf("delegate deletions=%d errs=%v", got.deletions, got.errs)
	}
	if calls.success != 1 || len(calls.fails) != 0 {
		t.Fatalf("handlers success=%d fails=%v", calls.success, calls.fails)
	}
	if string(tk.Data()) != "ctx" {
		t.Fatalf("payload = %q", tk.Data())
	}
}

func TestDeleteTaskNotFound(t *testing.T) {
	m := channel.NewMemory()
	rec := newRecorder()
	var calls handlerCalls
	tk := NewDeleteTask(m, "/missing", nil, calls.handlers(), WithDelegate(rec), WithLogger(quietLogger()))
	if err := tk.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, tk)

	if tk.Status() != data.StatusFailed {
		t.Fatalf("status = %s", tk.Status())
	}
	got := rec.snapshot()
	if len(got.errs) != 1 || !errors.Is(got.errs[0], channel.ErrNotFound) {
		t.Fatalf("delegate errs = %v", got.errs)
	}
	if len(calls.fails) != 1 || calls.fails[0] != got.errs[0] {
		t.Fatalf("fail handler errs = %v, delegate = %v", calls.fails, got.errs)
	}
	if calls.success != 0 || got.deletions != 0 {
		t.Fatalf("success path invoked on failure")
	}
}

func TestDeleteTaskIsNotResumable(t *testing.T) {
	m := newShare([]byte("x"))
	b := &blockingDelete{Channel: m, release: make(chan struct{})}
	tk := NewDeleteTask(b, remote, nil, DeleteHandlers{}, WithLogger(quietLogger()))
	if err := tk.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tk.Suspend(); !errors.Is(err, ErrNotResumable) {
		t.Fatalf("suspend err = %v", err)
	}
	if err := tk.Resume(); !errors.Is(err, ErrNotResumable) {
		t.Fatalf("resume err = %v", err)
	}
	if tk.Status() != data.StatusRunning {
		t.Fatalf("status = %s", tk.Status())
	}
	close(b.release)
	waitDone(t, tk)
	if tk.Status() != data.StatusCompleted {
		t.Fatalf("status after release = %s", tk.Status())
	}
}

func TestDeleteTaskCancel(t *testing.T) {
	m := newShare([]byte("x"))
	b := &blockingDelete{Channel: m, release: make(chan struct{})}
	var calls handlerCalls
	tk := NewDeleteTask(b, remote, nil, calls.handlers(), WithLogger(quietLogger()))
	if err := tk.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	tk.Cancel()
	tk.Cancel()
	waitDone(t, tk)
	if tk.Status() != data.StatusCancelled {
		t.Fatalf("status = %s", tk.Status())
	}
	if len(calls.fails) != 1 || !errors.Is(calls.fails[0], ErrCancelled) {
		t.Fatalf("fails = %v", calls.fails)
	}
	if !m.Exists(remote) {
		t.Fatalf("cancelled delete removed the file")
	}
}

func TestDeleteTaskCancelBeforeStart(t *testing.T) {
	m := newShare([]byte("x"))
	var calls handlerCalls
	tk := NewDeleteTask(m, remote, nil, calls.handlers(), WithLogger(quietLogger()))
	tk.Cancel()
	waitDone(t, tk)
	if err := tk.Start(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("start after cancel err = %v", err)
	}
	if len(calls.fails) != 1 {
		t.Fatalf("fails = %v", calls.fails)
	}
}
