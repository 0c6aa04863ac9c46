package task

import (
	"context"
	"sync"

	"github.com/tinoosan/sharetask/internal/channel"
	"github.com/tinoosan/sharetask/internal/data"
)

// DeleteTask removes a remote file in a single step. It is not resumable.
//
// Completion is reported to the delegate and to the optional handler pair;
// both sinks observe the same terminal event and each runs at most once.
type DeleteTask struct {
	*sessionTask

	payload []byte

	onSuccess func(*DeleteTask)
	onFail    func(*DeleteTask, error)
	once      sync.Once
}

var _ Task = (*DeleteTask)(nil)

// DeleteHandlers is the handler-style alternative to a delegate.
type DeleteHandlers struct {
	OnSuccess func(*DeleteTask)
	OnFail    func(*DeleteTask, error)
}

// NewDeleteTask binds a delete of path on ch. payload is carried unchanged
// for the caller's use.
func NewDeleteTask(ch channel.Channel, path string, payload []byte, h DeleteHandlers, opts ...Option) *DeleteTask {
	o := buildOptions(opts)
	t := &DeleteTask{
		payload:   payload,
		onSuccess: h.OnSuccess,
		onFail:    h.OnFail,
	}
	t.sessionTask = newSessionTask(data.KindDelete, ch, path, o, t)
	t.self = t
	t.sinks = append(t.sinks, t.handle)
	return t
}

// Data returns the payload given at construction.
func (t *DeleteTask) Data() []byte { return t.payload }

func (t *DeleteTask) resumable() bool { return false }

func (t *DeleteTask) release() {}

func (t *DeleteTask) run(ctx context.Context, r *run) {
	t.mu.Lock()
	reason := t.stopReasonLocked(r)
	t.mu.Unlock()
	if reason == stopDone {
		return
	}
	var err error
	if reason != stopCancel {
		err = t.ch.Delete(ctx, t.path)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.status == data.StatusCancelled:
		t.finishLocked(Event{Type: EventCancelled, Err: ErrCancelled})
	case err != nil:
		t.log.Error("delete failed", "err", err)
		t.finishLocked(Event{Type: EventFailed, Err: err})
	default:
		t.finishLocked(Event{Type: EventComplete})
	}
}

// handle feeds terminal events to the handler pair.
func (t *DeleteTask) handle(ev Event) {
	if !ev.Type.Terminal() {
		return
	}
	t.once.Do(func() {
		switch {
		case ev.Type == EventComplete && t.onSuccess != nil:
			t.onSuccess(t)
		case ev.Type != EventComplete && t.onFail != nil:
			t.onFail(t, ev.Err)
		}
	})
}
