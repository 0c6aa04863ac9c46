// Package task implements cancellable, resumable operations against a remote
// share: the shared lifecycle (start, suspend, resume, cancel), a resumable
// chunked read and a single-shot delete.
//
// Lifecycle methods never block on I/O or on observers. Suspend and Cancel
// are requests honoured at the next chunk boundary; the matching
// notification is the authoritative sign that the transition happened.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinoosan/sharetask/internal/channel"
	"github.com/tinoosan/sharetask/internal/data"
)

// Task is the lifecycle shared by every remote operation.
type Task interface {
	ID() string
	Kind() data.TaskKind
	Path() string
	Status() data.TaskStatus
	Err() error
	Start() error
	Suspend() error
	Resume() error
	Cancel()
	SetDelegate(d any)
	// Done is closed once the terminal notification has been delivered.
	Done() <-chan struct{}
}

// runner supplies the per-kind algorithm driven by sessionTask.
type runner interface {
	resumable() bool
	run(ctx context.Context, r *run)
	// release frees per-task resources when a task is cancelled while no
	// run is active.
	release()
}

// run is one execution of a task's transfer loop. A resumed run waits for
// the previous run to exit so at most one loop touches the channel.
type run struct {
	gen     uint64
	resumed bool
	prev    <-chan struct{}
	exited  chan struct{}
}

type stopReason int

const (
	proceed stopReason = iota
	stopSuspend
	stopCancel
	stopDone
)

type sessionTask struct {
	id   string
	kind data.TaskKind
	path string
	ch   channel.Channel
	log  *slog.Logger

	ctx   context.Context
	abort context.CancelFunc

	impl  runner
	self  Task
	queue Queue
	sinks []func(Event)

	mu       sync.Mutex
	status   data.TaskStatus
	gen      uint64
	current  *run
	err      error
	delegate any
	finished bool

	done     chan struct{}
	doneOnce sync.Once
}

type options struct {
	id        string
	queue     Queue
	reporters []Reporter
	delegate  any
	log       *slog.Logger
	chunkSize int
	rateLimit int
}

// Option configures a task at construction.
type Option func(*options)

// WithID overrides the generated task ID.
func WithID(id string) Option { return func(o *options) { o.id = id } }

// WithQueue delivers notifications on q instead of a per-task serial queue.
func WithQueue(q Queue) Option { return func(o *options) { o.queue = q } }

// WithReporter adds a reporter receiving every event of the task.
func WithReporter(r Reporter) Option {
	return func(o *options) { o.reporters = append(o.reporters, r) }
}

// WithDelegate sets the initial delegate.
func WithDelegate(d any) Option { return func(o *options) { o.delegate = d } }

// WithLogger sets the logger; tasks default to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithChunkSize bounds the bytes requested per read. Ignored by deletes.
func WithChunkSize(n int) Option { return func(o *options) { o.chunkSize = n } }

// WithRateLimit throttles reads to roughly n bytes per second. Zero means
// unlimited. Ignored by deletes.
func WithRateLimit(n int) Option { return func(o *options) { o.rateLimit = n } }

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.queue == nil {
		o.queue = NewSerialQueue()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

func newSessionTask(kind data.TaskKind, ch channel.Channel, path string, o options, impl runner) *sessionTask {
	ctx, cancel := context.WithCancel(context.Background())
	t := &sessionTask{
		id:       o.id,
		kind:     kind,
		path:     path,
		ch:       ch,
		log:      o.log.With("task_id", o.id, "kind", string(kind), "path", path),
		ctx:      ctx,
		abort:    cancel,
		impl:     impl,
		queue:    o.queue,
		status:   data.StatusPending,
		delegate: o.delegate,
		done:     make(chan struct{}),
	}
	for _, r := range o.reporters {
		if r != nil {
			t.sinks = append(t.sinks, r.Report)
		}
	}
	return t
}

func (t *sessionTask) ID() string            { return t.id }
func (t *sessionTask) Kind() data.TaskKind   { return t.kind }
func (t *sessionTask) Path() string          { return t.path }
func (t *sessionTask) Done() <-chan struct{} { return t.done }

func (t *sessionTask) Status() data.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the error carried by the terminal notification, if any.
func (t *sessionTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// SetDelegate replaces the observer. Notifications already queued keep the
// delegate that was set when they were emitted.
func (t *sessionTask) SetDelegate(d any) {
	t.mu.Lock()
	t.delegate = d
	t.mu.Unlock()
}

func (t *sessionTask) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != data.StatusPending {
		return fmt.Errorf("start %s task in %s: %w", t.kind, t.status, ErrInvalidState)
	}
	t.status = data.StatusRunning
	t.log.Info("task started")
	t.emitLocked(Event{Type: EventStart})
	t.launchLocked(false)
	return nil
}

func (t *sessionTask) Suspend() error {
	if !t.impl.resumable() {
		return fmt.Errorf("suspend %s task: %w", t.kind, ErrNotResumable)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != data.StatusRunning {
		return fmt.Errorf("suspend task in %s: %w", t.status, ErrInvalidState)
	}
	t.status = data.StatusSuspended
	t.log.Debug("suspend requested")
	return nil
}

func (t *sessionTask) Resume() error {
	if !t.impl.resumable() {
		return fmt.Errorf("resume %s task: %w", t.kind, ErrNotResumable)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != data.StatusSuspended {
		return fmt.Errorf("resume task in %s: %w", t.status, ErrInvalidState)
	}
	t.status = data.StatusRunning
	t.log.Debug("resume requested")
	t.launchLocked(true)
	return nil
}

// Cancel is idempotent: cancelling a terminal task does nothing.
func (t *sessionTask) Cancel() {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.status = data.StatusCancelled
	t.abort()
	t.log.Info("cancel requested")
	idle := t.current == nil
	t.mu.Unlock()
	if !idle {
		return
	}
	// No loop will observe the request; acknowledge it here.
	t.impl.release()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked(Event{Type: EventCancelled, Err: ErrCancelled})
}

func (t *sessionTask) launchLocked(resumed bool) {
	t.gen++
	r := &run{gen: t.gen, resumed: resumed, exited: make(chan struct{})}
	if t.current != nil {
		r.prev = t.current.exited
	}
	t.current = r
	go t.loop(r)
}

func (t *sessionTask) loop(r *run) {
	defer close(r.exited)
	if r.prev != nil {
		<-r.prev
	}
	t.impl.run(t.ctx, r)
	t.mu.Lock()
	if t.current == r {
		t.current = nil
	}
	// A cancel that arrived after the run's last checkpoint saw an active
	// run and left the acknowledgement to it.
	orphaned := t.current == nil && t.status == data.StatusCancelled && !t.finished
	t.mu.Unlock()
	if orphaned {
		t.impl.release()
		t.mu.Lock()
		t.finishLocked(Event{Type: EventCancelled, Err: ErrCancelled})
		t.mu.Unlock()
	}
}

// stopReasonLocked tells run r whether it may issue more I/O.
func (t *sessionTask) stopReasonLocked(r *run) stopReason {
	switch {
	case t.status == data.StatusCancelled:
		return stopCancel
	case t.status.Terminal():
		return stopDone
	case r.gen != t.gen || t.status == data.StatusSuspended:
		// A newer run only exists after a suspend, so a superseded run
		// still owes that suspend its acknowledgement.
		return stopSuspend
	}
	return proceed
}

func (t *sessionTask) checkpoint(r *run) stopReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopReasonLocked(r)
}

// emitLocked queues ev for delivery to every sink. It never blocks.
func (t *sessionTask) emitLocked(ev Event) {
	ev.TaskID = t.id
	ev.Kind = t.kind
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	d := t.delegate
	self := t.self
	t.queue.Dispatch(func() { t.deliver(self, d, ev) })
}

// finishLocked records the terminal transition and emits its notification.
// Only the first call has any effect.
func (t *sessionTask) finishLocked(ev Event) {
	if t.finished {
		return
	}
	t.finished = true
	switch ev.Type {
	case EventComplete:
		t.status = data.StatusCompleted
	case EventFailed:
		t.status = data.StatusFailed
	case EventCancelled:
		t.status = data.StatusCancelled
	}
	t.err = ev.Err
	if ev.Err != nil {
		t.log.Info("task finished", "status", string(t.status), "err", ev.Err)
	} else {
		t.log.Info("task finished", "status", string(t.status))
	}
	t.emitLocked(ev)
}

func (t *sessionTask) deliver(self Task, d any, ev Event) {
	for _, sink := range t.sinks {
		t.safely("sink", func() { sink(ev) })
	}
	t.safely("delegate", func() { notifyDelegate(d, self, ev) })
	if ev.Type.Terminal() {
		t.doneOnce.Do(func() { close(t.done) })
	}
}

func (t *sessionTask) safely(what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			t.log.Error("observer panicked", "observer", what, "panic", p)
		}
	}()
	fn()
}
