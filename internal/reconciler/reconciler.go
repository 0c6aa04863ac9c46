package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tinoosan/sharetask/internal/data"
	"github.com/tinoosan/sharetask/internal/metrics"
	"github.com/tinoosan/sharetask/internal/repo"
	"github.com/tinoosan/sharetask/internal/task"
)

// Reconciler consumes task events and updates repository state.
type Reconciler struct {
	repo   repo.TaskRepo
	events <-chan task.Event
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// active holds tasks counted in the ActiveTasks gauge.
	active map[string]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Reconciler that processes task events and mutates the
// repository accordingly.
func New(log *slog.Logger, repo repo.TaskRepo, events <-chan task.Event) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		repo:   repo,
		events: events,
		log:    log,
		ctx:    context.Background(),
		active: make(map[string]struct{}),
	}
}

// Run starts the reconciliation loop.
func (r *Reconciler) Run() {
	r.stop = make(chan struct{})
	r.ctx, r.cancel = context.WithCancel(r.ctx)
	// Tag this run with a stable operation_id for easier correlation.
	r.log = r.log.With("operation_id", uuid.NewString())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stop:
				return
			case e, ok := <-r.events:
				if !ok {
					return
				}
				r.handle(e)
			}
		}
	}()
}

// Stop terminates the reconciliation loop.
func (r *Reconciler) Stop() {
	if r.stop != nil {
		close(r.stop)
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	}
}

var errStale = errors.New("stale event")

func (r *Reconciler) handle(e task.Event) {
	metrics.TaskEvents.WithLabelValues(string(e.Kind), strings.ToLower(string(e.Type))).Inc()
	r.track(e)

	var mutate func(*data.Task)
	switch e.Type {
	case task.EventStart, task.EventResumed:
		mutate = func(t *data.Task) { t.Status = data.StatusRunning }
	case task.EventProgress:
		if e.Progress == nil {
			return
		}
		metrics.BytesReceived.Add(float64(e.Progress.Written))
		p := *e.Progress
		mutate = func(t *data.Task) {
			t.BytesReceived = p.Received
			t.BytesExpected = p.Expected
		}
	case task.EventSuspended:
		mutate = func(t *data.Task) {
			t.Status = data.StatusSuspended
			t.ResumeOffset = e.Offset
		}
	case task.EventComplete:
		mutate = func(t *data.Task) {
			t.Status = data.StatusCompleted
			t.Error = ""
			if e.Result != nil {
				t.FinalPath = e.Result.Path
				t.BytesReceived = e.Result.Size
			}
		}
	case task.EventFailed:
		mutate = func(t *data.Task) {
			t.Status = data.StatusFailed
			if e.Err != nil {
				t.Error = e.Err.Error()
			}
		}
	case task.EventCancelled:
		mutate = func(t *data.Task) { t.Status = data.StatusCancelled }
	default:
		r.log.Warn("unknown event type", "id", e.TaskID, "type", e.Type)
		return
	}

	_, err := r.repo.Update(r.ctx, e.TaskID, func(t *data.Task) error {
		// A terminal record never moves again.
		if t.Status.Terminal() {
			return errStale
		}
		mutate(t)
		return nil
	})
	switch {
	case errors.Is(err, errStale):
		r.log.Info("ignoring stale event", "id", e.TaskID, "type", e.Type)
	case err != nil:
		r.log.Error("update", "id", e.TaskID, "type", e.Type, "err", err)
	case e.Type == task.EventProgress:
		r.log.Debug("progress event", "id", e.TaskID, "received", e.Progress.Received, "expected", e.Progress.Expected)
	default:
		r.log.Info("reconciled event", "id", e.TaskID, "type", e.Type)
	}
}

func (r *Reconciler) track(e task.Event) {
	_, seen := r.active[e.TaskID]
	switch {
	case e.Type == task.EventStart && !seen:
		r.active[e.TaskID] = struct{}{}
		metrics.ActiveTasks.Inc()
	case e.Type.Terminal() && seen:
		delete(r.active, e.TaskID)
		metrics.ActiveTasks.Dec()
	}
}
