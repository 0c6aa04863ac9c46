package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/tinoosan/sharetask/internal/channel"
	"github.com/tinoosan/sharetask/internal/data"
	"github.com/tinoosan/sharetask/internal/downloadcfg"
	"github.com/tinoosan/sharetask/internal/fp"
	"github.com/tinoosan/sharetask/internal/repo"
	"github.com/tinoosan/sharetask/internal/task"
)

// Tasks creates and steers remote file tasks and keeps their records.
type Tasks interface {
	List(ctx context.Context) (data.Tasks, error)
	Get(ctx context.Context, id string) (*data.Task, error)
	Create(ctx context.Context, req CreateRequest) (*data.Task, error)
	UpdateDesiredStatus(ctx context.Context, id string, status data.TaskStatus) (*data.Task, error)
	Data(ctx context.Context, id string) ([]byte, error)
	Remove(ctx context.Context, id string) error
	// Done is closed once the task's terminal event has been delivered to
	// every reporter. It is already closed for tasks that are no longer live.
	Done(ctx context.Context, id string) (<-chan struct{}, error)
}

// CreateRequest describes a new task. Destination applies to reads only and
// is "memory" (default) or "file". Payload is carried by delete tasks.
type CreateRequest struct {
	Kind          data.TaskKind
	Path          string
	Destination   string
	DesiredStatus data.TaskStatus
	Payload       []byte
}

var (
	AllowedStatuses = map[data.TaskStatus]bool{
		data.StatusRunning:   true,
		data.StatusSuspended: true,
		data.StatusCancelled: true,
	}
)

// Options tune the tasks the service creates.
type Options struct {
	DownloadDir string
	Collision   downloadcfg.CollisionPolicy
	ChunkSize   int
	RateLimit   int
	// ResultCacheBytes bounds the finished in-memory reads and delete
	// payloads kept for Data after their tasks are released.
	ResultCacheBytes int64
}

// DefaultResultCacheBytes is used when Options.ResultCacheBytes is zero.
const DefaultResultCacheBytes = 64 << 20

var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

var _ Tasks = (*TaskService)(nil)

// TaskService is the Tasks implementation backed by a repository and one
// remote file channel. It owns the live engine tasks and releases each one
// once its terminal event is delivered.
type TaskService struct {
	repo     repo.TaskRepo
	ch       channel.Channel
	reporter task.Reporter
	opts     Options
	log      *slog.Logger

	mu   sync.Mutex
	live map[string]task.Task

	resMu   sync.Mutex
	closed  bool
	results *ristretto.Cache[string, []byte]
}

// NewTasks wires the service. reporter receives every event of every task
// the service creates, typically a reconciler feed plus the event broker.
func NewTasks(log *slog.Logger, rpo repo.TaskRepo, ch channel.Channel, reporter task.Reporter, opts Options) (*TaskService, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Collision == "" {
		opts.Collision = downloadcfg.CollisionRename
	}
	if opts.ResultCacheBytes <= 0 {
		opts.ResultCacheBytes = DefaultResultCacheBytes
	}
	results, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        10_000,
		MaxCost:            opts.ResultCacheBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("result cache: %w", err)
	}
	return &TaskService{
		repo:     rpo,
		ch:       ch,
		reporter: reporter,
		opts:     opts,
		log:      log,
		live:     make(map[string]task.Task),
		results:  results,
	}, nil
}

func (s *TaskService) List(ctx context.Context) (data.Tasks, error) {
	return s.repo.List(ctx)
}

func (s *TaskService) Get(ctx context.Context, id string) (*data.Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *TaskService) Create(ctx context.Context, req CreateRequest) (*data.Task, error) {
	if !req.Kind.Valid() {
		return nil, data.ErrBadKind
	}
	if strings.TrimSpace(req.Path) == "" {
		return nil, data.ErrPath
	}
	remote := fp.NormalizePath(req.Path)
	if remote == "/" {
		return nil, data.ErrPath
	}

	dest := ""
	if req.Kind == data.KindRead {
		dest = fp.NormalizeDestination(req.Destination)
		if dest != data.DestMemory && dest != data.DestFile {
			return nil, data.ErrBadDest
		}
		if dest == data.DestFile && s.opts.DownloadDir == "" {
			return nil, fmt.Errorf("file destination without download dir: %w", data.ErrBadDest)
		}
	}

	switch req.DesiredStatus {
	case "", data.StatusPending:
		req.DesiredStatus = data.StatusPending
	case data.StatusRunning:
	default:
		return nil, data.ErrBadStatus
	}

	rec, err := s.repo.Add(ctx, &data.Task{
		Kind:          req.Kind,
		Path:          remote,
		Destination:   dest,
		Status:        data.StatusPending,
		DesiredStatus: req.DesiredStatus,
		BytesExpected: channel.SizeUnknown,
		Fingerprint:   fp.Fingerprint(string(req.Kind), remote, dest),
	})
	if err != nil {
		return nil, err
	}

	t := s.build(rec, req.Payload)
	s.track(rec.ID, t)

	if req.DesiredStatus == data.StatusRunning {
		if err := t.Start(); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (s *TaskService) build(rec *data.Task, payload []byte) task.Task {
	opts := []task.Option{
		task.WithID(rec.ID),
		task.WithLogger(s.log),
		task.WithReporter(s.reporter),
		task.WithChunkSize(s.opts.ChunkSize),
		task.WithRateLimit(s.opts.RateLimit),
	}
	if rec.Kind == data.KindDelete {
		log := s.log.With("task_id", rec.ID, "path", rec.Path)
		return task.NewDeleteTask(s.ch, rec.Path, payload, task.DeleteHandlers{
			OnSuccess: func(*task.DeleteTask) { log.Info("remote file deleted") },
			OnFail:    func(_ *task.DeleteTask, err error) { log.Warn("remote delete did not complete", "err", err) },
		}, opts...)
	}
	var dest task.Destination
	if rec.Destination == data.DestFile {
		base := path.Base(rec.Path)
		dest = task.NewFileDestination(filepath.Join(s.opts.DownloadDir, base), s.opts.Collision).
			WithPartName(base + "." + rec.ID + ".part")
	}
	return task.NewReadTask(s.ch, rec.Path, dest, opts...)
}

// track registers t as live until its terminal event is delivered. Data a
// finished task can still serve is moved into the result cache first.
func (s *TaskService) track(id string, t task.Task) {
	s.mu.Lock()
	s.live[id] = t
	s.mu.Unlock()
	go func() {
		<-t.Done()
		s.keep(id, t)
		s.mu.Lock()
		if s.live[id] == t {
			delete(s.live, id)
		}
		s.mu.Unlock()
	}()
}

func (s *TaskService) keep(id string, t task.Task) {
	var b []byte
	switch t := t.(type) {
	case *task.DeleteTask:
		b = t.Data()
	case *task.ReadTask:
		if _, mem := t.Destination().(*task.BufferDestination); !mem || t.Status() != data.StatusCompleted {
			return
		}
		b = t.Data()
	default:
		return
	}
	if b == nil {
		b = []byte{}
	}
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if s.closed {
		return
	}
	if !s.results.Set(id, b, max(int64(len(b)), 1)) {
		s.log.Warn("task data not cached", "id", id, "bytes", len(b))
		return
	}
	s.results.Wait()
}

func (s *TaskService) cached(id string) ([]byte, bool) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if s.closed {
		return nil, false
	}
	return s.results.Get(id)
}

func (s *TaskService) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *TaskService) lookup(ctx context.Context, id string) (task.Task, error) {
	s.mu.Lock()
	t, ok := s.live[id]
	s.mu.Unlock()
	if ok {
		return t, nil
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("task %s is not loaded: %w", id, task.ErrInvalidState)
}

func (s *TaskService) UpdateDesiredStatus(ctx context.Context, id string, status data.TaskStatus) (*data.Task, error) {
	if !AllowedStatuses[status] {
		return nil, data.ErrBadStatus
	}
	t, err := s.lookup(ctx, id)
	if errors.Is(err, task.ErrInvalidState) && status == data.StatusCancelled {
		// Cancelling a released task is a no-op.
		return s.repo.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	switch status {
	case data.StatusRunning:
		switch t.Status() {
		case data.StatusPending:
			err = t.Start()
		case data.StatusSuspended:
			err = t.Resume()
		case data.StatusRunning:
		default:
			err = fmt.Errorf("run task in %s: %w", t.Status(), task.ErrInvalidState)
		}
	case data.StatusSuspended:
		err = t.Suspend()
	case data.StatusCancelled:
		t.Cancel()
	}
	if err != nil {
		return nil, err
	}

	return s.repo.Update(ctx, id, func(d *data.Task) error {
		d.DesiredStatus = status
		return nil
	})
}

// Data returns the bytes of a completed in-memory read, or the payload of a
// delete task. Released tasks are served from the result cache while it
// holds them.
func (s *TaskService) Data(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	t, ok := s.live[id]
	s.mu.Unlock()
	if !ok {
		if b, ok := s.cached(id); ok {
			return b, nil
		}
		if _, err := s.repo.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, data.ErrNoData
	}
	switch t := t.(type) {
	case *task.DeleteTask:
		return t.Data(), nil
	case *task.ReadTask:
		if _, mem := t.Destination().(*task.BufferDestination); !mem || t.Status() != data.StatusCompleted {
			return nil, data.ErrNoData
		}
		return t.Data(), nil
	}
	return nil, data.ErrNoData
}

// Remove cancels the task if it is still live and deletes its record.
func (s *TaskService) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.live[id]
	delete(s.live, id)
	s.mu.Unlock()
	if ok {
		t.Cancel()
	}
	s.resMu.Lock()
	if !s.closed {
		s.results.Del(id)
	}
	s.resMu.Unlock()
	return s.repo.Delete(ctx, id)
}

func (s *TaskService) Done(ctx context.Context, id string) (<-chan struct{}, error) {
	s.mu.Lock()
	t, ok := s.live[id]
	s.mu.Unlock()
	if ok {
		return t.Done(), nil
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return closedDone, nil
}

// Recover fails records left non-terminal by a previous process. Their
// engine state did not survive the restart.
func (s *TaskService) Recover(ctx context.Context) error {
	list, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range list {
		if rec.Status.Terminal() {
			continue
		}
		s.mu.Lock()
		_, live := s.live[rec.ID]
		s.mu.Unlock()
		if live {
			continue
		}
		if _, err := s.repo.Update(ctx, rec.ID, func(d *data.Task) error {
			d.Status = data.StatusFailed
			d.Error = "interrupted by service restart"
			return nil
		}); err != nil {
			return err
		}
		s.log.Warn("marked interrupted task failed", "id", rec.ID, "status", rec.Status)
	}
	return nil
}

// Shutdown cancels every live task and waits for their terminal
// notifications or ctx.
func (s *TaskService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]task.Task, 0, len(s.live))
	for _, t := range s.live {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
	for _, t := range tasks {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close releases the result cache. Call it after Shutdown.
func (s *TaskService) Close() {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.results.Close()
}
