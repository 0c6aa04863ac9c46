package repo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/sharetask/internal/data"
)

type InMemoryTaskRepo struct {
	mu    sync.RWMutex
	tasks data.Tasks
	now   func() time.Time
}

var _ TaskRepo = (*InMemoryTaskRepo)(nil)

func NewInMemoryTaskRepo() *InMemoryTaskRepo {
	return &InMemoryTaskRepo{
		tasks: make(data.Tasks, 0),
		now:   time.Now,
	}
}

func (r *InMemoryTaskRepo) List(ctx context.Context) (data.Tasks, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks.Clone(), nil
}

func (r *InMemoryTaskRepo) Get(ctx context.Context, id string) (*data.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, err := r.findByID(id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (r *InMemoryTaskRepo) GetActiveByFingerprint(ctx context.Context, fprint string) (*data.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t := r.findActive(fprint, ""); t != nil {
		return t.Clone(), nil
	}
	return nil, data.ErrNotFound
}

func (r *InMemoryTaskRepo) Add(ctx context.Context, t *data.Task) (*data.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Fingerprint != "" && !t.Status.Terminal() && r.findActive(t.Fingerprint, "") != nil {
		return nil, data.ErrConflict
	}
	c := t.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := r.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.tasks = append(r.tasks, c)
	return c.Clone(), nil
}

func (r *InMemoryTaskRepo) Update(ctx context.Context, id string, mutate func(*data.Task) error) (*data.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.findByID(id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.ID, next.CreatedAt = cur.ID, cur.CreatedAt
	if *next == *cur {
		return cur.Clone(), nil
	}
	if next.Fingerprint != "" && !next.Status.Terminal() && r.findActive(next.Fingerprint, id) != nil {
		return nil, data.ErrConflict
	}
	next.UpdatedAt = r.now().UTC()
	*cur = *next
	return cur.Clone(), nil
}

func (r *InMemoryTaskRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tasks {
		if t.ID == id {
			r.tasks = append(r.tasks[:i], r.tasks[i+1:]...)
			return nil
		}
	}
	return data.ErrNotFound
}

func (r *InMemoryTaskRepo) findByID(id string) (*data.Task, error) {
	for _, t := range r.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, data.ErrNotFound
}

func (r *InMemoryTaskRepo) findActive(fprint, except string) *data.Task {
	for _, t := range r.tasks {
		if t.ID != except && t.Fingerprint == fprint && !t.Status.Terminal() {
			return t
		}
	}
	return nil
}
