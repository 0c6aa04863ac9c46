package repo

import (
	"context"

	"github.com/tinoosan/sharetask/internal/data"
)

// TaskRepo persists task records. Implementations must be safe for
// concurrent use.
type TaskRepo interface {
	TaskReader
	TaskWriter
}

type TaskReader interface {
	List(ctx context.Context) (data.Tasks, error)
	Get(ctx context.Context, id string) (*data.Task, error)
	// GetActiveByFingerprint returns the non-terminal record with the given
	// fingerprint, or data.ErrNotFound.
	GetActiveByFingerprint(ctx context.Context, fprint string) (*data.Task, error)
}

type TaskWriter interface {
	// Add stores a new record, assigning an ID when empty. It returns
	// data.ErrConflict when a non-terminal record shares the fingerprint.
	Add(ctx context.Context, t *data.Task) (*data.Task, error)
	// Update applies mutate to the latest copy of the record under a lock
	// and stores the result. An error from mutate aborts the update.
	Update(ctx context.Context, id string, mutate func(*data.Task) error) (*data.Task, error)
	Delete(ctx context.Context, id string) error
}
