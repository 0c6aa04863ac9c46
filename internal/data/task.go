package data

import (
	"encoding/json"
	"errors"
	"io"
	"time"
)

// Task is the persisted record of one remote operation. The live state of a
// running task is owned by the task engine; the record is a reconciled copy.
type Task struct {
	ID            string     `json:"id"`
	Kind          TaskKind   `json:"kind"`
	Path          string     `json:"path"`
	Destination   string     `json:"destination,omitempty"`
	Status        TaskStatus `json:"status"`
	DesiredStatus TaskStatus `json:"desiredStatus,omitempty"`
	// BytesReceived and BytesExpected are only meaningful for read tasks.
	// BytesExpected is -1 when the channel cannot report the remote size.
	BytesReceived int64 `json:"bytesReceived"`
	BytesExpected int64 `json:"bytesExpected"`
	ResumeOffset  int64 `json:"resumeOffset,omitempty"`
	// FinalPath is the actual destination after finalization, which may
	// differ from the requested name when a collision was resolved.
	FinalPath   string    `json:"finalPath,omitempty"`
	Error       string    `json:"error,omitempty"`
	Fingerprint string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Tasks []*Task

type TaskStatus string

type TaskKind string

const (
	StatusPending   TaskStatus = "Pending"
	StatusRunning   TaskStatus = "Running"
	StatusSuspended TaskStatus = "Suspended"
	StatusCompleted TaskStatus = "Completed"
	StatusFailed    TaskStatus = "Failed"
	StatusCancelled TaskStatus = "Cancelled"
)

const (
	KindRead   TaskKind = "read"
	KindDelete TaskKind = "delete"
)

var (
	ErrNotFound  = errors.New("task not found")
	ErrBadStatus = errors.New("invalid status")
	ErrBadKind   = errors.New("invalid task kind")
	ErrPath      = errors.New("path is required")
	ErrConflict  = errors.New("an equivalent task is already live")
	ErrBadDest   = errors.New("invalid destination")
	ErrNoData    = errors.New("task has no in-memory data")
)

// Terminal reports whether no further transitions are possible from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Destinations a read task may write into.
const (
	DestMemory = "memory"
	DestFile   = "file"
)

func (k TaskKind) Valid() bool { return k == KindRead || k == KindDelete }

func (t *Tasks) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(t) }

func (t *Task) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(t) }

func (t *Task) FromJSON(r io.Reader) error { return json.NewDecoder(r).Decode(t) }

// Clone returns a copy of the record.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Clone returns a deep copy of the slice.
func (ts Tasks) Clone() Tasks {
	out := make(Tasks, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Clone())
	}
	return out
}
