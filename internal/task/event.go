package task

import (
	"time"

	"github.com/tinoosan/sharetask/internal/data"
)

// Event is the single internal notification every task transition produces.
// Delegates, handler pairs and reporters all consume the same Event.
//
// Terminal events (Complete, Failed, Cancelled) are emitted exactly once per
// task. Progress events carry per-chunk detail; Suspended and Resumed events
// carry the byte offset at which the transfer stopped or continues.
type Event struct {
	TaskID   string
	Kind     data.TaskKind
	Type     EventType
	Progress *Progress
	Offset   int64
	Result   *Result
	Err      error
	At       time.Time
}

// EventType defines the set of events that tasks may emit.
type EventType string

const (
	EventStart     EventType = "Start"
	EventProgress  EventType = "Progress"
	EventSuspended EventType = "Suspended"
	EventResumed   EventType = "Resumed"
	EventComplete  EventType = "Complete"
	EventFailed    EventType = "Failed"
	EventCancelled EventType = "Cancelled"
)

// Terminal reports whether the event ends the task's observable lifecycle.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventFailed || t == EventCancelled
}

// Progress describes one chunk written by a read task.
type Progress struct {
	Written  int64
	Received int64
	// Expected is -1 when the channel could not report the remote size.
	Expected int64
}

// Result is what a finished read produced. Path is the actual final
// location for file destinations, which may differ from the requested one.
// Data is populated for in-memory destinations.
type Result struct {
	Path string
	Data []byte
	Size int64
}
