// Package events fans task events out to live subscribers such as the
// websocket stream. Publishing never blocks: a subscriber that falls behind
// loses events rather than stalling the task that produced them.
package events

import (
	"log/slog"
	"sync"

	"github.com/tinoosan/sharetask/internal/task"
)

const defaultBuffer = 64

type subscriber struct {
	taskID string
	ch     chan task.Event
}

// Broker is a task.Reporter that forwards each event to every matching
// subscriber.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
	log    *slog.Logger
}

var _ task.Reporter = (*Broker)(nil)

func NewBroker(log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{subs: make(map[*subscriber]struct{}), buffer: defaultBuffer, log: log}
}

// Subscribe registers interest in one task's events, or in all tasks when
// taskID is empty. The returned function unsubscribes and closes the
// channel; it is safe to call more than once.
func (b *Broker) Subscribe(taskID string) (<-chan task.Event, func()) {
	s := &subscriber{taskID: taskID, ch: make(chan task.Event, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *Broker) Report(e task.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.taskID != "" && s.taskID != e.TaskID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.log.Warn("dropping event for slow subscriber", "task_id", e.TaskID, "type", e.Type)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
