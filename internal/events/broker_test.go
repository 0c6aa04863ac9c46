package events

import (
	"io"
	"log/slog"
	"testing"

	"github.com/tinoosan/sharetask/internal/task"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBrokerFiltersByTask(t *testing.T) {
	b := NewBroker(quiet())
	one, unsubOne := b.Subscribe("a")
	all, unsubAll := b.Subscribe("")
	defer unsubOne()
	defer unsubAll()

	b.Report(task.Event{TaskID: "a", Type: task.EventStart})
	b.Report(task.Event{TaskID: "b", Type: task.EventStart})

	if e := <-one; e.TaskID != "a" {
		t.Fatalf("unexpected event %+v", e)
	}
	select {
	case e := <-one:
		t.Fatalf("subscriber for a got %+v", e)
	default:
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 events for wildcard subscriber, got %d", len(all))
	}
}

func TestBrokerNeverBlocks(t *testing.T) {
	b := NewBroker(quiet())
	b.buffer = 1
	ch, unsub := b.Subscribe("")
	defer unsub()
	for i := 0; i < 10; i++ {
		b.Report(task.Event{TaskID: "a", Type: task.EventProgress})
	}
	if len(ch) != 1 {
		t.Fatalf("expected buffered event only, got %d", len(ch))
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker(quiet())
	ch, unsub := b.Subscribe("a")
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	if n := b.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
	b.Report(task.Event{TaskID: "a"})
}
