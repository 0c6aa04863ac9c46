package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tinoosan/sharetask/internal/task"
)

const writeTimeout = 5 * time.Second

// Event is the wire form of a task event on the websocket stream.
type Event struct {
	TaskID   string    `json:"taskId"`
	Kind     string    `json:"kind"`
	Type     string    `json:"type"`
	Written  int64     `json:"written,omitempty"`
	Received *int64    `json:"received,omitempty"`
	Expected *int64    `json:"expected,omitempty"`
	Offset   int64     `json:"offset,omitempty"`
	Path     string    `json:"path,omitempty"`
	Size     *int64    `json:"size,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

func wireEvent(e task.Event) Event {
	out := Event{
		TaskID: e.TaskID,
		Kind:   string(e.Kind),
		Type:   string(e.Type),
		Offset: e.Offset,
		At:     e.At.UTC(),
	}
	if p := e.Progress; p != nil {
		out.Written = p.Written
		out.Received, out.Expected = &p.Received, &p.Expected
	}
	if res := e.Result; res != nil {
		out.Path = res.Path
		out.Size = &res.Size
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return out
}

// StreamEvents upgrades to a websocket and streams task events as JSON
// messages. With an {id} route variable only that task's events are sent
// and the stream ends after its terminal event.
func (h *TaskHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// Subscribe before looking at the task so its terminal event is either
	// buffered here or already reflected by finished.
	ch, unsubscribe := h.broker.Subscribe(id)
	defer unsubscribe()

	var finished <-chan struct{}
	if id != "" {
		done, err := h.svc.Done(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		finished = done
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		markErr(w, err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "unexpected exit")

	// Client messages are ignored; CloseRead ends ctx when the peer leaves.
	ctx := c.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-finished:
			// Everything the task reported is already buffered in ch.
			for {
				select {
				case e, ok := <-ch:
					if !ok {
						c.Close(websocket.StatusGoingAway, "stream closed")
						return
					}
					if err := h.send(ctx, c, e); err != nil {
						return
					}
					if e.Type.Terminal() {
						c.Close(websocket.StatusNormalClosure, "task finished")
						return
					}
				default:
					c.Close(websocket.StatusNormalClosure, "task finished")
					return
				}
			}
		case e, ok := <-ch:
			if !ok {
				c.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if err := h.send(ctx, c, e); err != nil {
				return
			}
			if id != "" && e.Type.Terminal() {
				c.Close(websocket.StatusNormalClosure, "task finished")
				return
			}
		}
	}
}

func (h *TaskHandler) send(ctx context.Context, c *websocket.Conn, e task.Event) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, c, wireEvent(e)); err != nil {
		h.l.Debug("event stream write", "err", err)
		return err
	}
	return nil
}
