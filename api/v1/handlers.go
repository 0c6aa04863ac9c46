package v1

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tinoosan/sharetask/internal/data"
	"github.com/tinoosan/sharetask/internal/events"
	"github.com/tinoosan/sharetask/internal/reqid"
	"github.com/tinoosan/sharetask/internal/service"
)

type TaskHandler struct {
	l      *slog.Logger
	svc    service.Tasks
	broker *events.Broker
}

type createBody struct {
	Kind          string `json:"kind"`
	Path          string `json:"path"`
	Destination   string `json:"destination,omitempty"`
	DesiredStatus string `json:"desiredStatus,omitempty"`
	// Payload is opaque caller data kept by delete tasks (base64 in JSON).
	Payload []byte `json:"payload,omitempty"`
	Status  string `json:"status,omitempty"`
}

type patchBody struct {
	DesiredStatus string `json:"desiredStatus"`
}

func NewTaskHandler(l *slog.Logger, svc service.Tasks, broker *events.Broker) *TaskHandler {
	return &TaskHandler{l: l, svc: svc, broker: broker}
}

func (h *TaskHandler) GetTasks(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := list.ToJSON(w); err != nil {
		markErr(w, err)
	}
}

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = t.ToJSON(w)
}

func (h *TaskHandler) AddTask(w http.ResponseWriter, r *http.Request) {
	body, ok := r.Context().Value(ctxKeyCreate{}).(createBody)
	if !ok {
		markErr(w, ErrTaskCtx)
		http.Error(w, ErrTaskCtx.Error(), http.StatusInternalServerError)
		return
	}
	t, err := h.svc.Create(r.Context(), service.CreateRequest{
		Kind:          data.TaskKind(body.Kind),
		Path:          body.Path,
		Destination:   body.Destination,
		DesiredStatus: data.TaskStatus(body.DesiredStatus),
		Payload:       body.Payload,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	reqid.Logger(r.Context(), h.l).Info("task created", "id", t.ID, "kind", t.Kind, "path", t.Path)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/v1/tasks/"+t.ID)
	w.WriteHeader(http.StatusCreated)
	_ = t.ToJSON(w)
}

func (h *TaskHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	body, ok := r.Context().Value(ctxKeyPatch{}).(patchBody)
	if !ok || body.DesiredStatus == "" {
		markErr(w, ErrDesiredStatus)
		http.Error(w, ErrDesiredStatus.Error(), http.StatusInternalServerError)
		return
	}
	updated, err := h.svc.UpdateDesiredStatus(r.Context(), mux.Vars(r)["id"], data.TaskStatus(body.DesiredStatus))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = updated.ToJSON(w)
}

func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTaskData serves the bytes of a finished in-memory read, or a delete
// task's payload.
func (h *TaskHandler) GetTaskData(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Data(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(b); err != nil {
		markErr(w, err)
	}
}
