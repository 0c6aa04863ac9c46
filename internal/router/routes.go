package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/tinoosan/sharetask/api/v1"
	"github.com/tinoosan/sharetask/internal/auth"
	"github.com/tinoosan/sharetask/internal/channel"
	"github.com/tinoosan/sharetask/internal/events"
	"github.com/tinoosan/sharetask/internal/service"
)

const readyTimeout = 2 * time.Second

// New sets up the application routes and required middleware. ready is
// pinged by /readyz; nil means always ready.
func New(logger *slog.Logger, svc service.Tasks, broker *events.Broker, ready channel.Pinger) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()
			if err := ready.Ping(ctx); err != nil {
				logger.Warn("readiness check failed", "err", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	taskHandler := v1.NewTaskHandler(logger, svc, broker)

	r.Use(v1.RequestID)
	r.Use(taskHandler.Log)
	r.Use(auth.Middleware)

	api := r.PathPrefix("/v1").Subrouter()

	// GETs
	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/tasks", taskHandler.GetTasks)
	get.HandleFunc("/tasks/{id}", taskHandler.GetTask)
	get.HandleFunc("/tasks/{id}/data", taskHandler.GetTaskData)
	get.HandleFunc("/tasks/{id}/events", taskHandler.StreamEvents)
	get.HandleFunc("/events", taskHandler.StreamEvents)

	// POSTs
	post := api.Methods("POST").Subrouter()
	post.HandleFunc("/tasks", taskHandler.AddTask)
	post.Use(v1.MiddlewareTaskValidation)

	// PATCHes
	patch := api.Methods("PATCH").Subrouter()
	patch.HandleFunc("/tasks/{id}", taskHandler.UpdateTask)
	patch.Use(v1.MiddlewarePatchDesired)

	// DELETEs
	del := api.Methods("DELETE").Subrouter()
	del.HandleFunc("/tasks/{id}", taskHandler.DeleteTask)

	return r
}
