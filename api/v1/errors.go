package v1

import (
	"errors"
	"net/http"

	"github.com/tinoosan/sharetask/internal/data"
	"github.com/tinoosan/sharetask/internal/task"
)

var (
	ErrTaskCtx           = errors.New("task request missing in context")
	ErrDesiredStatus     = errors.New("desired status missing in context")
	ErrDesiredStatusJSON = errors.New("desired status is required")
	ErrContentType       = errors.New("Content-Type must be application/json")
	ErrReadOnly          = errors.New("status and progress fields are read-only")
)

// statusFor maps service and engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, data.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, data.ErrBadStatus),
		errors.Is(err, data.ErrBadKind),
		errors.Is(err, data.ErrPath),
		errors.Is(err, data.ErrBadDest):
		return http.StatusBadRequest
	case errors.Is(err, data.ErrConflict),
		errors.Is(err, data.ErrNoData),
		errors.Is(err, task.ErrInvalidState),
		errors.Is(err, task.ErrNotResumable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	markErr(w, err)
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	http.Error(w, msg, code)
}
