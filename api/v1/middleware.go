package v1

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tinoosan/sharetask/internal/reqid"
)

type rwLogger struct {
	http.ResponseWriter
	status int
	bytes  int
	err    error
}

func (w *rwLogger) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *rwLogger) SetErr(err error) {
	w.err = err
}

func (w *rwLogger) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack lets the websocket upgrade pass through the logger.
func (w *rwLogger) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("%T does not support hijacking", w.ResponseWriter)
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

type errorSetter interface {
	SetErr(error)
}

func markErr(w http.ResponseWriter, err error) {
	if es, ok := w.(errorSetter); ok {
		es.SetErr(err)
	}
}

type ctxKeyCreate struct{}
type ctxKeyPatch struct{}

func MiddlewareTaskValidation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body createBody
		if err := decodeJSONStrict(w, r, &body, maxBodyBytes, "application/json"); err != nil {
			markErr(w, err)
			if errors.Is(err, ErrContentType) {
				http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
				return
			}
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		if body.Status != "" {
			markErr(w, ErrReadOnly)
			http.Error(w, ErrReadOnly.Error(), http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyCreate{}, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func MiddlewarePatchDesired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body patchBody
		if err := decodeJSONStrict(w, r, &body, maxBodyBytes, "application/json"); err != nil {
			markErr(w, err)
			if errors.Is(err, ErrContentType) {
				http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.DesiredStatus == "" {
			markErr(w, ErrDesiredStatusJSON)
			http.Error(w, ErrDesiredStatusJSON.Error(), http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyPatch{}, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Log writes one access log line per request, at error level when the
// handler marked an error.
func (h *TaskHandler) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		rw := &rwLogger{ResponseWriter: w}
		next.ServeHTTP(rw, r)
		if rw.status == 0 {
			rw.status = http.StatusOK
		}
		l := reqid.Logger(r.Context(), h.l)
		attrs := []any{
			"method", r.Method,
			"url", r.URL.Path,
			"status", rw.status,
			"remote", r.RemoteAddr,
			"ua", r.UserAgent(),
			"dur_ms", time.Since(startTime).Milliseconds(),
			"bytes", rw.bytes,
		}
		if rw.err != nil {
			l.Error(rw.err.Error(), attrs...)
			return
		}
		l.Info("request", attrs...)
	})
}
