// Package channel defines the remote file primitives the task engine consumes
// and the backends that provide them.
package channel

import (
	"context"
	"errors"
)

// SizeUnknown is returned by FileSize when the backend cannot report a size.
const SizeUnknown int64 = -1

var (
	ErrNotFound       = errors.New("remote file not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrConnectionLost = errors.New("connection lost")
	ErrTimeout        = errors.New("remote operation timed out")
)

// Handle identifies a remote file opened for reading.
type Handle interface {
	Name() string
}

// Channel is an open, usable connection context against one share.
//
// ReadChunk returns io.EOF once offset reaches the end of the file. It may
// return data together with io.EOF. Close must be idempotent and callable
// after any prior error.
type Channel interface {
	OpenForRead(ctx context.Context, path string) (Handle, error)
	FileSize(ctx context.Context, path string) (int64, error)
	ReadChunk(ctx context.Context, h Handle, offset int64, max int) ([]byte, error)
	Close(h Handle) error
	Delete(ctx context.Context, path string) error
}

// Pinger is implemented by channels that can check liveness of the
// underlying connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Transient reports whether err is a failure a caller may retry by starting a
// fresh task or resuming a suspended one.
func Transient(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrTimeout)
}

// FromContext maps context errors onto channel errors so backends report
// deadline expiry uniformly.
func FromContext(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return err
	}
}
