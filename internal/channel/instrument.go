package channel

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/tinoosan/sharetask/internal/metrics"
)

// Instrumented records latency and error counts for every operation of the
// wrapped channel, labelled by backend name.
type Instrumented struct {
	next    Channel
	backend string
}

var _ Channel = (*Instrumented)(nil)

func Instrument(next Channel, backend string) *Instrumented {
	return &Instrumented{next: next, backend: backend}
}

func (c *Instrumented) observe(op string, start time.Time, err error) {
	metrics.ChannelLatency.WithLabelValues(c.backend, op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, io.EOF) {
		metrics.ChannelErrors.WithLabelValues(c.backend, op).Inc()
	}
}

func (c *Instrumented) OpenForRead(ctx context.Context, path string) (Handle, error) {
	start := time.Now()
	h, err := c.next.OpenForRead(ctx, path)
	c.observe("open", start, err)
	return h, err
}

func (c *Instrumented) FileSize(ctx context.Context, path string) (int64, error) {
	start := time.Now()
	n, err := c.next.FileSize(ctx, path)
	c.observe("size", start, err)
	return n, err
}

func (c *Instrumented) ReadChunk(ctx context.Context, h Handle, offset int64, max int) ([]byte, error) {
	start := time.Now()
	b, err := c.next.ReadChunk(ctx, h, offset, max)
	c.observe("read_chunk", start, err)
	return b, err
}

func (c *Instrumented) Close(h Handle) error {
	start := time.Now()
	err := c.next.Close(h)
	c.observe("close", start, err)
	return err
}

func (c *Instrumented) Delete(ctx context.Context, path string) error {
	start := time.Now()
	err := c.next.Delete(ctx, path)
	c.observe("delete", start, err)
	return err
}

// Ping forwards to the wrapped channel when it supports liveness checks.
func (c *Instrumented) Ping(ctx context.Context) error {
	if p, ok := c.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
