package channel

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tinoosan/sharetask/internal/metrics"
)

func TestInstrumentedCountsErrorsButNotEOF(t *testing.T) {
	m := NewMemory()
	m.Put("/f", []byte("abc"))
	c := Instrument(m, "test")
	ctx := context.Background()

	if _, err := c.OpenForRead(ctx, "/nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("open err = %v", err)
	}
	h, err := c.OpenForRead(ctx, "/f")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := c.ReadChunk(ctx, h, 3, 10); !errors.Is(err, io.EOF) {
		t.Fatalf("read err = %v", err)
	}
	_ = c.Close(h)

	if got := testutil.ToFloat64(metrics.ChannelErrors.WithLabelValues("test", "open")); got != 1 {
		t.Fatalf("open errors = %v", got)
	}
	if got := testutil.ToFloat64(metrics.ChannelErrors.WithLabelValues("test", "read_chunk")); got != 0 {
		t.Fatalf("read errors = %v", got)
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
