// Package s3 exposes an S3-compatible bucket as a channel.Channel. The
// bucket plays the role of the share and object keys the role of paths.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tinoosan/sharetask/internal/channel"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Channel struct {
	client *minio.Client
	bucket string
	log    *slog.Logger
}

type handle struct {
	key  string
	size int64
}

func (h *handle) Name() string { return h.key }

var _ channel.Channel = (*Channel)(nil)
var _ channel.Pinger = (*Channel)(nil)

// New creates the client and verifies the bucket exists.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Channel, error) {
	if log == nil {
		log = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	c := &Channel{client: client, bucket: cfg.Bucket, log: log.With("backend", "s3", "bucket", cfg.Bucket)}
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Channel) Ping(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return mapErr("ping", c.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s: %w", c.bucket, channel.ErrNotFound)
	}
	return nil
}

func (c *Channel) OpenForRead(ctx context.Context, p string) (channel.Handle, error) {
	key := objectKey(p)
	info, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, mapErr("open", p, err)
	}
	return &handle{key: key, size: info.Size}, nil
}

func (c *Channel) FileSize(ctx context.Context, p string) (int64, error) {
	info, err := c.client.StatObject(ctx, c.bucket, objectKey(p), minio.StatObjectOptions{})
	if err != nil {
		return 0, mapErr("stat", p, err)
	}
	if info.Size < 0 {
		return channel.SizeUnknown, nil
	}
	return info.Size, nil
}

func (c *Channel) ReadChunk(ctx context.Context, h channel.Handle, offset int64, max int) ([]byte, error) {
	oh, ok := h.(*handle)
	if !ok {
		return nil, fmt.Errorf("read: foreign handle %T", h)
	}
	if offset >= oh.size {
		return nil, io.EOF
	}
	end := offset + int64(max)
	if end > oh.size {
		end = oh.size
	}
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, end-1); err != nil {
		return nil, fmt.Errorf("read %s: %w", oh.key, err)
	}
	obj, err := c.client.GetObject(ctx, c.bucket, oh.key, opts)
	if err != nil {
		return nil, mapErr("read", oh.key, err)
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapErr("read", oh.key, err)
	}
	if len(b) == 0 {
		return nil, io.EOF
	}
	return b, nil
}

// Close is a no-op: range reads hold no server-side state.
func (c *Channel) Close(channel.Handle) error { return nil }

func (c *Channel) Delete(ctx context.Context, p string) error {
	key := objectKey(p)
	// RemoveObject succeeds for missing keys; stat first to report them.
	if _, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{}); err != nil {
		return mapErr("delete", p, err)
	}
	if err := c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return mapErr("delete", p, err)
	}
	c.log.Debug("object removed", "key", key)
	return nil
}

func objectKey(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func mapErr(op, p string, err error) error {
	resp := minio.ToErrorResponse(err)
	var sentinel error
	var nerr net.Error
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound:
		sentinel = channel.ErrNotFound
	case resp.Code == "AccessDenied" || resp.StatusCode == http.StatusForbidden:
		sentinel = channel.ErrAccessDenied
	case errors.Is(err, context.DeadlineExceeded):
		sentinel = channel.ErrTimeout
	case errors.As(err, &nerr) && nerr.Timeout():
		sentinel = channel.ErrTimeout
	case errors.As(err, &nerr), errors.Is(err, io.ErrUnexpectedEOF):
		sentinel = channel.ErrConnectionLost
	default:
		return fmt.Errorf("%s %s: %w", op, p, err)
	}
	return fmt.Errorf("%s %s: %w: %v", op, p, sentinel, err)
}
