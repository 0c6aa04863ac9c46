// Package smb provides a channel.Channel over an SMB2/3 share.
package smb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hirochachacha/go-smb2"

	"github.com/tinoosan/sharetask/internal/channel"
)

// NTSTATUS codes the channel translates into channel errors.
const (
	statusNoSuchFile            = 0xC000000F
	statusAccessDenied          = 0xC0000022
	statusObjectNameNotFound    = 0xC0000034
	statusObjectPathNotFound    = 0xC000003A
	statusSharingViolation      = 0xC0000043
	statusLogonFailure          = 0xC000006D
	statusBadNetworkName        = 0xC00000CC
	statusNetworkNameDeleted    = 0xC00000C9
	statusUserSessionDeleted    = 0xC0000203
	statusNetworkSessionExpired = 0xC000035C
)

type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Domain   string
	Share    string
	// DialTimeout bounds one TCP connect attempt.
	DialTimeout time.Duration
	// MaxDialElapsed bounds the total time spent retrying a connect.
	MaxDialElapsed time.Duration
}

// Channel is a connected share. It reconnects lazily after the connection
// is lost; in-flight operations still fail with channel.ErrConnectionLost.
type Channel struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	session *smb2.Session
	share   *smb2.Share
}

type handle struct {
	name string
	f    *smb2.File
	once sync.Once
}

func (h *handle) Name() string { return h.name }

var _ channel.Channel = (*Channel)(nil)
var _ channel.Pinger = (*Channel)(nil)

// Dial connects and mounts the configured share, retrying transient
// failures with exponential backoff.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*Channel, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Port == "" {
		cfg.Port = "445"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.MaxDialElapsed <= 0 {
		cfg.MaxDialElapsed = 30 * time.Second
	}
	c := &Channel{cfg: cfg, log: log.With("backend", "smb", "host", cfg.Host, "share", cfg.Share)}
	if _, err := c.mount(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Channel) mount(ctx context.Context) (*smb2.Share, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.share != nil {
		return c.share, nil
	}

	op := func() error {
		d := net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.cfg.Host, c.cfg.Port))
		if err != nil {
			return err
		}
		sd := &smb2.Dialer{
			Initiator: &smb2.NTLMInitiator{
				User:     c.cfg.User,
				Password: c.cfg.Password,
				Domain:   c.cfg.Domain,
			},
		}
		s, err := sd.DialContext(ctx, conn)
		if err != nil {
			_ = conn.Close()
			if hasStatus(err, statusLogonFailure, statusAccessDenied) {
				return backoff.Permanent(err)
			}
			return err
		}
		fs, err := s.Mount(c.cfg.Share)
		if err != nil {
			_ = s.Logoff()
			if hasStatus(err, statusBadNetworkName, statusAccessDenied) {
				return backoff.Permanent(err)
			}
			return err
		}
		c.session, c.share = s, fs
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.cfg.MaxDialElapsed
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		c.log.Warn("smb connect failed, retrying", "err", err, "next", next)
	})
	if err != nil {
		return nil, mapErr("mount", c.cfg.Share, err)
	}
	c.log.Info("smb share mounted")
	return c.share, nil
}

// drop forgets a broken connection so the next operation redials.
func (c *Channel) drop(err error) {
	if !errors.Is(err, channel.ErrConnectionLost) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.share == nil {
		return
	}
	_ = c.share.Umount()
	_ = c.session.Logoff()
	c.share, c.session = nil, nil
	c.log.Warn("smb connection dropped")
}

func (c *Channel) Ping(ctx context.Context) error {
	_, err := c.mount(ctx)
	return err
}

func (c *Channel) OpenForRead(ctx context.Context, path string) (channel.Handle, error) {
	fs, err := c.mount(ctx)
	if err != nil {
		return nil, err
	}
	name := sharePath(path)
	f, err := fs.WithContext(ctx).Open(name)
	if err != nil {
		err = mapErr("open", path, err)
		c.drop(err)
		return nil, err
	}
	return &handle{name: path, f: f}, nil
}

func (c *Channel) FileSize(ctx context.Context, path string) (int64, error) {
	fs, err := c.mount(ctx)
	if err != nil {
		return 0, err
	}
	fi, err := fs.WithContext(ctx).Stat(sharePath(path))
	if err != nil {
		err = mapErr("stat", path, err)
		c.drop(err)
		return 0, err
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("stat %s: is a directory: %w", path, channel.ErrNotFound)
	}
	return fi.Size(), nil
}

func (c *Channel) ReadChunk(ctx context.Context, h channel.Handle, offset int64, max int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, channel.FromContext(err)
	}
	sh, ok := h.(*handle)
	if !ok {
		return nil, fmt.Errorf("read: foreign handle %T", h)
	}
	buf := make([]byte, max)
	n, err := sh.f.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) {
		if n == 0 {
			return nil, io.EOF
		}
		return buf[:n], io.EOF
	}
	if err != nil {
		err = mapErr("read", sh.name, err)
		c.drop(err)
		return nil, err
	}
	return buf[:n], nil
}

func (c *Channel) Close(h channel.Handle) error {
	sh, ok := h.(*handle)
	if !ok || sh == nil {
		return nil
	}
	var err error
	sh.once.Do(func() {
		if err = sh.f.Close(); err != nil {
			c.log.Debug("close handle", "path", sh.name, "err", err)
		}
	})
	return err
}

func (c *Channel) Delete(ctx context.Context, path string) error {
	fs, err := c.mount(ctx)
	if err != nil {
		return err
	}
	if err := fs.WithContext(ctx).Remove(sharePath(path)); err != nil {
		err = mapErr("delete", path, err)
		c.drop(err)
		return err
	}
	return nil
}

// Logoff unmounts the share and ends the session.
func (c *Channel) Logoff() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.share == nil {
		return nil
	}
	_ = c.share.Umount()
	err := c.session.Logoff()
	c.share, c.session = nil, nil
	return err
}

// sharePath converts a slash path into the share-relative form go-smb2
// expects: backslash separated without a leading separator.
func sharePath(p string) string {
	p = strings.ReplaceAll(p, "/", `\`)
	return strings.TrimLeft(p, `\`)
}

func hasStatus(err error, codes ...uint32) bool {
	var re *smb2.ResponseError
	if !errors.As(err, &re) {
		return false
	}
	for _, c := range codes {
		if re.Code == c {
			return true
		}
	}
	return false
}

func mapErr(op, path string, err error) error {
	var sentinel error
	var nerr net.Error
	switch {
	case hasStatus(err, statusNoSuchFile, statusObjectNameNotFound, statusObjectPathNotFound, statusBadNetworkName):
		sentinel = channel.ErrNotFound
	case hasStatus(err, statusAccessDenied, statusSharingViolation, statusLogonFailure):
		sentinel = channel.ErrAccessDenied
	case hasStatus(err, statusNetworkNameDeleted, statusUserSessionDeleted, statusNetworkSessionExpired):
		sentinel = channel.ErrConnectionLost
	case errors.Is(err, os.ErrNotExist):
		sentinel = channel.ErrNotFound
	case errors.Is(err, os.ErrPermission):
		sentinel = channel.ErrAccessDenied
	case errors.Is(err, context.DeadlineExceeded):
		sentinel = channel.ErrTimeout
	case errors.As(err, &nerr) && nerr.Timeout():
		sentinel = channel.ErrTimeout
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.As(err, &nerr):
		sentinel = channel.ErrConnectionLost
	default:
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
	return fmt.Errorf("%s %s: %w: %v", op, path, sentinel, err)
}
