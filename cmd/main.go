package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tinoosan/sharetask/internal/channel"
	"github.com/tinoosan/sharetask/internal/channel/s3"
	"github.com/tinoosan/sharetask/internal/channel/smb"
	"github.com/tinoosan/sharetask/internal/config"
	"github.com/tinoosan/sharetask/internal/events"
	"github.com/tinoosan/sharetask/internal/metrics"
	"github.com/tinoosan/sharetask/internal/reconciler"
	"github.com/tinoosan/sharetask/internal/repo"
	"github.com/tinoosan/sharetask/internal/router"
	"github.com/tinoosan/sharetask/internal/service"
	"github.com/tinoosan/sharetask/internal/task"
)

func main() {
	if err := run(); err != nil {
		slog.Error("sharetask exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		defer lj.Close()
		out = io.MultiWriter(os.Stdout, lj)
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.LogLevel})).
		With("service", "sharetask")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	ch, closeCh, err := openChannel(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer closeCh()
	instrumented := channel.Instrument(ch, cfg.Backend)

	rpo, closeRepo, err := openRepo(ctx, cfg)
	if err != nil {
		return fmt.Errorf("repo: %w", err)
	}
	defer closeRepo()

	feed := make(chan task.Event, 1024)
	rec := reconciler.New(logger, rpo, feed)
	broker := events.NewBroker(logger)
	svc, err := service.NewTasks(logger, rpo, instrumented, task.MultiReporter{task.NewChanReporter(feed), broker}, service.Options{
		DownloadDir:      cfg.DownloadDir,
		Collision:        cfg.Collision,
		ChunkSize:        cfg.ChunkSize,
		RateLimit:        cfg.RateLimit,
		ResultCacheBytes: int64(cfg.ResultCacheBytes),
	})
	if err != nil {
		return fmt.Errorf("tasks: %w", err)
	}
	defer svc.Close()
	if err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}

	server := &http.Server{
		Addr:        cfg.Addr,
		Handler:     router.New(logger, svc, broker, instrumented),
		IdleTimeout: 120 * time.Second,
		ReadTimeout: 5 * time.Second,
		// No WriteTimeout: event streams are long-lived.
	}

	rec.Run()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting sharetask API", "addr", server.Addr, "backend", cfg.Backend, "repo", cfg.Repo)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			logger.Error("http shutdown", "err", err)
		}
		if err := svc.Shutdown(sctx); err != nil {
			logger.Warn("tasks did not finish before shutdown deadline", "err", err)
		}
		rec.Stop()
		return nil
	})
	return g.Wait()
}

func openChannel(ctx context.Context, cfg config.Config, log *slog.Logger) (channel.Channel, func(), error) {
	switch cfg.Backend {
	case config.BackendSMB:
		c, err := smb.Dial(ctx, cfg.SMB, log)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {
			if err := c.Logoff(); err != nil {
				log.Warn("smb logoff", "err", err)
			}
		}, nil
	case config.BackendS3:
		c, err := s3.New(ctx, cfg.S3, log)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	default:
		log.Warn("using in-memory backend; files do not persist")
		return channel.NewMemory(), func() {}, nil
	}
}

func openRepo(ctx context.Context, cfg config.Config) (repo.TaskRepo, func(), error) {
	if cfg.Repo == config.RepoPostgres {
		r, err := repo.NewPostgresRepo(ctx, cfg.Postgres.DSN())
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	}
	return repo.NewInMemoryTaskRepo(), func() {}, nil
}
