// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tinoosan/sharetask/internal/channel/s3"
	"github.com/tinoosan/sharetask/internal/channel/smb"
	"github.com/tinoosan/sharetask/internal/downloadcfg"
	"github.com/tinoosan/sharetask/internal/repo"
	"github.com/tinoosan/sharetask/internal/service"
	"github.com/tinoosan/sharetask/internal/task"
)

const (
	BackendSMB    = "smb"
	BackendS3     = "s3"
	BackendMemory = "mem"

	RepoMemory   = "memory"
	RepoPostgres = "postgres"
)

type Config struct {
	Addr     string
	Backend  string
	Repo     string
	LogFile  string
	LogLevel slog.Level

	SMB      smb.Config
	S3       s3.Config
	Postgres repo.PostgresConfig

	DownloadDir string
	Collision   downloadcfg.CollisionPolicy
	ChunkSize   int
	RateLimit   int

	ResultCacheBytes int
	ShutdownTimeout  time.Duration
}

// FromEnv builds a Config from environment variables, applying defaults
// for anything unset. Malformed numbers are reported rather than ignored.
func FromEnv() (Config, error) {
	c := Config{
		Addr:    getenv("SHARETASK_ADDR", ":9090"),
		Backend: strings.ToLower(getenv("SHARETASK_BACKEND", BackendMemory)),
		Repo:    strings.ToLower(getenv("SHARETASK_REPO", RepoMemory)),
		LogFile: os.Getenv("LOG_FILE"),
		SMB: smb.Config{
			Host:     getenv("SMB_HOST", "localhost"),
			Port:     getenv("SMB_PORT", "445"),
			User:     os.Getenv("SMB_USER"),
			Password: os.Getenv("SMB_PASSWORD"),
			Domain:   os.Getenv("SMB_DOMAIN"),
			Share:    os.Getenv("SMB_SHARE"),
		},
		S3: s3.Config{
			Endpoint:  getenv("S3_ENDPOINT", "localhost:9000"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    os.Getenv("S3_BUCKET"),
		},
		Postgres: repo.PostgresConfig{
			Host:     getenv("POSTGRES_HOST", "postgres"),
			Port:     getenv("POSTGRES_PORT", "5432"),
			DB:       getenv("POSTGRES_DB", "sharetask"),
			User:     getenv("POSTGRES_USER", "sharetask"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			SSLMode:  getenv("POSTGRES_SSLMODE", "disable"),
		},
		DownloadDir: os.Getenv("SHARETASK_DOWNLOAD_DIR"),
		Collision:   downloadcfg.ParseCollisionPolicy(os.Getenv("SHARETASK_COLLISION_POLICY")),
	}

	var err error
	if c.ChunkSize, err = getint("SHARETASK_CHUNK_SIZE", task.DefaultChunkSize); err != nil {
		return c, err
	}
	if c.RateLimit, err = getint("SHARETASK_RATE_LIMIT", 0); err != nil {
		return c, err
	}
	if c.ResultCacheBytes, err = getint("SHARETASK_RESULT_CACHE_BYTES", service.DefaultResultCacheBytes); err != nil {
		return c, err
	}
	if c.S3.UseSSL, err = getbool("S3_USE_SSL", false); err != nil {
		return c, err
	}
	if c.ShutdownTimeout, err = getduration("SHARETASK_SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return c, err
	}
	if err := c.LogLevel.UnmarshalText([]byte(getenv("LOG_LEVEL", "INFO"))); err != nil {
		return c, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return c, c.validate()
}

func (c Config) validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendSMB:
		if c.SMB.Share == "" {
			return fmt.Errorf("SMB_SHARE is required for the smb backend")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 backend")
		}
	default:
		return fmt.Errorf("SHARETASK_BACKEND: unknown backend %q", c.Backend)
	}
	if c.Repo != RepoMemory && c.Repo != RepoPostgres {
		return fmt.Errorf("SHARETASK_REPO: unknown repo %q", c.Repo)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("SHARETASK_CHUNK_SIZE must be positive")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("SHARETASK_RATE_LIMIT must not be negative")
	}
	if c.ResultCacheBytes <= 0 {
		return fmt.Errorf("SHARETASK_RESULT_CACHE_BYTES must be positive")
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func getbool(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", k, err)
	}
	return b, nil
}

func getduration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}
