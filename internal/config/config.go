// Package config centralizes how filesync reads environment variables and
// exposes them as strongly typed Go values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration shared by the intake server, the
// sync worker and the CLI.
type Config struct {
	Address           string
	SharedRoot        string
	MaxFileSize       int64
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	LogLevel  string
	LogFormat string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	WorkerCount   int

	DatabaseURL string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Bucket    string
}

const (
	defaultAddress           = "0.0.0.0:5000"
	defaultSharedRoot        = "/shared"
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultWorkerCount       = 2
	defaultS3Bucket          = "filesync-archive"
)

// Load reads configuration from the environment, falling back to defaults. A
// .env file in the working directory is honoured when present; variables
// already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	p := &parser{}
	cfg := &Config{
		Address:           readEnv("FILESYNC_ADDRESS", defaultAddress),
		SharedRoot:        readEnv("FILESYNC_SHARED_ROOT", defaultSharedRoot),
		MaxFileSize:       p.int64("FILESYNC_MAX_FILE_BYTES", 0),
		ReadHeaderTimeout: p.duration("FILESYNC_READ_HEADER_TIMEOUT", defaultReadHeaderTimeout),
		ShutdownTimeout:   p.duration("FILESYNC_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		LogLevel:          readEnv("FILESYNC_LOG_LEVEL", defaultLogLevel),
		LogFormat:         strings.ToLower(readEnv("FILESYNC_LOG_FORMAT", defaultLogFormat)),
		RedisAddr:         readEnv("FILESYNC_REDIS_ADDR", ""),
		RedisPassword:     readEnv("FILESYNC_REDIS_PASSWORD", ""),
		RedisDB:           p.int("FILESYNC_REDIS_DB", 0),
		WorkerCount:       p.int("FILESYNC_WORKERS", defaultWorkerCount),
		DatabaseURL:       readEnv("FILESYNC_DATABASE_URL", ""),
		S3Endpoint:        readEnv("FILESYNC_S3_ENDPOINT", ""),
		S3AccessKey:       readEnv("FILESYNC_S3_ACCESS_KEY", ""),
		S3SecretKey:       readEnv("FILESYNC_S3_SECRET_KEY", ""),
		S3Region:          readEnv("FILESYNC_S3_REGION", ""),
		S3Bucket:          readEnv("FILESYNC_S3_BUCKET", defaultS3Bucket),
	}
	if p.err != nil {
		return nil, p.err
	}
	if cfg.MaxFileSize < 0 {
		return nil, fmt.Errorf("FILESYNC_MAX_FILE_BYTES must not be negative")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("FILESYNC_LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}
	return cfg, nil
}

// NotificationsEnabled reports whether file:synced tasks should be enqueued.
func (c *Config) NotificationsEnabled() bool {
	return c.RedisAddr != ""
}

// ArchiveEnabled reports whether the worker should mirror files to S3.
func (c *Config) ArchiveEnabled() bool {
	return c.S3Endpoint != ""
}

// ValidateSharedRoot checks that the shared root exists, is a directory and
// accepts new files. Intake cannot work without it so callers treat a failure
// as fatal.
func (c *Config) ValidateSharedRoot() error {
	info, err := os.Stat(c.SharedRoot)
	if err != nil {
		return fmt.Errorf("shared root %s: %w", c.SharedRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("shared root %s is not a directory", c.SharedRoot)
	}
	check, err := os.CreateTemp(c.SharedRoot, ".filesync-check-*")
	if err != nil {
		return fmt.Errorf("shared root %s is not writable: %w", c.SharedRoot, err)
	}
	name := check.Name()
	_ = check.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("remove write check file: %w", err)
	}
	return nil
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// parser keeps the first parse failure so Load can report it after building
// the whole struct.
type parser struct {
	err error
}

func (p *parser) int64(key string, def int64) int64 {
	v := readEnv(key, "")
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return parsed
}

func (p *parser) int(key string, def int) int {
	v := readEnv(key, "")
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return parsed
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := readEnv(key, "")
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return parsed
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", key, err)
	}
}
