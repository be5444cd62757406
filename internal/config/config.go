package config

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Slade66/media-fetcher/internal/job"
	"gopkg.in/yaml.v2"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	defaultListen          = ":8080"
	defaultRedisAddr       = "localhost:6379"
	defaultArtifactDir     = "downloads"
	defaultYtDlpPath       = "yt-dlp"
	defaultFFmpegPath      = "ffmpeg"
	defaultListTimeout     = 30
	defaultMaxFileSize     = 500000000
	defaultAllowedFormats  = "mp4,mp3,webm,m4a"
	defaultRetentionHours  = 24
	defaultTimeoutSeconds  = 3600
	defaultPollInterval    = 2
	defaultConcurrency     = 3
	defaultMaxAttempts     = 3
	defaultTaskTimeout     = 1800
	defaultCleanupInterval = 60
)

// ToolsConfig locates the external binaries.
type ToolsConfig struct {
	YtDlpPath           string `yaml:"yt_dlp_path"`
	FFmpegPath          string `yaml:"ffmpeg_path"`
	NoCheckCertificates bool   `yaml:"no_check_certificates"`
	ListTimeoutSeconds  int    `yaml:"list_timeout_seconds"`
}

type DownloadConfig struct {
	MaxFileSize         int64  `yaml:"max_file_size"`
	AllowedFormats      string `yaml:"allowed_formats"`
	RetentionHours      int    `yaml:"retention_hours"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// WorkerConfig sizes the consumer pool.
type WorkerConfig struct {
	Concurrency            int `yaml:"concurrency"`
	MaxAttempts            int `yaml:"max_attempts"`
	TaskTimeoutSeconds     int `yaml:"task_timeout_seconds"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
}

// OBSConfig enables the artifact mirror when every field is set.
type OBSConfig struct {
	Endpoint string `yaml:"endpoint"`
	AK       string `yaml:"ak"`
	SK       string `yaml:"sk"`
	Bucket   string `yaml:"bucket"`
}

// Config is the whole service configuration, loaded from yaml and then
// overridden by environment variables.
type Config struct {
	Listen   string `yaml:"listen"`
	BaseURL  string `yaml:"base_url"`
	LogLevel string `yaml:"log_level"`

	// AllowedOrigins is a comma separated CORS allow-list; "*" allows any.
	AllowedOrigins string `yaml:"allowed_origins"`

	RedisURL    string         `yaml:"redis_url"`
	ArtifactDir string         `yaml:"artifact_dir"`
	Tools       ToolsConfig    `yaml:"tools"`
	Download    DownloadConfig `yaml:"download"`
	Worker      WorkerConfig   `yaml:"worker"`
	OBS         OBSConfig      `yaml:"obs"`
}

func (c *Config) SetDefaults() {
	c.Listen = defaultListen
	c.LogLevel = LogLevelInfo
	c.RedisURL = "redis://" + defaultRedisAddr
	c.ArtifactDir = defaultArtifactDir
	c.Tools = ToolsConfig{
		YtDlpPath:          defaultYtDlpPath,
		FFmpegPath:         defaultFFmpegPath,
		ListTimeoutSeconds: defaultListTimeout,
	}
	c.Download = DownloadConfig{
		MaxFileSize:         defaultMaxFileSize,
		AllowedFormats:      defaultAllowedFormats,
		RetentionHours:      defaultRetentionHours,
		TimeoutSeconds:      defaultTimeoutSeconds,
		PollIntervalSeconds: defaultPollInterval,
	}
	c.Worker = WorkerConfig{
		Concurrency:            defaultConcurrency,
		MaxAttempts:            defaultMaxAttempts,
		TaskTimeoutSeconds:     defaultTaskTimeout,
		CleanupIntervalMinutes: defaultCleanupInterval,
	}
}

// Load applies defaults, then the YAML file at path (if path is not empty),
// then environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.SetDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.validate()

	return cfg, nil
}

// MustLoad is Load for main packages: it exits on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

func (c *Config) applyEnv() {
	c.Listen = getEnv("LISTEN", c.Listen)
	c.BaseURL = getEnv("BASE_URL", c.BaseURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.AllowedOrigins = getEnv("ALLOWED_ORIGINS", c.AllowedOrigins)
	c.ArtifactDir = getEnv("ARTIFACT_DIR", c.ArtifactDir)

	if url, ok := os.LookupEnv("REDIS_URL"); ok {
		c.RedisURL = url
	} else if addr, ok := os.LookupEnv("REDIS_ADDR"); ok {
		c.RedisURL = "redis://"
		if password := os.Getenv("REDIS_PASSWORD"); password != "" {
			c.RedisURL += ":" + password + "@"
		}
		c.RedisURL += addr
	}

	c.Tools.YtDlpPath = getEnv("YT_DLP_PATH", c.Tools.YtDlpPath)
	c.Tools.FFmpegPath = getEnv("FFMPEG_PATH", c.Tools.FFmpegPath)
	c.Tools.NoCheckCertificates = getEnvAsBool("NO_CHECK_CERTIFICATES", c.Tools.NoCheckCertificates)

	c.Download.MaxFileSize = int64(getEnvAsInt("MAX_DOWNLOAD_SIZE", int(c.Download.MaxFileSize)))
	c.Download.AllowedFormats = getEnv("ALLOWED_FORMATS", c.Download.AllowedFormats)
	c.Download.RetentionHours = getEnvAsInt("CLEANUP_AFTER_HOURS", c.Download.RetentionHours)
	c.Download.TimeoutSeconds = getEnvAsInt("DOWNLOAD_TIMEOUT", c.Download.TimeoutSeconds)

	c.Worker.Concurrency = getEnvAsInt("WORKER_CONCURRENCY", c.Worker.Concurrency)

	c.OBS.Endpoint = getEnv("OBS_ENDPOINT", c.OBS.Endpoint)
	c.OBS.AK = getEnv("OBS_AK", c.OBS.AK)
	c.OBS.SK = getEnv("OBS_SK", c.OBS.SK)
	c.OBS.Bucket = getEnv("OBS_BUCKET", c.OBS.Bucket)
}

// validate resets values the services cannot run with.
func (c *Config) validate() {
	if c.Worker.Concurrency < 1 {
		log.Printf("⚠️ worker.concurrency must be at least 1. Resetting to %d.", defaultConcurrency)
		c.Worker.Concurrency = defaultConcurrency
	}
	if c.Worker.MaxAttempts < 1 {
		log.Printf("⚠️ worker.max_attempts must be at least 1. Resetting to %d.", defaultMaxAttempts)
		c.Worker.MaxAttempts = defaultMaxAttempts
	}
	if c.Download.TimeoutSeconds < 1 {
		log.Printf("⚠️ download.timeout_seconds must be positive. Resetting to %d.", defaultTimeoutSeconds)
		c.Download.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.Download.PollIntervalSeconds < 1 {
		c.Download.PollIntervalSeconds = defaultPollInterval
	}
	if c.Download.RetentionHours < 1 {
		log.Printf("⚠️ download.retention_hours must be positive. Resetting to %d.", defaultRetentionHours)
		c.Download.RetentionHours = defaultRetentionHours
	}
	if len(c.Formats()) == 0 {
		log.Printf("⚠️ download.allowed_formats is empty. Resetting to %q.", defaultAllowedFormats)
		c.Download.AllowedFormats = defaultAllowedFormats
	}
	if c.Worker.TaskTimeoutSeconds < 1 {
		c.Worker.TaskTimeoutSeconds = defaultTaskTimeout
	}
	if c.Worker.CleanupIntervalMinutes < 1 {
		c.Worker.CleanupIntervalMinutes = defaultCleanupInterval
	}
	if c.Tools.ListTimeoutSeconds < 1 {
		c.Tools.ListTimeoutSeconds = defaultListTimeout
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// Origins splits allowed_origins on commas.
func (c *Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c *Config) Formats() job.Formats {
	return job.ParseFormats(c.Download.AllowedFormats)
}

// Retention is how long a completed artifact stays downloadable.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Download.RetentionHours) * time.Hour
}

func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Download.TimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Download.PollIntervalSeconds) * time.Second
}

func (c *Config) ListTimeout() time.Duration {
	return time.Duration(c.Tools.ListTimeoutSeconds) * time.Second
}

// TaskTimeout bounds one consumer handler call. Entries stay claimed by a
// consumer for this long plus a grace period before others take them over.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Worker.TaskTimeoutSeconds) * time.Second
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Worker.CleanupIntervalMinutes) * time.Minute
}

// MirrorEnabled reports whether OBS credentials are complete.
func (c *Config) MirrorEnabled() bool {
	return c.OBS.Endpoint != "" && c.OBS.AK != "" && c.OBS.SK != "" && c.OBS.Bucket != ""
}

// Logger builds the root logger for the configured level.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	lo := &slog.HandlerOptions{}
	switch c.LogLevel {
	case LogLevelDebug:
		lo.Level = slog.LevelDebug
	case LogLevelInfo:
		lo.Level = slog.LevelInfo
	case LogLevelWarn:
		lo.Level = slog.LevelWarn
	case LogLevelError:
		lo.Level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", c.LogLevel)
	}

	return slog.New(slog.NewTextHandler(w, lo)), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	str := getEnv(key, "")
	if val, err := strconv.Atoi(str); err == nil {
		return val
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	str := getEnv(key, "")
	if val, err := strconv.ParseBool(str); err == nil {
		return val
	}
	return fallback
}
