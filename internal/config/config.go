package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config enumerates every recognized option. Zero values are never relied
// on; Default fills in each field.
type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Storage    StorageConfig    `yaml:"storage"`
	Batch      BatchConfig      `yaml:"batch"`
	Run        RunConfig        `yaml:"run"`
	Transform  TransformConfig  `yaml:"transform"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type SourceConfig struct {
	Mode             string        `yaml:"mode"`    // "simulated" | "live", empty: simulated when Pattern is set
	Pattern          string        `yaml:"pattern"` // parquet archive glob
	Seed             int64         `yaml:"seed"`
	EmptyProbability float64       `yaml:"empty_probability"`
	MeanAlerts       float64       `yaml:"mean_alerts"`
	MaxAlerts        int           `yaml:"max_alerts"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	NATSURL          string        `yaml:"nats_url"`
	Subject          string        `yaml:"subject"`
	Queue            string        `yaml:"queue"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"` // "local" | "gcs" | "s3" | "mem" | "url"
	Dir        string `yaml:"dir"`
	Bucket     string `yaml:"bucket"`
	URL        string `yaml:"url"`
	Prefix     string `yaml:"prefix"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

type BatchConfig struct {
	ChunkLen      int    `yaml:"chunklen"`
	ChunkStart    int    `yaml:"chunk_start"`
	NChunks       int    `yaml:"nchunks"`
	Strategy      string `yaml:"strategy"` // "files" | "objects"
	ReformatEvery int    `yaml:"reformat_every"`
}

type RunConfig struct {
	Jobs        int    `yaml:"jobs"`
	NPolls      int    `yaml:"npolls"`
	Distributed bool   `yaml:"distributed"`
	Workers     int    `yaml:"workers"`
	Transport   string `yaml:"transport"` // "local" | "nats"
	NATSURL     string `yaml:"nats_url"`
	Subject     string `yaml:"subject"`
}

type TransformConfig struct {
	PortalURL        string `yaml:"portal_url"`
	TimeDecimals     int    `yaml:"time_decimals"`
	PositionDecimals int    `yaml:"position_decimals"`
	PixelDecimals    int    `yaml:"pixel_decimals"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Source: SourceConfig{
			EmptyProbability: 0.3,
			MeanAlerts:       3,
			MaxAlerts:        1,
			MaxTimeout:       5 * time.Second,
			NATSURL:          "nats://127.0.0.1:4222",
			Subject:          "fink.lsst.alerts",
		},
		Storage: StorageConfig{
			Backend: "local",
			Dir:     "./data/fink_stream/",
		},
		Batch: BatchConfig{
			ChunkLen:      100,
			ChunkStart:    0,
			NChunks:       -1,
			Strategy:      "files",
			ReformatEvery: 1,
		},
		Run: RunConfig{
			Jobs:      -1,
			NPolls:    -1,
			Workers:   1,
			Transport: "local",
			NATSURL:   "nats://127.0.0.1:4222",
			Subject:   "thump.dispatch",
		},
		Transform: TransformConfig{
			PortalURL:        "https://lsst.fink-portal.org/",
			TimeDecimals:     4,
			PositionDecimals: 7,
			PixelDecimals:    1,
		},
		Checkpoint: CheckpointConfig{
			Dir: "./data/checkpoints/",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads the optional YAML file at path over the defaults, then applies
// THUMP_* environment overrides. It does not validate; call Validate once
// all overrides (e.g. CLI flags) are applied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		slog.Debug("loading config file", "path", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Source.Pattern = getenvDefault("THUMP_PATTERN", cfg.Source.Pattern)
	cfg.Source.Mode = getenvDefault("THUMP_SOURCE_MODE", cfg.Source.Mode)
	cfg.Source.NATSURL = getenvDefault("THUMP_SOURCE_NATS_URL", cfg.Source.NATSURL)
	cfg.Source.Subject = getenvDefault("THUMP_SOURCE_SUBJECT", cfg.Source.Subject)
	cfg.Source.MaxAlerts = getenvInt("THUMP_MAXALERTS", cfg.Source.MaxAlerts)
	if v := os.Getenv("THUMP_MAXTIMEOUT"); v != "" {
		if d, err := parseTimeout(v); err == nil {
			cfg.Source.MaxTimeout = d
		}
	}

	cfg.Storage.Backend = getenvDefault("THUMP_STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Dir = getenvDefault("THUMP_SAVE", cfg.Storage.Dir)
	cfg.Storage.Bucket = getenvDefault("THUMP_STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.Prefix = getenvDefault("THUMP_STORAGE_PREFIX", cfg.Storage.Prefix)

	cfg.Batch.ChunkLen = getenvInt("THUMP_CHUNKLEN", cfg.Batch.ChunkLen)
	cfg.Batch.Strategy = getenvDefault("THUMP_REFORMAT_STRATEGY", cfg.Batch.Strategy)

	cfg.Run.Jobs = getenvInt("THUMP_NJOBS", cfg.Run.Jobs)
	cfg.Run.NPolls = getenvInt("THUMP_NPOLLS", cfg.Run.NPolls)
	cfg.Run.Workers = getenvInt("THUMP_WORKERS", cfg.Run.Workers)
	cfg.Run.Transport = getenvDefault("THUMP_TRANSPORT", cfg.Run.Transport)
	cfg.Run.NATSURL = getenvDefault("THUMP_NATS_URL", cfg.Run.NATSURL)

	cfg.Checkpoint.Enabled = getenvDefault("THUMP_CHECKPOINT", strconv.FormatBool(cfg.Checkpoint.Enabled)) == "true"
	cfg.Metrics.Address = getenvDefault("THUMP_METRICS_ADDR", cfg.Metrics.Address)
	cfg.Logging.Level = getenvDefault("THUMP_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getenvDefault("THUMP_LOG_FORMAT", cfg.Logging.Format)
}

// ParseTimeout accepts a Go duration ("1.5s") or a plain number of seconds.
func ParseTimeout(v string) (time.Duration, error) {
	return parseTimeout(v)
}

func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// SourceMode returns the effective source mode.
func (c Config) SourceMode() string {
	if c.Source.Mode != "" {
		return c.Source.Mode
	}
	if c.Source.Pattern != "" {
		return "simulated"
	}
	return "live"
}

// Validate checks the configuration once at startup.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.SourceMode() {
	case "simulated":
		if !strings.HasSuffix(c.Source.Pattern, ".parquet") {
			add("source.pattern %q has to end with .parquet", c.Source.Pattern)
		}
		if c.Source.EmptyProbability < 0 || c.Source.EmptyProbability > 1 {
			add("source.empty_probability must be within [0,1], got %v", c.Source.EmptyProbability)
		}
	case "live":
		if c.Source.Subject == "" {
			add("source.subject is required for the live source")
		}
	default:
		add("unknown source.mode %q", c.Source.Mode)
	}
	if c.Source.MaxTimeout <= 0 {
		add("source.max_timeout must be positive, got %s", c.Source.MaxTimeout)
	}

	if c.Batch.ChunkLen < 1 {
		add("batch.chunklen must be >= 1, got %d", c.Batch.ChunkLen)
	}
	if c.Batch.ChunkStart < 0 {
		add("batch.chunk_start must be >= 0, got %d", c.Batch.ChunkStart)
	}
	if c.Batch.ReformatEvery < 1 {
		add("batch.reformat_every must be >= 1, got %d", c.Batch.ReformatEvery)
	}
	switch strings.ToLower(c.Batch.Strategy) {
	case "files", "objects":
	default:
		add("batch.strategy must be files or objects, got %q", c.Batch.Strategy)
	}

	if c.Run.Jobs == 0 {
		add("run.jobs must be positive or negative, not 0")
	}
	switch c.Run.Transport {
	case "local", "nats":
	default:
		add("run.transport must be local or nats, got %q", c.Run.Transport)
	}

	for name, d := range map[string]int{
		"time_decimals":     c.Transform.TimeDecimals,
		"position_decimals": c.Transform.PositionDecimals,
	} {
		if d < 0 || d > 15 {
			add("transform.%s must be within [0,15], got %d", name, d)
		}
	}
	if c.Transform.PixelDecimals > 15 {
		add("transform.pixel_decimals must be <= 15, got %d", c.Transform.PixelDecimals)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ResolveJobs turns a worker-pool size into a concrete count. Positive
// values are used as-is; -1 means all available cores and n < -1 means
// available+1+n, so -2 leaves one core free. The result is at least 1.
func ResolveJobs(n, available int) int {
	if available < 1 {
		available = 1
	}
	jobs := n
	if n < 0 {
		jobs = available + 1 + n
	}
	if jobs < 1 {
		jobs = 1
	}
	return jobs
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}
