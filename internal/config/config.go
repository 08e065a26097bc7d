package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Matching   MatchingConfig   `yaml:"matching"`
	Enrollment EnrollmentConfig `yaml:"enrollment"`
	Embedder   EmbedderConfig   `yaml:"embedder"`
	Camera     CameraConfig     `yaml:"camera"`
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
}

type MatchingConfig struct {
	Threshold float64       `yaml:"threshold"` // max Euclidean distance for a match (default 0.6)
	Grace     time.Duration `yaml:"grace"`     // camera linger after a successful verification (default 2s)
}

type EnrollmentConfig struct {
	MaxSamples int           `yaml:"max_samples"` // default 5
	Cadence    time.Duration `yaml:"cadence"`     // default 1s
	Strategy   string        `yaml:"strategy"`    // "capture" or "deferred"
}

type EmbedderConfig struct {
	Kind               string        `yaml:"kind"`    // "python" or "http"
	URL                string        `yaml:"url"`     // defaults to http://localhost:8000
	Engines            int           `yaml:"engines"` // python worker processes
	Script             string        `yaml:"script"`
	Dim                int           `yaml:"dim"`
	DetectionThreshold float64       `yaml:"detection_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
}

type CameraConfig struct {
	Device string `yaml:"device"`
	Format string `yaml:"format"` // ffmpeg input format, e.g. v4l2 or avfoundation
	FPS    int    `yaml:"fps"`
}

type DatabaseConfig struct {
	URL        string `yaml:"url"`         // PostgreSQL connection URL; empty selects SQLite
	SQLitePath string `yaml:"sqlite_path"` // defaults to facegate.sqlite3
}

type ServerConfig struct {
	Addr       string        `yaml:"addr"`
	SessionTTL time.Duration `yaml:"session_ttl"` // idle time before an abandoned session is cancelled (0 disables)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Matching: MatchingConfig{
			Threshold: 0.6,
			Grace:     2 * time.Second,
		},
		Enrollment: EnrollmentConfig{
			MaxSamples: 5,
			Cadence:    time.Second,
			Strategy:   "capture",
		},
		Embedder: EmbedderConfig{
			Kind:               "python",
			URL:                "http://localhost:8000",
			Engines:            1,
			Script:             "python/worker.py",
			Dim:                512,
			DetectionThreshold: 0.5,
			Timeout:            30 * time.Second,
		},
		Camera: CameraConfig{
			Device: "/dev/video0",
			Format: "v4l2",
			FPS:    15,
		},
		Database: DatabaseConfig{
			SQLitePath: "facegate.sqlite3",
		},
		Server: ServerConfig{
			Addr:       ":8080",
			SessionTTL: 2 * time.Minute,
		},
	}
}

// Load layers the optional YAML file at path over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.Matching.Threshold = envFloat("FACEGATE_THRESHOLD", cfg.Matching.Threshold)
	cfg.Matching.Grace = envDuration("FACEGATE_GRACE", cfg.Matching.Grace)
	cfg.Enrollment.MaxSamples = envInt("FACEGATE_MAX_SAMPLES", cfg.Enrollment.MaxSamples)
	cfg.Enrollment.Cadence = envDuration("FACEGATE_CADENCE", cfg.Enrollment.Cadence)
	cfg.Enrollment.Strategy = envString("FACEGATE_STRATEGY", cfg.Enrollment.Strategy)
	cfg.Embedder.Kind = envString("FACEGATE_EMBEDDER", cfg.Embedder.Kind)
	cfg.Embedder.URL = envString("FACEGATE_EMBEDDER_URL", cfg.Embedder.URL)
	cfg.Embedder.Engines = envInt("FACEGATE_ENGINES", cfg.Embedder.Engines)
	cfg.Embedder.Dim = envInt("FACEGATE_EMBEDDING_DIM", cfg.Embedder.Dim)
	cfg.Camera.Device = envString("FACEGATE_CAMERA_DEVICE", cfg.Camera.Device)
	cfg.Camera.Format = envString("FACEGATE_CAMERA_FORMAT", cfg.Camera.Format)
	cfg.Database.URL = envString("DATABASE_URL", cfg.Database.URL)
	if cfg.Database.URL == "" {
		cfg.Database.URL = postgresFromEnv()
	}
	cfg.Database.SQLitePath = envString("FACEGATE_SQLITE_PATH", cfg.Database.SQLitePath)
	cfg.Server.Addr = envString("FACEGATE_ADDR", cfg.Server.Addr)
	cfg.Server.SessionTTL = envDuration("FACEGATE_SESSION_TTL", cfg.Server.SessionTTL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the sessions cannot run with.
func (c *Config) Validate() error {
	if c.Matching.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %v", c.Matching.Threshold)
	}
	if c.Enrollment.MaxSamples <= 0 {
		return fmt.Errorf("max_samples must be positive, got %d", c.Enrollment.MaxSamples)
	}
	switch c.Enrollment.Strategy {
	case "capture", "deferred":
	default:
		return fmt.Errorf("unknown enrollment strategy %q (want capture or deferred)", c.Enrollment.Strategy)
	}
	switch c.Embedder.Kind {
	case "python", "http":
	default:
		return fmt.Errorf("unknown embedder %q (want python or http)", c.Embedder.Kind)
	}
	return nil
}

// postgresFromEnv builds a connection string from POSTGRES_* variables, or
// returns "" when POSTGRES_HOST is unset.
func postgresFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}
