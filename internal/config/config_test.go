package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	for _, k := range []string{
		"FACEGATE_THRESHOLD", "FACEGATE_GRACE", "FACEGATE_MAX_SAMPLES", "FACEGATE_CADENCE",
		"FACEGATE_STRATEGY", "FACEGATE_EMBEDDER", "FACEGATE_EMBEDDER_URL", "FACEGATE_ENGINES",
		"FACEGATE_EMBEDDING_DIM", "FACEGATE_CAMERA_DEVICE", "FACEGATE_CAMERA_FORMAT",
		"DATABASE_URL", "POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_USER", "POSTGRES_PASSWORD",
		"POSTGRES_DB", "FACEGATE_SQLITE_PATH", "FACEGATE_ADDR", "FACEGATE_SESSION_TTL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Matching.Threshold != 0.6 || cfg.Matching.Grace != 2*time.Second {
		t.Errorf("Unexpected matching defaults %+v", cfg.Matching)
	}
	if cfg.Enrollment.MaxSamples != 5 || cfg.Enrollment.Cadence != time.Second {
		t.Errorf("Unexpected enrollment defaults %+v", cfg.Enrollment)
	}
	if cfg.Database.URL != "" {
		t.Errorf("Expected SQLite by default, got database url %q", cfg.Database.URL)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "facegate.yaml")
	os.WriteFile(path, []byte(`
matching:
  threshold: 0.45
  grace: 500ms
enrollment:
  max_samples: 3
  strategy: deferred
embedder:
  kind: http
  url: http://embedder:8000
`), 0644)

	t.Setenv("FACEGATE_MAX_SAMPLES", "8")
	t.Setenv("FACEGATE_CADENCE", "250ms")
	t.Setenv("FACEGATE_ENGINES", "not-a-number")
	t.Setenv("FACEGATE_SESSION_TTL", "30s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"threshold from yaml", cfg.Matching.Threshold, 0.45},
		{"grace from yaml", cfg.Matching.Grace, 500 * time.Millisecond},
		{"max samples from env", cfg.Enrollment.MaxSamples, 8},
		{"cadence from env", cfg.Enrollment.Cadence, 250 * time.Millisecond},
		{"strategy from yaml", cfg.Enrollment.Strategy, "deferred"},
		{"embedder url from yaml", cfg.Embedder.URL, "http://embedder:8000"},
		{"invalid env keeps default", cfg.Embedder.Engines, 1},
		{"session ttl from env", cfg.Server.SessionTTL, 30 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_PostgresFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "gate")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "facegate")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if want := "postgres://gate:secret@db:5432/facegate"; cfg.Database.URL != want {
		t.Errorf("Expected %q, got %q", want, cfg.Database.URL)
	}

	t.Setenv("DATABASE_URL", "postgres://explicit/x")
	cfg, _ = Load("")
	if cfg.Database.URL != "postgres://explicit/x" {
		t.Errorf("DATABASE_URL should win, got %q", cfg.Database.URL)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"Bad strategy", "enrollment:\n  strategy: sometimes\n"},
		{"Bad embedder", "embedder:\n  kind: carrier-pigeon\n"},
		{"Zero samples", "enrollment:\n  max_samples: 0\n"},
		{"Not yaml", "matching: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			path := filepath.Join(t.TempDir(), "c.yaml")
			os.WriteFile(path, []byte(tt.yaml), 0644)
			if _, err := Load(path); err == nil {
				t.Error("Expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
