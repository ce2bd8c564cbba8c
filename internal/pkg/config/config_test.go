package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromPath(t *testing.T) {
	// Save original env vars
	origPort := os.Getenv("MESH_SERVER__PORT")
	defer func() {
		if origPort != "" {
			os.Setenv("MESH_SERVER__PORT", origPort)
		} else {
			os.Unsetenv("MESH_SERVER__PORT")
		}
	}()

	t.Run("defaults without file", func(t *testing.T) {
		os.Unsetenv("MESH_SERVER__PORT")

		cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("LoadFromPath() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Storage.Type != "sqlite" {
			t.Errorf("storage type = %q, want sqlite", cfg.Storage.Type)
		}
		if cfg.Bus.Journal.QueueSize != 256 {
			t.Errorf("journal queue size = %v, want 256", cfg.Bus.Journal.QueueSize)
		}
	})

	t.Run("yaml file values", func(t *testing.T) {
		os.Unsetenv("MESH_SERVER__PORT")

		path := filepath.Join(t.TempDir(), "config.yaml")
		yaml := `
server:
  port: 9100
bus:
  safe_mode: true
  auto_document:
    - wizard.*
    - automation.run.completed
extractor:
  max_gap: 72h
`
		if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}

		cfg, err := LoadFromPath(path)
		if err != nil {
			t.Fatalf("LoadFromPath() error = %v", err)
		}

		if cfg.Server.Port != 9100 {
			t.Errorf("port = %v, want 9100", cfg.Server.Port)
		}
		if !cfg.Bus.SafeMode {
			t.Errorf("safe_mode = false, want true")
		}
		if len(cfg.Bus.AutoDocument) != 2 {
			t.Errorf("auto_document = %v, want 2 entries", cfg.Bus.AutoDocument)
		}
		if cfg.Extractor.MaxGap != "72h" {
			t.Errorf("max_gap = %q, want 72h", cfg.Extractor.MaxGap)
		}
	})

	t.Run("env var port override", func(t *testing.T) {
		os.Setenv("MESH_SERVER__PORT", "9000")

		cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("LoadFromPath() error = %v", err)
		}

		if cfg.Server.Port != 9000 {
			t.Errorf("port = %v, want 9000", cfg.Server.Port)
		}
	})
}

func TestSubstituteEnvVars(t *testing.T) {
	// Set test env var
	os.Setenv("TEST_VAR", "test-value")
	defer os.Unsetenv("TEST_VAR")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "${TEST_VAR}",
			want:  "test-value",
		},
		{
			name:  "substitution in string",
			input: "prefix-${TEST_VAR}-suffix",
			want:  "prefix-test-value-suffix",
		},
		{
			name:  "no substitution",
			input: "plain-string",
			want:  "plain-string",
		},
		{
			name:  "undefined var",
			input: "${UNDEFINED_VAR}",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("150ms", time.Second); got != 150*time.Millisecond {
		t.Errorf("Duration(150ms) = %v, want 150ms", got)
	}
	if got := Duration("", time.Second); got != time.Second {
		t.Errorf("Duration(empty) = %v, want fallback", got)
	}
	if got := Duration("garbage", 2*time.Second); got != 2*time.Second {
		t.Errorf("Duration(garbage) = %v, want fallback", got)
	}
}
