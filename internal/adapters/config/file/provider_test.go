package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glancehq/eventmesh/internal/pkg/config"
)

func TestNewProvider_RequiresPath(t *testing.T) {
	if _, err := NewProvider(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestProvider_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9200
bus:
  default_owner: acme
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	p, err := NewProvider(path)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer p.Close()

	cfg, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("port = %d, want 9200", cfg.Server.Port)
	}
	if cfg.Bus.DefaultOwner != "acme" {
		t.Errorf("default_owner = %q, want acme", cfg.Bus.DefaultOwner)
	}
}

func TestProvider_Load_MissingFileUsesDefaults(t *testing.T) {
	p, err := NewProvider(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer p.Close()

	cfg, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Server.Port)
	}
}

func TestProvider_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9300\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	p, err := NewProvider(path)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *config.Config, 1)
	if err := p.Watch(ctx, func(cfg *config.Config) {
		select {
		case changed <- cfg:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Rewrite in place so fsnotify reports a write, not a rename.
	if err := os.WriteFile(path, []byte("server:\n  port: 9301\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-changed:
		if cfg.Server.Port != 9301 {
			t.Errorf("reloaded port = %d, want 9301", cfg.Server.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never reported the change")
	}
}
