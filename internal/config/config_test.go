package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("storage_path: /tmp/custom\nmax_attempts: 5\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(Default(), path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.StoragePath != "/tmp/custom" {
		t.Fatalf("expected overridden storage path, got %q", cfg.StoragePath)
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("expected overridden max attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.ListenAddr != Default().ListenAddr {
		t.Fatalf("expected listen addr to remain default, got %q", cfg.ListenAddr)
	}
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	cfg, err := LoadFile(Default(), "/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg != Default() {
		t.Fatalf("expected unchanged defaults")
	}
}

func TestLoadEnvOverridesLayer(t *testing.T) {
	t.Setenv("MESHCORE_DISPLAY_NAME", "alice")
	t.Setenv("MESHCORE_MAX_ATTEMPTS", "7")

	cfg, err := LoadEnv(Default())
	if err != nil {
		t.Fatalf("load env: %v", err)
	}
	if cfg.DisplayName != "alice" {
		t.Fatalf("expected display name from env, got %q", cfg.DisplayName)
	}
	if cfg.MaxAttempts != 7 {
		t.Fatalf("expected max attempts from env, got %d", cfg.MaxAttempts)
	}
}

func TestBindFlagsIsHighestPrecedence(t *testing.T) {
	t.Setenv("MESHCORE_DISPLAY_NAME", "from-env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg, err := Load(fs, []string{"--display-name=from-flag"}, "/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DisplayName != "from-flag" {
		t.Fatalf("expected flag to win over env, got %q", cfg.DisplayName)
	}
}
