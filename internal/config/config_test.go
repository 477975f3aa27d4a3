package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if len(cfg.Relays) != 3 {
		t.Fatalf("expected 3 default relays, got %v", cfg.Relays)
	}
	if cfg.Jobs.RequestKind != 68005 || cfg.Jobs.ResultKind != 68006 {
		t.Fatalf("unexpected job kinds %+v", cfg.Jobs)
	}
	if cfg.Dedup.WindowSize != 8192 {
		t.Fatalf("unexpected dedup window %d", cfg.Dedup.WindowSize)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
}

func TestLoadFromPathMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
relays:
  - wss://relay.one.example
  - wss://relay.two.example
network:
  publishTimeout: 9s
jobs:
  defaultJobType: translation
  defaultBidMsat: 2500
dataDir: /tmp/nostrit-test
logLevel: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := LoadFromPath(path)
	if len(cfg.Relays) != 2 || cfg.Relays[0] != "wss://relay.one.example" {
		t.Fatalf("file relays not applied: %v", cfg.Relays)
	}
	if cfg.Network.PublishTimeout != 9*time.Second {
		t.Fatalf("file timeout not applied: %v", cfg.Network.PublishTimeout)
	}
	if cfg.Jobs.DefaultJobType != "translation" || cfg.Jobs.DefaultBidMsat != 2500 {
		t.Fatalf("job overrides not applied: %+v", cfg.Jobs)
	}
	if cfg.DataDir != "/tmp/nostrit-test" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Jobs.RequestKind != 68005 {
		t.Fatalf("default request kind lost: %d", cfg.Jobs.RequestKind)
	}
	if cfg.Network.DialTimeout == 0 {
		t.Fatal("default dial timeout lost")
	}
}

func TestLoadFromPathMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadFromPath(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if len(cfg.Relays) != 3 {
		t.Fatalf("expected defaults, got %v", cfg.Relays)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logLevel: warn\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("NOSTRIT_RELAYS", " wss://env.one , wss://env.two ,")
	t.Setenv("NOSTRIT_LOG_LEVEL", "debug")
	t.Setenv("NOSTRIT_JOB_KIND", "70001")
	t.Setenv("NOSTRIT_RESULT_KIND", "70002")
	t.Setenv("NOSTRIT_PUBLISH_TIMEOUT", "3s")
	t.Setenv("NOSTRIT_PASSPHRASE", "env-passphrase")
	t.Setenv("NOSTRIT_DATA_DIR", "/tmp/env-data")

	cfg := LoadFromPath(path)
	if len(cfg.Relays) != 2 || cfg.Relays[1] != "wss://env.two" {
		t.Fatalf("env relays not applied: %v", cfg.Relays)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("env should win over file, got %q", cfg.LogLevel)
	}
	if cfg.Jobs.RequestKind != 70001 || cfg.Jobs.ResultKind != 70002 {
		t.Fatalf("kind overrides not applied: %+v", cfg.Jobs)
	}
	if cfg.Network.PublishTimeout != 3*time.Second {
		t.Fatalf("timeout override not applied: %v", cfg.Network.PublishTimeout)
	}
	if cfg.Passphrase != "env-passphrase" || cfg.DataDir != "/tmp/env-data" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestEnvOverridesIgnoreInvalidValues(t *testing.T) {
	t.Setenv("NOSTRIT_JOB_KIND", "not-a-number")
	t.Setenv("NOSTRIT_PUBLISH_TIMEOUT", "soon")

	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)
	if cfg.Jobs.RequestKind != 68005 {
		t.Fatalf("invalid kind should be ignored, got %d", cfg.Jobs.RequestKind)
	}
	if cfg.Network.PublishTimeout != DefaultConfig().Network.PublishTimeout {
		t.Fatalf("invalid duration should be ignored, got %v", cfg.Network.PublishTimeout)
	}
}

func TestNormalizeRepairsBadValues(t *testing.T) {
	cfg := normalize(Config{Dedup: DedupConfig{WindowSize: -1}})
	if len(cfg.Relays) != 3 {
		t.Fatalf("empty relay set should fall back to defaults, got %v", cfg.Relays)
	}
	if cfg.Dedup.WindowSize != 8192 {
		t.Fatalf("negative window should reset, got %d", cfg.Dedup.WindowSize)
	}
	if cfg.Network.PublishRatePerSecond <= 0 || cfg.Network.PublishBurst <= 0 {
		t.Fatalf("rate limit settings should repair, got %+v", cfg.Network)
	}
}
