// Package config loads the client configuration: defaults first, then an
// optional YAML file, then environment overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Kodylow/Nostrit/internal/job"
	"github.com/Kodylow/Nostrit/internal/relay"
)

type Config struct {
	Relays  []string      `yaml:"relays"`
	Network NetworkConfig `yaml:"network"`
	Jobs    job.Config    `yaml:"jobs"`
	Dedup   DedupConfig   `yaml:"dedup"`
	Wallet  WalletConfig  `yaml:"wallet"`
	Signer  SignerConfig  `yaml:"signer"`
	DataDir string        `yaml:"dataDir"`
	// Passphrase seals key material and job state on disk. Prefer the
	// NOSTRIT_PASSPHRASE environment variable over the file.
	Passphrase string `yaml:"passphrase"`
	LogLevel   string `yaml:"logLevel"`
}

type NetworkConfig struct {
	relay.Config         `yaml:",inline"`
	PublishRatePerSecond float64 `yaml:"publishRatePerSecond"`
	PublishBurst         int     `yaml:"publishBurst"`
}

type DedupConfig struct {
	WindowSize int `yaml:"windowSize"`
}

type WalletConfig struct {
	ConnectURI string `yaml:"connectUri"`
}

type SignerConfig struct {
	BunkerURL string `yaml:"bunkerUrl"`
}

func DefaultConfig() Config {
	return Config{
		Relays: []string{
			"wss://relay.damus.io",
			"wss://nostr.swiss-enigma.ch",
			"wss://relay.f7z.io",
		},
		Network: NetworkConfig{
			Config:               relay.DefaultConfig(),
			PublishRatePerSecond: 2,
			PublishBurst:         5,
		},
		Jobs:     job.DefaultConfig(),
		Dedup:    DedupConfig{WindowSize: 8192},
		DataDir:  defaultDataDir(),
		LogLevel: "info",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nostrit"
	}
	return home + "/.nostrit"
}

// LoadFromPath resolves the effective configuration. A missing or unreadable
// file falls back to defaults; environment overrides always apply last.
func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates, "configs/config.yaml")
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return normalize(merged)
	}

	ApplyEnvOverrides(&cfg)
	return normalize(cfg)
}

// Merge copies populated fields of src over dst. Zero values in src keep the
// existing setting.
func Merge(dst *Config, src Config) {
	if src.Relays != nil {
		dst.Relays = src.Relays
	}
	if src.Network.DialTimeout != 0 {
		dst.Network.DialTimeout = src.Network.DialTimeout
	}
	if src.Network.PublishTimeout != 0 {
		dst.Network.PublishTimeout = src.Network.PublishTimeout
	}
	if src.Network.ReconnectInterval != 0 {
		dst.Network.ReconnectInterval = src.Network.ReconnectInterval
	}
	if src.Network.ReconnectBackoffMax != 0 {
		dst.Network.ReconnectBackoffMax = src.Network.ReconnectBackoffMax
	}
	if src.Network.PublishRatePerSecond != 0 {
		dst.Network.PublishRatePerSecond = src.Network.PublishRatePerSecond
	}
	if src.Network.PublishBurst != 0 {
		dst.Network.PublishBurst = src.Network.PublishBurst
	}
	if src.Jobs.RequestKind != 0 {
		dst.Jobs.RequestKind = src.Jobs.RequestKind
	}
	if src.Jobs.ResultKind != 0 {
		dst.Jobs.ResultKind = src.Jobs.ResultKind
	}
	if src.Jobs.DefaultJobType != "" {
		dst.Jobs.DefaultJobType = src.Jobs.DefaultJobType
	}
	if src.Jobs.DefaultBidMsat != 0 {
		dst.Jobs.DefaultBidMsat = src.Jobs.DefaultBidMsat
	}
	if src.Dedup.WindowSize != 0 {
		dst.Dedup.WindowSize = src.Dedup.WindowSize
	}
	if src.Wallet.ConnectURI != "" {
		dst.Wallet.ConnectURI = src.Wallet.ConnectURI
	}
	if src.Signer.BunkerURL != "" {
		dst.Signer.BunkerURL = src.Signer.BunkerURL
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Passphrase != "" {
		dst.Passphrase = src.Passphrase
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

// ApplyEnvOverrides applies NOSTRIT_* environment variables on top of the
// current settings.
func ApplyEnvOverrides(cfg *Config) {
	if raw := strings.TrimSpace(os.Getenv("NOSTRIT_RELAYS")); raw != "" {
		relays := make([]string, 0, 4)
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				relays = append(relays, part)
			}
		}
		if len(relays) > 0 {
			cfg.Relays = relays
		}
	}
	if raw := strings.TrimSpace(os.Getenv("NOSTRIT_DATA_DIR")); raw != "" {
		cfg.DataDir = raw
	}
	if raw := strings.TrimSpace(os.Getenv("NOSTRIT_PASSPHRASE")); raw != "" {
		cfg.Passphrase = raw
	}
	if raw := strings.TrimSpace(os.Getenv("NOSTRIT_WALLET_CONNECT_URI")); raw != "" {
		cfg.Wallet.ConnectURI = raw
	}
	if raw := strings.TrimSpace(os.Getenv("NOSTRIT_BUNKER_URL")); raw != "" {
		cfg.Signer.BunkerURL = raw
	}
	if raw := strings.TrimSpace(os.Getenv("NOSTRIT_LOG_LEVEL")); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := strings.TrimSpace(os.Getenv("NOSTRIT_JOB_KIND")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Jobs.RequestKind = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("NOSTRIT_RESULT_KIND")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Jobs.ResultKind = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("NOSTRIT_PUBLISH_TIMEOUT")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.Network.PublishTimeout = d
		}
	}
}

func normalize(cfg Config) Config {
	if len(cfg.Relays) == 0 {
		cfg.Relays = DefaultConfig().Relays
	}
	if cfg.Dedup.WindowSize <= 0 {
		cfg.Dedup.WindowSize = 8192
	}
	if cfg.Network.PublishRatePerSecond <= 0 {
		cfg.Network.PublishRatePerSecond = DefaultConfig().Network.PublishRatePerSecond
	}
	if cfg.Network.PublishBurst <= 0 {
		cfg.Network.PublishBurst = DefaultConfig().Network.PublishBurst
	}
	return cfg
}
