package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lazypower/compound/internal/engine"
)

// Config holds all compound configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Decay       DecayConfig       `yaml:"decay"`
	Compounding CompoundingConfig `yaml:"compounding"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type ServerConfig struct {
	Bind            string        `yaml:"bind"`
	Port            int           `yaml:"port"`
	RetrieveTimeout time.Duration `yaml:"retrieve_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty resolves to ~/.compound/compound.db
}

type EmbedderConfig struct {
	Provider   string `yaml:"provider"` // "hash" or "ollama"
	Dimensions int    `yaml:"dimensions"`
	OllamaURL  string `yaml:"ollama_url"`
	Model      string `yaml:"model"` // e.g. "nomic-embed-text"
	CacheSize  int64  `yaml:"cache_size"`
}

type RetrievalConfig struct {
	SimilarityWeight   float64 `yaml:"similarity_weight"`
	DecayWeight        float64 `yaml:"decay_weight"`
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`
	VoiceThreshold     float64 `yaml:"voice_threshold"`
	RelatedThreshold   float64 `yaml:"related_threshold"`
	MinCandidates      int     `yaml:"min_candidates"`
	Oversample         int     `yaml:"oversample"`
	IndexRetries       int     `yaml:"index_retries"`
}

type DecayConfig struct {
	HalfLifeDays       float64 `yaml:"half_life_days"`
	MaxBoost           float64 `yaml:"max_boost"`
	BoostScale         float64 `yaml:"boost_scale"`
	AccessHalfLifeDays float64 `yaml:"access_half_life_days"`
	StaleDays          int     `yaml:"stale_days"`
	PruneDays          int     `yaml:"prune_days"`
}

type CompoundingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Schedule        string `yaml:"schedule"` // cron spec, e.g. "@daily" or "0 3 * * *"
	RemoveStale     bool   `yaml:"remove_stale"`
	MergeDuplicates bool   `yaml:"merge_duplicates"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Environment overrides.
const (
	EnvConfig = "COMPOUND_CONFIG"
	EnvDB     = "COMPOUND_DB"
	EnvOllama = "OLLAMA_HOST"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:            "127.0.0.1",
			Port:            37780,
			RetrieveTimeout: 2 * time.Second,
		},
		Embedder: EmbedderConfig{
			Provider:   "hash",
			Dimensions: 512,
			OllamaURL:  "http://localhost:11434",
			Model:      "nomic-embed-text",
			CacheSize:  4096,
		},
		Retrieval: RetrievalConfig{
			SimilarityWeight:   0.7,
			DecayWeight:        0.3,
			DuplicateThreshold: 0.92,
			VoiceThreshold:     0.3,
			RelatedThreshold:   0.8,
			MinCandidates:      12,
			Oversample:         3,
			IndexRetries:       3,
		},
		Decay: DecayConfig{
			HalfLifeDays:       30,
			MaxBoost:           0.3,
			BoostScale:         5,
			AccessHalfLifeDays: 14,
			StaleDays:          30,
			PruneDays:          90,
		},
		Compounding: CompoundingConfig{
			Enabled:  true,
			Schedule: "@daily",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// DefaultPath returns ~/.compound/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".compound", "config.yaml"), nil
}

// Load resolves the config path (explicit, then $COMPOUND_CONFIG, then the
// default location) and loads it. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, string, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}

	cfg, err := LoadFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		err = nil
	}
	if err != nil {
		return nil, path, err
	}
	cfg.applyEnv()
	return cfg, path, cfg.Validate()
}

// LoadFromFile reads and parses a YAML configuration file over the defaults.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDB); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvOllama); v != "" {
		if !strings.Contains(v, "://") {
			v = "http://" + v
		}
		c.Embedder.OllamaURL = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RetrieveTimeout < 0 {
		return fmt.Errorf("server.retrieve_timeout cannot be negative")
	}

	switch c.Embedder.Provider {
	case "hash", "ollama":
	default:
		return fmt.Errorf("embedder.provider must be hash or ollama, got %q", c.Embedder.Provider)
	}
	if c.Embedder.Dimensions <= 0 {
		return fmt.Errorf("embedder.dimensions must be positive")
	}

	r := c.Retrieval
	if r.SimilarityWeight < 0 || r.DecayWeight < 0 || r.SimilarityWeight+r.DecayWeight == 0 {
		return fmt.Errorf("retrieval weights must be non-negative and not both zero")
	}
	if r.SimilarityWeight < r.DecayWeight {
		return fmt.Errorf("retrieval.similarity_weight (%v) must be >= decay_weight (%v)", r.SimilarityWeight, r.DecayWeight)
	}
	for name, v := range map[string]float64{
		"duplicate_threshold": r.DuplicateThreshold,
		"voice_threshold":     r.VoiceThreshold,
		"related_threshold":   r.RelatedThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("retrieval.%s must be within [0, 1], got %v", name, v)
		}
	}
	if r.IndexRetries < 0 {
		return fmt.Errorf("retrieval.index_retries cannot be negative")
	}

	if c.Decay.HalfLifeDays <= 0 || c.Decay.AccessHalfLifeDays <= 0 {
		return fmt.Errorf("decay half-lives must be positive")
	}
	if c.Decay.MaxBoost < 0 || c.Decay.MaxBoost > 1 {
		return fmt.Errorf("decay.max_boost must be within [0, 1]")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Tunables converts the retrieval and decay sections into engine knobs.
func (c *Config) Tunables() engine.Tunables {
	t := engine.DefaultTunables()
	t.SimilarityWeight = c.Retrieval.SimilarityWeight
	t.DecayWeight = c.Retrieval.DecayWeight
	t.DuplicateThreshold = c.Retrieval.DuplicateThreshold
	t.VoiceThreshold = c.Retrieval.VoiceThreshold
	t.RelatedThreshold = c.Retrieval.RelatedThreshold
	t.MinCandidates = c.Retrieval.MinCandidates
	t.Oversample = c.Retrieval.Oversample
	t.IndexRetries = c.Retrieval.IndexRetries
	t.StaleDays = c.Decay.StaleDays
	t.PruneDays = c.Decay.PruneDays
	t.Decay.HalfLifeDays = c.Decay.HalfLifeDays
	t.Decay.MaxBoost = c.Decay.MaxBoost
	t.Decay.BoostScale = c.Decay.BoostScale
	t.Decay.AccessHalfLifeDays = c.Decay.AccessHalfLifeDays
	return t
}

// CompactOptions returns the options used by scheduled compounding runs.
func (c *Config) CompactOptions() engine.CompactOptions {
	return engine.CompactOptions{
		RemoveStale:     c.Compounding.RemoveStale,
		MergeDuplicates: c.Compounding.MergeDuplicates,
	}
}
