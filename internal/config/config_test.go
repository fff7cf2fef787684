package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 37780 {
		t.Errorf("default port = %d, want 37780", cfg.Server.Port)
	}
	if cfg.Embedder.Provider != "hash" {
		t.Errorf("default provider = %q, want hash", cfg.Embedder.Provider)
	}
	if cfg.Compounding.Schedule != "@daily" {
		t.Errorf("default schedule = %q, want @daily", cfg.Compounding.Schedule)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if got := cfg.ListenAddr(); got != "127.0.0.1:37780" {
		t.Errorf("ListenAddr() = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "port"},
		{"unknown provider", func(c *Config) { c.Embedder.Provider = "openai" }, "provider"},
		{"zero dimensions", func(c *Config) { c.Embedder.Dimensions = 0 }, "dimensions"},
		{"both weights zero", func(c *Config) { c.Retrieval.SimilarityWeight, c.Retrieval.DecayWeight = 0, 0 }, "weights"},
		{"decay outweighs similarity", func(c *Config) { c.Retrieval.SimilarityWeight, c.Retrieval.DecayWeight = 0.2, 0.8 }, "similarity_weight"},
		{"duplicate threshold above one", func(c *Config) { c.Retrieval.DuplicateThreshold = 1.5 }, "duplicate_threshold"},
		{"negative retries", func(c *Config) { c.Retrieval.IndexRetries = -1 }, "index_retries"},
		{"zero half-life", func(c *Config) { c.Decay.HalfLifeDays = 0 }, "half-lives"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9000
  retrieve_timeout: 500ms
retrieval:
  similarity_weight: 0.8
  decay_weight: 0.2
logging:
  level: debug
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.RetrieveTimeout != 500*time.Millisecond {
		t.Errorf("retrieve_timeout = %v, want 500ms", cfg.Server.RetrieveTimeout)
	}
	if cfg.Server.Bind != "127.0.0.1" {
		t.Errorf("bind = %q, want default", cfg.Server.Bind)
	}
	if cfg.Retrieval.DuplicateThreshold != 0.92 {
		t.Errorf("duplicate_threshold = %v, want default 0.92", cfg.Retrieval.DuplicateThreshold)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("COMPOUND_TEST_DB", "/var/lib/compound/test.db")
	path := writeConfigFile(t, `
database:
  path: ${COMPOUND_TEST_DB}
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Database.Path != "/var/lib/compound/test.db" {
		t.Errorf("database.path = %q", cfg.Database.Path)
	}
}

func TestLoadFromFileRejectsInvalid(t *testing.T) {
	path := writeConfigFile(t, `
embedder:
  provider: word2vec
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("LoadFromFile accepted an unknown provider")
	}

	bad := writeConfigFile(t, "server: [not, a, map")
	if _, err := LoadFromFile(bad); err == nil {
		t.Fatal("LoadFromFile accepted malformed YAML")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvDB, "")
	t.Setenv(EnvOllama, "")
	path := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != path {
		t.Errorf("path = %q, want %q", got, path)
	}
	if cfg.Server.Port != Default().Server.Port {
		t.Errorf("port = %d, want default", cfg.Server.Port)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, `
database:
  path: /from/file.db
`)
	t.Setenv(EnvConfig, path)
	t.Setenv(EnvDB, "/from/env.db")
	t.Setenv(EnvOllama, "gpu-box:11434")

	cfg, got, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != path {
		t.Errorf("path = %q, want $%s", got, EnvConfig)
	}
	if cfg.Database.Path != "/from/env.db" {
		t.Errorf("database.path = %q, want env override", cfg.Database.Path)
	}
	if cfg.Embedder.OllamaURL != "http://gpu-box:11434" {
		t.Errorf("ollama_url = %q", cfg.Embedder.OllamaURL)
	}
}

func TestTunables(t *testing.T) {
	cfg := Default()
	cfg.Retrieval.DuplicateThreshold = 0.9
	cfg.Decay.HalfLifeDays = 45
	cfg.Decay.PruneDays = 120

	tun := cfg.Tunables()
	if tun.DuplicateThreshold != 0.9 {
		t.Errorf("DuplicateThreshold = %v", tun.DuplicateThreshold)
	}
	if tun.Decay.HalfLifeDays != 45 {
		t.Errorf("Decay.HalfLifeDays = %v", tun.Decay.HalfLifeDays)
	}
	if tun.Decay.Base != 1 {
		t.Errorf("Decay.Base = %v, want 1", tun.Decay.Base)
	}
	if tun.PruneDays != 120 {
		t.Errorf("PruneDays = %d", tun.PruneDays)
	}
	if tun.MaxRelated != 5 {
		t.Errorf("MaxRelated = %d, want engine default", tun.MaxRelated)
	}
}
