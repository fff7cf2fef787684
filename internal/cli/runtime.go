package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lazypower/compound/internal/client"
	"github.com/lazypower/compound/internal/config"
	"github.com/lazypower/compound/internal/engine"
	"github.com/lazypower/compound/internal/index"
	"github.com/lazypower/compound/internal/model"
	"github.com/lazypower/compound/internal/store"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openDB opens the configured database, falling back to ~/.compound/compound.db.
func openDB(cfg *config.Config) (*store.DB, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	return store.Open(dbPath)
}

// newEmbedder picks the configured embedder. An unreachable Ollama falls
// back to the hashing embedder.
func newEmbedder(cfg config.EmbedderConfig, logger *slog.Logger) (*index.CachedEmbedder, error) {
	var base index.Embedder
	switch cfg.Provider {
	case "ollama":
		if index.ProbeOllama(cfg.OllamaURL, cfg.Model) {
			base = index.NewOllamaEmbedder(cfg.OllamaURL, cfg.Model, cfg.Dimensions)
		} else {
			logger.Warn("ollama not reachable, using hash embedder", "url", cfg.OllamaURL, "model", cfg.Model)
		}
	}
	if base == nil {
		base = index.NewHashEmbedder(cfg.Dimensions)
	}
	return index.NewCachedEmbedder(base, cfg.CacheSize)
}

// app bundles what every command needs.
type app struct {
	cfg      *config.Config
	cfgPath  string
	logger   *slog.Logger
	db       *store.DB
	embedder *index.CachedEmbedder
	engine   *engine.Engine
}

// setup loads config, opens the store and rebuilds the vector index.
func setup(ctx context.Context) (*app, error) {
	cfg, path, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Logging)

	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	emb, err := newEmbedder(cfg.Embedder, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	eng := engine.New(db, emb, logger)
	eng.SetTunables(cfg.Tunables())
	if _, err := eng.LoadIndex(ctx); err != nil {
		emb.Close()
		db.Close()
		return nil, fmt.Errorf("load index: %w", err)
	}

	return &app{
		cfg:      cfg,
		cfgPath:  path,
		logger:   logger,
		db:       db,
		embedder: emb,
		engine:   eng,
	}, nil
}

func (a *app) Close() {
	a.engine.Stop()
	a.embedder.Close()
	a.db.Close()
}

// memory is the subset of operations available both locally and through a
// running server.
type memory interface {
	Ingest(ctx context.Context, userID string, req model.IngestRequest) (*model.IngestResponse, error)
	Retrieve(ctx context.Context, userID string, req model.RetrieveRequest) (*model.RetrievedContext, error)
	Stats(ctx context.Context, userID string) (*model.MemoryStats, error)
	Compact(ctx context.Context, userID string, opts engine.CompactOptions) (*model.CompactResult, error)
}

// openMemory talks to the server given by --server, or opens the local
// store otherwise. The returned func releases it.
func openMemory(ctx context.Context) (memory, func(), error) {
	if serverURL != "" {
		c := client.New(serverURL)
		if !c.Healthy(ctx) {
			return nil, nil, fmt.Errorf("server %s not reachable", serverURL)
		}
		return c, func() {}, nil
	}
	a, err := setup(ctx)
	if err != nil {
		return nil, nil, err
	}
	return a.engine, a.Close, nil
}
