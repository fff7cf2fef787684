package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, content string) *Manager {
	t.Helper()
	path := writeConfigFile(t, content)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	mgr := NewManager(cfg, path, quietLogger())
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestManagerReloadSwapsConfig(t *testing.T) {
	mgr := newTestManager(t, "server:\n  port: 8080\n")
	assert.Equal(t, 8080, mgr.Get().Server.Port)

	var calls atomic.Int32
	var seen atomic.Int64
	mgr.OnChange(func(cfg *Config) {
		calls.Add(1)
		seen.Store(int64(cfg.Server.Port))
	})

	require.NoError(t, os.WriteFile(mgr.Path(), []byte("server:\n  port: 9090\n"), 0644))
	require.NoError(t, mgr.Reload())

	assert.Equal(t, 9090, mgr.Get().Server.Port)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(9090), seen.Load())
}

func TestManagerReloadKeepsCurrentOnError(t *testing.T) {
	mgr := newTestManager(t, "server:\n  port: 8080\n")

	var calls atomic.Int32
	mgr.OnChange(func(*Config) { calls.Add(1) })

	require.NoError(t, os.WriteFile(mgr.Path(), []byte("server:\n  port: -1\n"), 0644))
	assert.Error(t, mgr.Reload())

	assert.Equal(t, 8080, mgr.Get().Server.Port)
	assert.Zero(t, calls.Load())
}

func TestManagerWatchReloadsOnWrite(t *testing.T) {
	mgr := newTestManager(t, "retrieval:\n  duplicate_threshold: 0.92\n")

	changed := make(chan *Config, 1)
	mgr.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Watch(ctx))

	require.NoError(t, os.WriteFile(mgr.Path(), []byte("retrieval:\n  duplicate_threshold: 0.85\n"), 0644))

	select {
	case cfg := <-changed:
		assert.InDelta(t, 0.85, cfg.Retrieval.DuplicateThreshold, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
	assert.InDelta(t, 0.85, mgr.Get().Retrieval.DuplicateThreshold, 1e-9)
}

func TestManagerWatchMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	mgr := NewManager(Default(), path, quietLogger())

	require.NoError(t, mgr.Watch(context.Background()))
	assert.NoError(t, mgr.Close())
}
