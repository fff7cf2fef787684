package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// Manager holds the live configuration and reloads it when the file changes.
type Manager struct {
	config  atomic.Pointer[Config]
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu       sync.Mutex
	onChange []func(*Config)
}

// NewManager wraps an already loaded configuration read from path.
func NewManager(cfg *Config, path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{path: path, logger: logger}
	m.config.Store(cfg)
	return m
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// Path returns the watched file path.
func (m *Manager) Path() string {
	return m.path
}

// OnChange registers a callback invoked after each successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Watch starts watching the configuration file. A file that does not exist
// yet is not an error; nothing is watched.
func (m *Manager) Watch(ctx context.Context) error {
	if _, err := os.Stat(m.path); errors.Is(err, os.ErrNotExist) {
		m.logger.Debug("config file absent, hot reload disabled", "path", m.path)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := m.Reload(); err != nil {
						m.logger.Error("failed to reload config, keeping current", "error", err)
					}
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// Reload re-reads the file and swaps the configuration in. On error the
// current configuration is kept.
func (m *Manager) Reload() error {
	cfg, err := LoadFromFile(m.path)
	if err != nil {
		return err
	}
	cfg.applyEnv()

	m.config.Store(cfg)
	m.logger.Info("configuration reloaded", "path", m.path)

	m.mu.Lock()
	fns := append([]func(*Config){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(cfg)
	}
	return nil
}

// Close stops the configuration watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
