package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 100 * time.Millisecond

// Manager holds the current configuration and reloads it when the file changes on disk.
type Manager struct {
	mu          sync.RWMutex
	config      *Config
	path        string
	subscribers []chan *Config
	lastError   error
	watcher     *fsnotify.Watcher
	logger      *zap.Logger
	done        chan struct{}
}

func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace the file rather than write it, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	m := &Manager{
		config:  cfg,
		path:    path,
		watcher: watcher,
		logger:  logger,
		done:    make(chan struct{}),
	}

	go m.watch()

	return m, nil
}

// Subscribe returns a channel that receives every successfully reloaded configuration. Slow
// subscribers miss intermediate versions, never the latest one.
func (m *Manager) Subscribe() <-chan *Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Config, 1)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	default:
	}
	close(m.done)

	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil

	return m.watcher.Close()
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return
	default:
	}

	if err != nil {
		m.lastError = err
		m.logger.Warn("config reload failed, keeping previous config", zap.String("path", m.path), zap.Error(err))
		return
	}

	m.config = cfg
	m.lastError = nil
	m.logger.Info("config reloaded", zap.String("path", m.path))

	for _, ch := range m.subscribers {
		// Replace a pending, unread config with the newer one.
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}

func (m *Manager) watch() {
	var debounce *time.Timer
	target := filepath.Clean(m.path)

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, m.reload)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.mu.Lock()
			m.lastError = fmt.Errorf("watcher error: %w", err)
			m.mu.Unlock()

		case <-m.done:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}
