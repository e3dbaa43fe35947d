package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager starts and stops channel adapters and exposes name-based lookup
// for the outbound dispatcher.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewManager creates an empty channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "channels"),
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter. A later registration with the same name replaces
// the earlier one.
func (m *Manager) Register(adapter Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[adapter.Name()] = adapter
}

// Get returns an adapter by channel name.
func (m *Manager) Get(name string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	adapter, ok := m.adapters[name]
	return adapter, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered adapter. The first failure aborts startup;
// already-started adapters are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.RUnlock()

	var started []Adapter
	for _, adapter := range adapters {
		if err := adapter.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("start channel %s: %w", adapter.Name(), err)
		}
		m.logger.Info("channel started", "channel", adapter.Name())
		started = append(started, adapter)
	}
	return nil
}

// StopAll stops every adapter, returning the last error encountered.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, adapter := range adapters {
		if err := adapter.Stop(ctx); err != nil {
			m.logger.Warn("channel stop failed", "channel", adapter.Name(), "error", err)
			lastErr = err
		}
	}
	return lastErr
}
