package config

import "sync"

// ChangeCallback is invoked with the old and new config whenever the
// configuration changes.
type ChangeCallback func(oldConfig, newConfig *Config)

// Manager guards the live configuration behind a mutex so the pool,
// FUSE facade, and logger can read a consistent snapshot while
// sharing the process with anything that reloads it.
type Manager struct {
	mu        sync.RWMutex
	current   *Config
	callbacks []ChangeCallback
}

// NewManager wraps an already-loaded configuration.
func NewManager(cfg *Config) *Manager {
	return &Manager{current: cfg}
}

// GetConfig returns the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// UpdateConfig swaps in a new configuration and notifies callbacks
// with a deep copy of the superseded one.
func (m *Manager) UpdateConfig(cfg *Config) error {
	m.mu.Lock()
	var old *Config
	if m.current != nil {
		old = m.current.DeepCopy()
	}
	m.current = cfg
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, cfg)
	}
	return nil
}

// OnConfigChange registers a callback invoked after every UpdateConfig.
func (m *Manager) OnConfigChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}
