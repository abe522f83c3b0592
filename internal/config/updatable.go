package config

import "log/slog"

// PoolUpdater is implemented by the controller pool so it can be
// resized without a restart when pool.max_controllers changes.
type PoolUpdater interface {
	Resize(max int) error
}

// ComponentRegistry holds references to the components that react to
// a live configuration change: log level and pool size.
type ComponentRegistry struct {
	Logging *LogLevelUpdater
	Pool    PoolUpdater
	logger  *slog.Logger
}

// NewComponentRegistry creates a registry that logs through logger.
func NewComponentRegistry(logger *slog.Logger) *ComponentRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ComponentRegistry{logger: logger}
}

// RegisterLogging registers the log-level updater.
func (r *ComponentRegistry) RegisterLogging(updater *LogLevelUpdater) {
	r.Logging = updater
}

// RegisterPool registers the pool resizer.
func (r *ComponentRegistry) RegisterPool(updater PoolUpdater) {
	r.Pool = updater
}

// ApplyUpdates diffs oldConfig against newConfig and pushes the
// changes to whichever components are registered.
func (r *ComponentRegistry) ApplyUpdates(oldConfig, newConfig *Config) {
	if oldConfig == nil {
		return
	}

	if oldConfig.Log.Level != newConfig.Log.Level && r.Logging != nil {
		r.Logging.UpdateLevel(newConfig.Log.Level)
		r.logger.Info("log level updated", "old", oldConfig.Log.Level, "new", newConfig.Log.Level)
	}

	if oldConfig.Pool.MaxControllers != newConfig.Pool.MaxControllers && r.Pool != nil {
		if err := r.Pool.Resize(newConfig.Pool.MaxControllers); err != nil {
			r.logger.Error("failed to resize controller pool", "err", err)
		} else {
			r.logger.Info("controller pool resized",
				"old", oldConfig.Pool.MaxControllers,
				"new", newConfig.Pool.MaxControllers)
		}
	}
}
