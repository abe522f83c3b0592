package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Source: SourceConfig{URI: "sftp://user@example.com/abs/path"},
		Target: "/mnt/target",
		Pool:   PoolConfig{MaxControllers: 4},
		Fuse:   FuseConfig{MountPath: "/mnt/fuse"},
		Log:    LogConfig{Level: "info"},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		wantErr     bool
		errContains string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:        "empty source URI",
			mutate:      func(c *Config) { c.Source.URI = "" },
			wantErr:     true,
			errContains: "source.uri cannot be empty",
		},
		{
			name:        "missing remote path",
			mutate:      func(c *Config) { c.Source.URI = "sftp://user@example.com" },
			wantErr:     true,
			errContains: "source.uri invalid",
		},
		{
			name:        "relative target",
			mutate:      func(c *Config) { c.Target = "relative/target" },
			wantErr:     true,
			errContains: "target must be an absolute path",
		},
		{
			name:        "non-positive pool size",
			mutate:      func(c *Config) { c.Pool.MaxControllers = 0 },
			wantErr:     true,
			errContains: "max_controllers must be greater than 0",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Log.Level = "verbose" },
			wantErr:     true,
			errContains: "log.level must be one of",
		},
		{
			name:        "relative fuse mount path",
			mutate:      func(c *Config) { c.Fuse.MountPath = "relative" },
			wantErr:     true,
			errContains: "fuse.mount_path must be an absolute path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseSourceURI(t *testing.T) {
	parsed, err := ParseSourceURI("sftp://bob@example.com:2222/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "sftp", parsed.Scheme)
	assert.Equal(t, "bob", parsed.User)
	assert.Equal(t, "example.com", parsed.Host)
	assert.Equal(t, 2222, parsed.Port)
	assert.Equal(t, "/abs/path", parsed.Path)

	parsed, err = ParseSourceURI("sftp://example.com/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", parsed.User)
	assert.Equal(t, 22, parsed.Port)

	_, err = ParseSourceURI("sftp://example.com")
	assert.Error(t, err)
}

func TestManager_UpdateConfig_NotifiesCallbacks(t *testing.T) {
	mgr := NewManager(validConfig())

	var gotOld, gotNew *Config
	mgr.OnConfigChange(func(oldConfig, newConfig *Config) {
		gotOld = oldConfig
		gotNew = newConfig
	})

	updated := mgr.GetConfig().DeepCopy()
	updated.Log.Level = "debug"
	require.NoError(t, mgr.UpdateConfig(updated))

	require.NotNil(t, gotOld)
	require.NotNil(t, gotNew)
	assert.Equal(t, "info", gotOld.Log.Level)
	assert.Equal(t, "debug", gotNew.Log.Level)
	assert.Equal(t, "debug", mgr.GetConfig().Log.Level)
}

func TestComponentRegistry_ApplyUpdates(t *testing.T) {
	registry := NewComponentRegistry(nil)

	resized := 0
	registry.RegisterPool(poolUpdaterFunc(func(max int) error {
		resized = max
		return nil
	}))

	old := validConfig()
	updated := old.DeepCopy()
	updated.Pool.MaxControllers = 8

	registry.ApplyUpdates(old, updated)
	assert.Equal(t, 8, resized)
}

type poolUpdaterFunc func(max int) error

func (f poolUpdaterFunc) Resize(max int) error { return f(max) }
