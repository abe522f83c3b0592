// Package config defines the mountload configuration surface and its
// YAML-backed loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jinzhu/copier"
	"github.com/spf13/viper"
)

// SourceConfig describes the remote endpoint a Source dials.
//
// URI has the form scheme://[user@]host[:port]/abs/remote/path. It is
// validated by ParseSourceURI; the string itself, exactly as given, is
// what gets recorded in the metadata store's config table and compared
// on later runs.
type SourceConfig struct {
	URI      string `yaml:"uri" mapstructure:"uri" json:"uri"`
	Password string `yaml:"password" mapstructure:"password" json:"-"`
	KeyFile  string `yaml:"key_file" mapstructure:"key_file" json:"key_file,omitempty"`
}

// PoolConfig bounds the controller pool.
type PoolConfig struct {
	MaxControllers int `yaml:"max_controllers" mapstructure:"max_controllers" json:"max_controllers"`
}

// FuseConfig carries the userspace filesystem host's tunables.
type FuseConfig struct {
	MountPath           string `yaml:"mount_path" mapstructure:"mount_path" json:"mount_path"`
	AllowOther          bool   `yaml:"allow_other" mapstructure:"allow_other" json:"allow_other"`
	Debug               bool   `yaml:"debug" mapstructure:"debug" json:"debug"`
	Multithreaded       bool   `yaml:"multithreaded" mapstructure:"multithreaded" json:"multithreaded"`
	AttrTimeoutSeconds  int    `yaml:"attr_timeout_seconds" mapstructure:"attr_timeout_seconds" json:"attr_timeout_seconds"`
	EntryTimeoutSeconds int    `yaml:"entry_timeout_seconds" mapstructure:"entry_timeout_seconds" json:"entry_timeout_seconds"`
}

// LogConfig controls log output, level, and file rotation.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file" json:"file,omitempty"`
	Level      string `yaml:"level" mapstructure:"level" json:"level,omitempty"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size" json:"max_size,omitempty"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age" json:"max_age,omitempty"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" json:"max_backups,omitempty"`
	Compress   bool   `yaml:"compress" mapstructure:"compress" json:"compress,omitempty"`
}

// Config is the complete application configuration.
type Config struct {
	Source SourceConfig `yaml:"source" mapstructure:"source" json:"source"`
	Target string       `yaml:"target" mapstructure:"target" json:"target"`
	Pool   PoolConfig   `yaml:"pool" mapstructure:"pool" json:"pool"`
	Fuse   FuseConfig   `yaml:"fuse" mapstructure:"fuse" json:"fuse"`
	Log    LogConfig    `yaml:"log" mapstructure:"log" json:"log,omitempty"`
}

// DeepCopy returns a deep copy of the configuration so a hot-swapped
// snapshot never aliases the live one.
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}
	cp := &Config{}
	if err := copier.CopyWithOption(cp, c, copier.Option{DeepCopy: true}); err != nil {
		shallow := *c
		return &shallow
	}
	return cp
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Source.URI == "" {
		return fmt.Errorf("source.uri cannot be empty")
	}
	if _, err := ParseSourceURI(c.Source.URI); err != nil {
		return fmt.Errorf("source.uri invalid: %w", err)
	}
	if c.Target == "" {
		return fmt.Errorf("target cannot be empty")
	}
	if !filepath.IsAbs(c.Target) {
		return fmt.Errorf("target must be an absolute path")
	}
	if c.Fuse.MountPath != "" && !filepath.IsAbs(c.Fuse.MountPath) {
		return fmt.Errorf("fuse.mount_path must be an absolute path")
	}
	if c.Pool.MaxControllers <= 0 {
		return fmt.Errorf("pool.max_controllers must be greater than 0")
	}
	if c.Log.Level != "" {
		switch strings.ToLower(c.Log.Level) {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("log.level must be one of: debug, info, warn, error")
		}
	}
	if c.Log.MaxSize < 0 || c.Log.MaxAge < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("log rotation settings must be non-negative")
	}
	return nil
}

// ParsedSourceURI is the normalised form of a source URI.
type ParsedSourceURI struct {
	Scheme string
	User   string
	Host   string
	Port   int
	Path   string
}

// ParseSourceURI parses and validates a source URI of the form
// scheme://[user@]host[:port]/abs/remote/path. User defaults to
// "anonymous" and port to 22.
func ParseSourceURI(raw string) (*ParsedSourceURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed source URI: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("source URI must include a scheme and host")
	}
	if !filepath.IsAbs(u.Path) {
		return nil, fmt.Errorf("source URI remote path must be absolute, got %q", u.Path)
	}

	user := "anonymous"
	if u.User != nil {
		user = u.User.Username()
	}

	host := u.Hostname()
	port := 22
	if p := u.Port(); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
		port = parsed
	}

	return &ParsedSourceURI{
		Scheme: u.Scheme,
		User:   user,
		Host:   host,
		Port:   port,
		Path:   u.Path,
	}, nil
}

// DefaultConfig returns a config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxControllers: 4,
		},
		Fuse: FuseConfig{
			AllowOther:          false,
			Debug:               false,
			Multithreaded:       false,
			AttrTimeoutSeconds:  1,
			EntryTimeoutSeconds: 1,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from a YAML file, merging onto
// DefaultConfig. An empty configFile loads defaults only (CLI flags
// fill in Source/Target/Mountpoint directly in that case).
func LoadConfig(configFile string) (*Config, error) {
	config := DefaultConfig()
	if configFile == "" {
		return config, nil
	}

	viper.SetConfigFile(configFile)
	if err := viper.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return config, nil
}

// GetConfigFilePath returns the configuration file path used by viper.
func GetConfigFilePath() string {
	return viper.ConfigFileUsed()
}
