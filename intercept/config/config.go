package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	Version             = "0.1.0"
	DefaultMode         = "standard"
	DefaultMaxRedirects = 10
	DefaultMCPPort      = 9119
	DefaultLogLevel     = "info"

	defaultDialSeconds  = 15
	defaultReadSeconds  = 60
	defaultWriteSeconds = 30
	defaultLogSizeMB    = 20
	defaultLogBackups   = 3
	defaultLogAgeDays   = 14
)

// Config holds the intercept configuration stored in <data_dir>/config.json
type Config struct {
	Version       string         `json:"version" yaml:"version"`
	Mode          string         `json:"mode" yaml:"mode"`
	VerboseErrors bool           `json:"verbose_errors,omitempty" yaml:"verbose_errors,omitempty"`
	MaxRedirects  int            `json:"max_redirects" yaml:"max_redirects"`
	Timeouts      TimeoutsConfig `json:"timeouts" yaml:"timeouts"`
	DataDir       string         `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
	SessionsDir   string         `json:"sessions_dir,omitempty" yaml:"sessions_dir,omitempty"`
	MCPPort       int            `json:"mcp_port" yaml:"mcp_port"`
	UpstreamProxy string         `json:"upstream_proxy,omitempty" yaml:"upstream_proxy,omitempty"`
	Log           LogConfig      `json:"log" yaml:"log"`
	Scope         ScopeConfig    `json:"scope" yaml:"scope"`
}

// TimeoutsConfig holds outbound transport timeouts in seconds.
type TimeoutsConfig struct {
	DialSeconds  int `json:"dial_seconds" yaml:"dial_seconds"`
	ReadSeconds  int `json:"read_seconds" yaml:"read_seconds"`
	WriteSeconds int `json:"write_seconds" yaml:"write_seconds"`
}

// Dial returns the dial timeout.
func (t TimeoutsConfig) Dial() time.Duration { return time.Duration(t.DialSeconds) * time.Second }

// Read returns the read timeout.
func (t TimeoutsConfig) Read() time.Duration { return time.Duration(t.ReadSeconds) * time.Second }

// Write returns the write timeout.
func (t TimeoutsConfig) Write() time.Duration { return time.Duration(t.WriteSeconds) * time.Second }

type LogConfig struct {
	Level      string   `json:"level" yaml:"level"`
	Writers    []string `json:"writers,omitempty" yaml:"writers,omitempty"`
	File       string   `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int      `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int      `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int      `json:"max_age_days" yaml:"max_age_days"`
}

// ScopeConfig lists the regular expressions defining the target scope.
type ScopeConfig struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// DefaultConfig returns a new Config with default values
func DefaultConfig(version string) *Config {
	cfg := &Config{Version: version}
	cfg.applyDefaults()
	return cfg
}

// DefaultDataDir returns ~/.intercept, or .intercept when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".intercept"
	}
	return filepath.Join(home, ".intercept")
}

// Load reads and parses config from the given path.
// Paths ending in .yaml or .yml are read as YAML, anything else as JSON.
// If the file doesn't exist, returns os.ErrNotExist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Save writes the config to the given path atomically.
func (c *Config) Save(path string) error {
	if c == nil {
		return errors.New("config is nil")
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// SessionsPath returns the directory holding named sessions.
func (c *Config) SessionsPath() string {
	if c.SessionsDir != "" {
		return c.SessionsDir
	}
	return filepath.Join(c.DataDir, "sessions")
}

// applyDefaults fills in zero values with defaults
func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = DefaultMode
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.Timeouts.DialSeconds <= 0 {
		c.Timeouts.DialSeconds = defaultDialSeconds
	}
	if c.Timeouts.ReadSeconds <= 0 {
		c.Timeouts.ReadSeconds = defaultReadSeconds
	}
	if c.Timeouts.WriteSeconds <= 0 {
		c.Timeouts.WriteSeconds = defaultWriteSeconds
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.MCPPort <= 0 {
		c.MCPPort = DefaultMCPPort
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = defaultLogSizeMB
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = defaultLogBackups
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = defaultLogAgeDays
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
