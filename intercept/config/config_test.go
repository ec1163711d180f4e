package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig("0.0.1")

	assert.Equal(t, "0.0.1", cfg.Version)
	assert.Equal(t, DefaultMode, cfg.Mode)
	assert.Equal(t, DefaultMaxRedirects, cfg.MaxRedirects)
	assert.Equal(t, DefaultMCPPort, cfg.MCPPort)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.Dial())
	assert.Equal(t, filepath.Join(cfg.DataDir, "sessions"), cfg.SessionsPath())
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadSaveRoundTrip(t *testing.T) {
	t.Parallel()

	original := &Config{
		Version:       "0.0.1",
		Mode:          "protect",
		VerboseErrors: true,
		MaxRedirects:  4,
		Timeouts:      TimeoutsConfig{DialSeconds: 1, ReadSeconds: 2, WriteSeconds: 3},
		DataDir:       "/var/lib/intercept",
		SessionsDir:   "/srv/sessions",
		MCPPort:       9000,
		UpstreamProxy: "http://127.0.0.1:8080",
		Log: LogConfig{
			Level:      "debug",
			Writers:    []string{"console", "file"},
			File:       "/var/log/intercept.log",
			MaxSizeMB:  5,
			MaxBackups: 2,
			MaxAgeDays: 7,
		},
		Scope: ScopeConfig{Include: []string{`^https://app\.example/`}, Exclude: []string{`logout`}},
	}

	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, original.Save(path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, original, loaded)
			assert.Equal(t, "/srv/sessions", loaded.SessionsPath())
		})
	}
}

func TestLoadNotExist(t *testing.T) {
	t.Parallel()

	_, err := Load("/nonexistent/path/config.json")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"json", "config.json", `{"version": "0.0.1", "mode": "attack"}`},
		{"yaml", "config.yaml", "version: 0.0.1\nmode: attack\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tc.file)
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0644))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "attack", cfg.Mode)
			assert.Equal(t, DefaultMaxRedirects, cfg.MaxRedirects)
			assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
			assert.Equal(t, 60*time.Second, cfg.Timeouts.Read())
			assert.Equal(t, 30*time.Second, cfg.Timeouts.Write())
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte("mode: [unclosed\n{"), 0644))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveNilConfig(t *testing.T) {
	t.Parallel()

	var cfg *Config
	err := cfg.Save(filepath.Join(t.TempDir(), "test.json"))
	assert.Error(t, err)
}

func TestSaveAtomicity(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := DefaultConfig("0.0.1")
	require.NoError(t, cfg.Save(path))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
