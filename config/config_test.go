package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kafaat/sahool-iot-pipeline/errors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Minute, cfg.OfflineTimeout())
	assert.Equal(t, time.Minute, cfg.LivenessScanInterval())
	assert.Equal(t, 2*time.Second, cfg.PublishTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.ReconnectBase())
	assert.Equal(t, 30*time.Second, cfg.ReconnectCap())
	assert.Equal(t, 90*24*time.Hour, cfg.Retention())
	assert.Equal(t, "sahool", cfg.Fabric.TopicRoot)
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"http_addr": ":9999",
		"offline_timeout_s": 120,
		"fabric": {"broker_url": "tcp://broker:1883", "topic_root": "farm"}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Minute, cfg.OfflineTimeout())
	assert.Equal(t, "tcp://broker:1883", cfg.Fabric.BrokerURL)
	assert.Equal(t, "farm", cfg.Fabric.TopicRoot)
	// untouched fields keep defaults
	assert.Equal(t, 2048, cfg.RingCapacity)
}

func TestLoadMissingFileIsFatal(t *testing.T) {
	_, err := Load("/does/not/exist.json")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("IOT_BUS_URL", "nats://elsewhere:4222")
	t.Setenv("IOT_RING_CAPACITY", "512")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://elsewhere:4222", cfg.Bus.URL)
	assert.Equal(t, 512, cfg.RingCapacity)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty broker url", func(c *Config) { c.Fabric.BrokerURL = "" }},
		{"empty topic root", func(c *Config) { c.Fabric.TopicRoot = "" }},
		{"empty bus url", func(c *Config) { c.Bus.URL = "" }},
		{"zero offline timeout", func(c *Config) { c.OfflineTimeoutS = 0 }},
		{"battery bounds inverted", func(c *Config) { c.BatteryCriticalPct = 50 }},
		{"drift window too small", func(c *Config) { c.DriftWindow = 1 }},
		{"reconnect cap below base", func(c *Config) { c.ReconnectCapMS = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsFatal(err))
		})
	}
}
