package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	assert := require.New(t)

	cfg, err := Load("")
	assert.NoError(err)

	assert.Equal("loraflux-ns", cfg.Server.Name)
	assert.Equal("0.0.0.0:8080", cfg.API.Bind())
	assert.Equal(200*time.Millisecond, cfg.Network.DeduplicationWindow)
	assert.Equal(time.Second, cfg.Scheduler.Interval)
	assert.Equal(100, cfg.Scheduler.BatchSize)

	assert.Len(cfg.Network.Regions, 1)
	assert.Equal("EU868", cfg.Network.Regions[0].Band)
	assert.Equal("EU868", cfg.Network.Regions[0].ID)
	assert.Equal(-1, cfg.Network.Regions[0].DownlinkTXPower)
	assert.Equal(cfg.Network.Regions[0].ID, cfg.Gateway.RegionID)
}

func TestLoadFile(t *testing.T) {
	assert := require.New(t)

	path := writeConfig(t, `
network:
  net_id: "000001"
  deduplication_window: 500ms
  regions:
    - id: eu868
      band: EU868
      rx2_frequency: 869525000
      extra_channels:
        - frequency: 867100000
          min_dr: 0
          max_dr: 5
    - id: us915-0
      band: US915
scheduler:
  interval: 2s
  batch_size: 50
`)

	cfg, err := Load(path)
	assert.NoError(err)

	assert.Equal("000001", cfg.Network.NetID)
	assert.Equal(500*time.Millisecond, cfg.Network.DeduplicationWindow)
	assert.Equal(2*time.Second, cfg.Scheduler.Interval)
	assert.Equal(50, cfg.Scheduler.BatchSize)

	assert.Len(cfg.Network.Regions, 2)
	eu := cfg.Network.Regions[0]
	assert.Equal(uint32(869525000), eu.RX2Frequency)
	assert.Len(eu.ExtraChannels, 1)
	assert.Equal(uint32(867100000), eu.ExtraChannels[0].Frequency)
	assert.Equal("us915-0", cfg.Network.Regions[1].ID)
}

func TestLoadEnvOverrides(t *testing.T) {
	assert := require.New(t)

	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("REDIS_URL", "redis-env:6379")
	t.Setenv("NATS_URL", "nats://env:4222")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("NETWORK_BAND", "AU915")

	path := writeConfig(t, `
database:
  dsn: postgres://file/db
log:
  level: warn
`)

	cfg, err := Load(path)
	assert.NoError(err)

	assert.Equal("postgres://env/db", cfg.Database.DSN)
	assert.Equal("redis-env:6379", cfg.Redis.Addr)
	assert.Equal("nats://env:4222", cfg.NATS.URL)
	assert.Equal("env-secret", cfg.JWT.Secret)
	assert.Equal("debug", cfg.Log.Level)
	assert.Equal("AU915", cfg.Network.Regions[0].Band)
}

func TestLoadValidation(t *testing.T) {
	assert := require.New(t)

	_, err := Load(writeConfig(t, "network:\n  net_id: \"zz\"\n"))
	assert.Error(err)

	_, err = Load(writeConfig(t, `
network:
  regions:
    - id: eu868
    - id: eu868
`))
	assert.Error(err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(err)
}
