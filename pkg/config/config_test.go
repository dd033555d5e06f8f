package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Streams.Autoplay)
	assert.True(t, cfg.Streams.Muted)
	assert.True(t, cfg.Streams.LowLatency)
	assert.Equal(t, 30*time.Second, cfg.Streams.MaxBufferLength)
	assert.Equal(t, -1, cfg.Streams.StartLevel)
	assert.Equal(t, 30*time.Second, cfg.Streams.StartupTimeout)
	assert.Equal(t, "http://localhost:8888", cfg.Streams.RTSPProxyBase)
	assert.False(t, cfg.Streams.DedupeByCamera)
	assert.Equal(t, 92, cfg.Snapshot.JPEGQuality)
	require.Len(t, cfg.WebRTC.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.WebRTC.ICEServers[0].URLs)
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("non-existent-config.yaml")
	assert.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9000"
  read_timeout: 10s

streams:
  autoplay: false
  low_latency: false
  max_buffer_length: 12s
  start_level: 2
  startup_timeout: 5s
  dedupe_by_camera: true

webrtc:
  ice_servers:
    - urls: ["stun:stun.example.com:3478"]
  port_range:
    min: 50000
    max: 50100

logging:
  level: "debug"
  format: "json"
`)

	t.Setenv("CAMWATCH_SERVER_ADDRESS", ":7000")
	t.Setenv("CAMWATCH_LOG_LEVEL", "warn")
	t.Setenv("CAMWATCH_RTSP_PROXY_BASE", "http://mediamtx:8888")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.False(t, cfg.Streams.Autoplay)
	assert.False(t, cfg.Streams.LowLatency)
	assert.Equal(t, 12*time.Second, cfg.Streams.MaxBufferLength)
	assert.Equal(t, 2, cfg.Streams.StartLevel)
	assert.Equal(t, 5*time.Second, cfg.Streams.StartupTimeout)
	assert.True(t, cfg.Streams.DedupeByCamera)
	assert.Equal(t, uint16(50000), cfg.WebRTC.PortRange.Min)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, cfg.WebRTC.ICEServers[0].URLs)

	// Defaults survive for unset sections
	assert.Equal(t, 92, cfg.Snapshot.JPEGQuality)

	// Env overrides
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "http://mediamtx:8888", cfg.Streams.RTSPProxyBase)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	path := writeTempConfig(t, `
snapshot:
  jpeg_quality: 0
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_StartupTimeoutZeroDisables(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Streams.StartupTimeout = 0
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"negative startup timeout", func(c *Config) { c.Streams.StartupTimeout = -time.Second }},
		{"start level below auto", func(c *Config) { c.Streams.StartLevel = -2 }},
		{"zero buffer length", func(c *Config) { c.Streams.MaxBufferLength = 0 }},
		{"empty rtsp proxy base", func(c *Config) { c.Streams.RTSPProxyBase = "" }},
		{"no ice servers", func(c *Config) { c.WebRTC.ICEServers = nil }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 5000 }},
		{"inverted port range", func(c *Config) {
			c.WebRTC.PortRange.Min = 6000
			c.WebRTC.PortRange.Max = 5000
		}},
		{"jpeg quality too high", func(c *Config) { c.Snapshot.JPEGQuality = 101 }},
		{"redis without channel", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Channel = ""
		}},
		{"redis resync slower than ttl", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.ResyncInterval = c.Redis.MirrorTTL
		}},
		{"negative snapshot cache ttl", func(c *Config) { c.Snapshot.CacheTTL = -time.Second }},
		{"tracing sample rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
		{"http rps must be > 0", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.RequestsPerSecond = 0
		}},
		{"ws max concurrent must be >= 0", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.WebSocket.MaxConcurrent = -1
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
