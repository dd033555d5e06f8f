package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		InstanceID      string        `yaml:"instance_id"` // empty = hostname
	} `yaml:"server"`

	Streams struct {
		Autoplay        bool          `yaml:"autoplay"`
		Muted           bool          `yaml:"muted"`
		Loop            bool          `yaml:"loop"`
		LowLatency      bool          `yaml:"low_latency"`
		MaxBufferLength time.Duration `yaml:"max_buffer_length"`
		StartLevel      int           `yaml:"start_level"`
		StartupTimeout  time.Duration `yaml:"startup_timeout"`
		RTSPProxyBase   string        `yaml:"rtsp_proxy_base"`
		DedupeByCamera  bool          `yaml:"dedupe_by_camera"`
		MaxSessions     int           `yaml:"max_sessions"` // 0 = unlimited
	} `yaml:"streams"`

	HLS struct {
		RequestTimeout time.Duration `yaml:"request_timeout"`
		ReloadAttempts int           `yaml:"reload_attempts"`
		ReloadBackoff  time.Duration `yaml:"reload_backoff"`
	} `yaml:"hls"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		SignalingTimeout time.Duration `yaml:"signaling_timeout"`
		BreakerFailures  int           `yaml:"breaker_failures"`
		BreakerReset     time.Duration `yaml:"breaker_reset"`
	} `yaml:"webrtc"`

	MJPEG struct {
		RequestTimeout time.Duration `yaml:"request_timeout"`
		MaxFrameBytes  int64         `yaml:"max_frame_bytes"`
	} `yaml:"mjpeg"`

	Snapshot struct {
		JPEGQuality int           `yaml:"jpeg_quality"`
		CacheTTL    time.Duration `yaml:"cache_ttl"`
	} `yaml:"snapshot"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled        bool          `yaml:"enabled"`
		Address        string        `yaml:"address"`
		Password       string        `yaml:"password"`
		DB             int           `yaml:"db"`
		PoolSize       int           `yaml:"pool_size"`
		Channel        string        `yaml:"channel"`
		MirrorTTL      time.Duration `yaml:"mirror_ttl"`
		BatchSize      int           `yaml:"batch_size"`
		BatchInterval  time.Duration `yaml:"batch_interval"`
		ResyncInterval time.Duration `yaml:"resync_interval"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int `yaml:"connections_per_minute"`
			MaxConcurrent        int `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.write_timeout must be >= 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Streams
	if c.Streams.MaxBufferLength <= 0 {
		return fmt.Errorf("streams.max_buffer_length must be > 0")
	}
	if c.Streams.StartLevel < -1 {
		return fmt.Errorf("streams.start_level must be >= -1")
	}
	if c.Streams.StartupTimeout < 0 {
		return fmt.Errorf("streams.startup_timeout must be >= 0")
	}
	if c.Streams.MaxSessions < 0 {
		return fmt.Errorf("streams.max_sessions must be >= 0")
	}
	if c.Streams.RTSPProxyBase == "" {
		return fmt.Errorf("streams.rtsp_proxy_base must not be empty")
	}

	// HLS
	if c.HLS.RequestTimeout <= 0 {
		return fmt.Errorf("hls.request_timeout must be > 0")
	}
	if c.HLS.ReloadAttempts <= 0 {
		return fmt.Errorf("hls.reload_attempts must be > 0")
	}

	// WebRTC
	if len(c.WebRTC.ICEServers) == 0 {
		return fmt.Errorf("webrtc.ice_servers must contain at least one server")
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.SignalingTimeout <= 0 {
		return fmt.Errorf("webrtc.signaling_timeout must be > 0")
	}
	if c.WebRTC.BreakerFailures <= 0 {
		return fmt.Errorf("webrtc.breaker_failures must be > 0")
	}

	// MJPEG
	if c.MJPEG.RequestTimeout <= 0 {
		return fmt.Errorf("mjpeg.request_timeout must be > 0")
	}
	if c.MJPEG.MaxFrameBytes <= 0 {
		return fmt.Errorf("mjpeg.max_frame_bytes must be > 0")
	}

	// Snapshot
	if c.Snapshot.JPEGQuality < 1 || c.Snapshot.JPEGQuality > 100 {
		return fmt.Errorf("snapshot.jpeg_quality must be in [1, 100]")
	}
	if c.Snapshot.CacheTTL < 0 {
		return fmt.Errorf("snapshot.cache_ttl must be >= 0")
	}

	// Monitoring
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
		if c.Redis.MirrorTTL <= 0 {
			return fmt.Errorf("redis.mirror_ttl must be > 0 when redis.enabled=true")
		}
		if c.Redis.BatchSize <= 0 || c.Redis.BatchInterval <= 0 {
			return fmt.Errorf("redis.batch_size and redis.batch_interval must be > 0 when redis.enabled=true")
		}
		if c.Redis.ResyncInterval <= 0 || c.Redis.ResyncInterval >= c.Redis.MirrorTTL {
			return fmt.Errorf("redis.resync_interval must be > 0 and < redis.mirror_ttl")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	// Snapshot and event streams are long lived; no write deadline by default.
	cfg.Server.WriteTimeout = 0
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Streams.Autoplay = true
	cfg.Streams.Muted = true
	cfg.Streams.LowLatency = true
	cfg.Streams.MaxBufferLength = 30 * time.Second
	cfg.Streams.StartLevel = -1
	cfg.Streams.StartupTimeout = 30 * time.Second
	cfg.Streams.RTSPProxyBase = "http://localhost:8888"

	cfg.HLS.RequestTimeout = 10 * time.Second
	cfg.HLS.ReloadAttempts = 3
	cfg.HLS.ReloadBackoff = 500 * time.Millisecond

	cfg.WebRTC.ICEServers = []struct {
		URLs       []string `yaml:"urls"`
		Username   string   `yaml:"username,omitempty"`
		Credential string   `yaml:"credential,omitempty"`
	}{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
	cfg.WebRTC.SignalingTimeout = 10 * time.Second
	cfg.WebRTC.BreakerFailures = 5
	cfg.WebRTC.BreakerReset = 30 * time.Second

	cfg.MJPEG.RequestTimeout = 10 * time.Second
	cfg.MJPEG.MaxFrameBytes = 8 << 20

	cfg.Snapshot.JPEGQuality = 92
	cfg.Snapshot.CacheTTL = 500 * time.Millisecond

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 15 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "camwatch:sessions"
	cfg.Redis.MirrorTTL = 2 * time.Minute
	cfg.Redis.BatchSize = 50
	cfg.Redis.BatchInterval = 200 * time.Millisecond
	cfg.Redis.ResyncInterval = 30 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CAMWATCH_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if id := os.Getenv("CAMWATCH_INSTANCE_ID"); id != "" {
		c.Server.InstanceID = id
	}
	if level := os.Getenv("CAMWATCH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if base := os.Getenv("CAMWATCH_RTSP_PROXY_BASE"); base != "" {
		c.Streams.RTSPProxyBase = base
	}
	if addr := os.Getenv("CAMWATCH_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("CAMWATCH_DEDUPE_BY_CAMERA"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Streams.DedupeByCamera = b
		}
	}
	if v := os.Getenv("CAMWATCH_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Streams.StartupTimeout = d
		}
	}
}
