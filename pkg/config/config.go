package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Signal struct {
		URL              string        `yaml:"url"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		RequestTimeout   time.Duration `yaml:"request_timeout"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongTimeout      time.Duration `yaml:"pong_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		DialAttempts     int           `yaml:"dial_attempts"`
		MessagesPerSec   float64       `yaml:"messages_per_second"`
		MessageBurst     int           `yaml:"message_burst"`
		BreakerThreshold int           `yaml:"breaker_threshold"`
		BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"signal"`

	Session struct {
		ReconnectionAllowed     bool          `yaml:"reconnection_allowed"`
		MaxConnectAttempts      int           `yaml:"max_connect_attempts"`
		MaxReconnectAttempts    int           `yaml:"max_reconnect_attempts"`
		ReconnectionTimeout     time.Duration `yaml:"reconnection_timeout"`
		LeaveAckTimeout         time.Duration `yaml:"leave_ack_timeout"`
		PublishHealthGrace      time.Duration `yaml:"publish_health_grace"`
		ConnectionSettleTimeout time.Duration `yaml:"connection_settle_timeout"`
		HealthCheckInterval     time.Duration `yaml:"health_check_interval"`
		ProbeInterval           time.Duration `yaml:"probe_interval"`
		ProbeURL                string        `yaml:"probe_url"`
	} `yaml:"session"`

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
		DataChannelLabel string   `yaml:"data_channel_label"`
		VideoCodecs      []string `yaml:"video_codecs"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		AdminAddress      string `yaml:"admin_address"`
		// AdminToken guards the mutating admin routes. Empty disables them.
		AdminToken     string  `yaml:"admin_token"`
		RequestsPerSec float64 `yaml:"requests_per_second"`
		Burst          int     `yaml:"burst"`
		MaxConcurrent  int     `yaml:"max_concurrent"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Store struct {
		Backend   string        `yaml:"backend"`
		Address   string        `yaml:"address"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		PoolSize  int           `yaml:"pool_size"`
		KeyPrefix string        `yaml:"key_prefix"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"store"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signal
	if c.Signal.URL == "" {
		return fmt.Errorf("signal.url must not be empty")
	}
	if c.Signal.DialTimeout <= 0 {
		return fmt.Errorf("signal.dial_timeout must be > 0")
	}
	if c.Signal.RequestTimeout <= 0 {
		return fmt.Errorf("signal.request_timeout must be > 0")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.DialAttempts < 0 {
		return fmt.Errorf("signal.dial_attempts must be >= 0")
	}
	if c.Signal.MessagesPerSec <= 0 || c.Signal.MessageBurst <= 0 {
		return fmt.Errorf("signal.messages_per_second and signal.message_burst must be > 0")
	}
	if c.Signal.BreakerThreshold <= 0 {
		return fmt.Errorf("signal.breaker_threshold must be > 0")
	}

	// Session
	if c.Session.MaxConnectAttempts <= 0 {
		return fmt.Errorf("session.max_connect_attempts must be > 0")
	}
	if c.Session.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("session.max_reconnect_attempts must be > 0")
	}
	if c.Session.ReconnectionTimeout <= 0 {
		return fmt.Errorf("session.reconnection_timeout must be > 0")
	}
	if c.Session.LeaveAckTimeout <= 0 {
		return fmt.Errorf("session.leave_ack_timeout must be > 0")
	}
	if c.Session.HealthCheckInterval <= 0 {
		return fmt.Errorf("session.health_check_interval must be > 0")
	}
	if c.Session.ConnectionSettleTimeout <= 0 {
		return fmt.Errorf("session.connection_settle_timeout must be > 0")
	}
	if c.Session.PublishHealthGrace < 0 {
		return fmt.Errorf("session.publish_health_grace must be >= 0")
	}
	if c.Session.ProbeInterval <= 0 {
		return fmt.Errorf("session.probe_interval must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Monitoring
	if c.Monitoring.RequestsPerSec < 0 || c.Monitoring.Burst < 0 || c.Monitoring.MaxConcurrent < 0 {
		return fmt.Errorf("monitoring rate limits must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Store
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Address == "" {
			return fmt.Errorf("store.address must not be empty when store.backend=redis")
		}
		if c.Store.PoolSize <= 0 {
			return fmt.Errorf("store.pool_size must be > 0 when store.backend=redis")
		}
	default:
		return fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend)
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

	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.DialTimeout = 10 * time.Second
	cfg.Signal.RequestTimeout = 15 * time.Second
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.DialAttempts = 3
	cfg.Signal.MessagesPerSec = 20
	cfg.Signal.MessageBurst = 40
	cfg.Signal.BreakerThreshold = 5
	cfg.Signal.BreakerCooldown = 10 * time.Second

	cfg.Session.ReconnectionAllowed = true
	cfg.Session.MaxConnectAttempts = 3
	cfg.Session.MaxReconnectAttempts = 3
	cfg.Session.ReconnectionTimeout = 60 * time.Second
	cfg.Session.LeaveAckTimeout = time.Second
	cfg.Session.PublishHealthGrace = 10 * time.Second
	cfg.Session.ConnectionSettleTimeout = 30 * time.Second
	cfg.Session.HealthCheckInterval = 10 * time.Second
	cfg.Session.ProbeInterval = 2 * time.Second
	cfg.Session.ProbeURL = "http://localhost:8081/health"

	cfg.WebRTC.DataChannelLabel = "data"
	cfg.WebRTC.VideoCodecs = []string{"vp8", "h264"}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.AdminAddress = "127.0.0.1:9091"
	cfg.Monitoring.RequestsPerSec = 10
	cfg.Monitoring.Burst = 20
	cfg.Monitoring.MaxConcurrent = 32

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "confroom"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Store.Backend = "memory"
	cfg.Store.Address = "localhost:6379"
	cfg.Store.PoolSize = 10
	cfg.Store.KeyPrefix = "confroom:session:"
	cfg.Store.TTL = 10 * time.Minute

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("CONFROOM_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if probe := os.Getenv("CONFROOM_PROBE_URL"); probe != "" {
		c.Session.ProbeURL = probe
	}
	if token := os.Getenv("CONFROOM_ADMIN_TOKEN"); token != "" {
		c.Monitoring.AdminToken = token
	}
	if level := os.Getenv("CONFROOM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if backend := os.Getenv("CONFROOM_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if addr := os.Getenv("CONFROOM_REDIS_ADDRESS"); addr != "" {
		c.Store.Address = addr
	}
}
