package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	WHEP struct {
		// ServerURL is the appliance origin. BaseURL may be relative
		// (the appliance serves WHEP under its own origin) and is then
		// resolved against ServerURL.
		ServerURL      string        `yaml:"server_url"`
		BaseURL        string        `yaml:"base_url"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"whep"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Connection struct {
		Timeout   time.Duration `yaml:"timeout"`
		Reconnect struct {
			Enabled     bool          `yaml:"enabled"`
			BaseDelay   time.Duration `yaml:"base_delay"`
			MaxDelay    time.Duration `yaml:"max_delay"`
			MaxAttempts int           `yaml:"max_attempts"`
		} `yaml:"reconnect"`
	} `yaml:"connection"`

	Candidates struct {
		PollInterval    time.Duration `yaml:"poll_interval"`
		MaxPollDuration time.Duration `yaml:"max_poll_duration"`
	} `yaml:"candidates"`

	Heartbeat struct {
		Enabled         bool          `yaml:"enabled"`
		Interval        time.Duration `yaml:"interval"`
		MissedThreshold int           `yaml:"missed_threshold"`
	} `yaml:"heartbeat"`

	Stats struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"stats"`

	// Sinks are started automatically on daemon startup.
	Sinks []string `yaml:"sinks"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		Enabled   bool   `yaml:"enabled"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxConcurrent     int     `yaml:"max_concurrent"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// WHEPBaseURL returns the absolute WHEP base URL, resolving a relative
// base path against the configured server origin.
func (c *Config) WHEPBaseURL() string {
	base := strings.TrimSuffix(c.WHEP.BaseURL, "/")
	if strings.HasPrefix(base, "http://") || strings.HasPrefix(base, "https://") {
		return base
	}
	origin := strings.TrimSuffix(c.WHEP.ServerURL, "/")
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return origin + base
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.WHEP.BaseURL == "" {
		return fmt.Errorf("whep.base_url must not be empty")
	}
	if !strings.HasPrefix(c.WHEP.BaseURL, "http://") &&
		!strings.HasPrefix(c.WHEP.BaseURL, "https://") && c.WHEP.ServerURL == "" {
		return fmt.Errorf("whep.server_url is required when whep.base_url is relative")
	}
	if c.WHEP.RequestTimeout <= 0 {
		return fmt.Errorf("whep.request_timeout must be > 0")
	}

	if len(c.WebRTC.ICEServers) == 0 {
		return fmt.Errorf("webrtc.ice_servers must contain at least one entry")
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	if c.Connection.Timeout <= 0 {
		return fmt.Errorf("connection.timeout must be > 0")
	}
	if c.Connection.Reconnect.Enabled {
		if c.Connection.Reconnect.BaseDelay <= 0 {
			return fmt.Errorf("connection.reconnect.base_delay must be > 0")
		}
		if c.Connection.Reconnect.MaxAttempts <= 0 {
			return fmt.Errorf("connection.reconnect.max_attempts must be > 0")
		}
		if c.Connection.Reconnect.MaxDelay < 0 {
			return fmt.Errorf("connection.reconnect.max_delay must be >= 0")
		}
	}

	if c.Candidates.PollInterval <= 0 {
		return fmt.Errorf("candidates.poll_interval must be > 0")
	}
	if c.Candidates.MaxPollDuration <= 0 {
		return fmt.Errorf("candidates.max_poll_duration must be > 0")
	}

	if c.Heartbeat.Enabled {
		if c.Heartbeat.Interval <= 0 {
			return fmt.Errorf("heartbeat.interval must be > 0")
		}
		if c.Heartbeat.MissedThreshold <= 0 {
			return fmt.Errorf("heartbeat.missed_threshold must be > 0")
		}
	}

	if c.Stats.Enabled && c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval must be > 0")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.max_concurrent must be >= 0")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
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

	cfg.Server.Address = ":8090"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.WHEP.ServerURL = "http://127.0.0.1:8080"
	cfg.WHEP.BaseURL = "/api/whep"
	cfg.WHEP.RequestTimeout = 10 * time.Second

	cfg.WebRTC.ICEServers = []struct {
		URLs       []string `yaml:"urls"`
		Username   string   `yaml:"username,omitempty"`
		Credential string   `yaml:"credential,omitempty"`
	}{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.Connection.Timeout = 30 * time.Second
	cfg.Connection.Reconnect.Enabled = true
	cfg.Connection.Reconnect.BaseDelay = 3 * time.Second
	cfg.Connection.Reconnect.MaxAttempts = 5

	cfg.Candidates.PollInterval = time.Second
	cfg.Candidates.MaxPollDuration = 30 * time.Second

	cfg.Heartbeat.Enabled = true
	cfg.Heartbeat.Interval = 5 * time.Second
	cfg.Heartbeat.MissedThreshold = 3

	cfg.Stats.Enabled = true
	cfg.Stats.Interval = 5 * time.Second

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.Enabled = false

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100
	cfg.RateLimiting.MaxConcurrent = 0

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	// Apply environment variable overrides
	if addr := os.Getenv("SINKLISTEN_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("SINKLISTEN_WHEP_URL"); url != "" {
		c.WHEP.BaseURL = url
	}
	if url := os.Getenv("SINKLISTEN_WHEP_SERVER_URL"); url != "" {
		c.WHEP.ServerURL = url
	}
	if level := os.Getenv("SINKLISTEN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("SINKLISTEN_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if secret := os.Getenv("SINKLISTEN_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
