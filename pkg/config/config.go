package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"vcam/internal/core/domain"
	"vcam/pkg/circuitbreaker"
	"vcam/pkg/retry"
	"vcam/pkg/tracing"
	"vcam/pkg/validation"

	"gopkg.in/yaml.v2"
)

// Device variants selectable from config.
const (
	VariantProduction = "production"
	VariantTest       = "test"
)

type Config struct {
	Device struct {
		Variant string `yaml:"variant"`

		// Optional overrides on top of the variant. Zero values keep the
		// variant's setting.
		Name          string `yaml:"name"`
		FrameRate     int    `yaml:"frame_rate"`
		IdleFrameRate int    `yaml:"idle_frame_rate"`
		Width         int    `yaml:"width"`
		Height        int    `yaml:"height"`
		Codec         string `yaml:"codec"`
		LogPrefix     string `yaml:"log_prefix"`
		LogMode       string `yaml:"log_mode"`
	} `yaml:"device"`

	Bridge struct {
		TargetDelay         int           `yaml:"target_delay"` // frames the pump may lag behind the producer
		ClientEventBuffer   int           `yaml:"client_event_buffer"`
		LogThrottleInterval time.Duration `yaml:"log_throttle_interval"` // 0 disables throttling
	} `yaml:"bridge"`

	IPC struct {
		Address           string                `yaml:"address"`
		Path              string                `yaml:"path"`
		HandshakeTimeout  time.Duration         `yaml:"handshake_timeout"`
		RequestTimeout    time.Duration         `yaml:"request_timeout"`
		ReadTimeout       time.Duration         `yaml:"read_timeout"`
		WriteTimeout      time.Duration         `yaml:"write_timeout"`
		PingInterval      time.Duration         `yaml:"ping_interval"`
		MessagesPerSecond float64               `yaml:"messages_per_second"`
		Burst             int                   `yaml:"burst"`
		MaxMessageSize    int64                 `yaml:"max_message_size_bytes"`
		Secret            string                `yaml:"secret"`
		TokenTTL          time.Duration         `yaml:"token_ttl"`
		Retry             retry.Config          `yaml:"retry"`
		CircuitBreaker    circuitbreaker.Config `yaml:"circuit_breaker"`
	} `yaml:"ipc"`

	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

		RateLimit struct {
			Enabled           bool    `yaml:"enabled"`
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // 0 = unlimited
		} `yaml:"rate_limit"`
	} `yaml:"server"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		PrometheusAddress   string        `yaml:"prometheus_address"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
		// Retry governs the connect-time ping.
		Retry retry.Config `yaml:"retry"`
	} `yaml:"redis"`

	Tracing tracing.Config `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Device
	if _, err := c.DeviceConfiguration(); err != nil {
		return fmt.Errorf("device: %w", err)
	}

	// Bridge
	if c.Bridge.TargetDelay < 0 {
		return fmt.Errorf("bridge.target_delay must be >= 0")
	}
	if c.Bridge.ClientEventBuffer <= 0 {
		return fmt.Errorf("bridge.client_event_buffer must be > 0")
	}
	if c.Bridge.LogThrottleInterval < 0 {
		return fmt.Errorf("bridge.log_throttle_interval must be >= 0")
	}

	// IPC
	if err := validation.ValidateAddress(c.IPC.Address, "ipc.address"); err != nil {
		return err
	}
	if err := validation.ValidatePath(c.IPC.Path, "ipc.path"); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"handshake_timeout": c.IPC.HandshakeTimeout,
		"request_timeout":   c.IPC.RequestTimeout,
		"read_timeout":      c.IPC.ReadTimeout,
		"write_timeout":     c.IPC.WriteTimeout,
		"ping_interval":     c.IPC.PingInterval,
		"token_ttl":         c.IPC.TokenTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("ipc.%s must be > 0", name)
		}
	}
	if c.IPC.PingInterval >= c.IPC.ReadTimeout {
		return fmt.Errorf("ipc.ping_interval must be < ipc.read_timeout")
	}
	if c.IPC.MessagesPerSecond <= 0 {
		return fmt.Errorf("ipc.messages_per_second must be > 0")
	}
	if c.IPC.Burst <= 0 {
		return fmt.Errorf("ipc.burst must be > 0")
	}
	if c.IPC.MaxMessageSize <= 0 {
		return fmt.Errorf("ipc.max_message_size_bytes must be > 0")
	}
	if len(c.IPC.Secret) < 16 {
		return fmt.Errorf("ipc.secret must be at least 16 bytes")
	}
	if c.IPC.Retry.Enabled {
		if c.IPC.Retry.MaxAttempts < 0 {
			return fmt.Errorf("ipc.retry.max_attempts must be >= 0")
		}
		if c.IPC.Retry.Multiplier < 1 {
			return fmt.Errorf("ipc.retry.multiplier must be >= 1")
		}
	}
	if c.IPC.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("ipc.circuit_breaker.failure_threshold must be > 0")
	}
	if c.IPC.CircuitBreaker.SuccessThreshold <= 0 {
		return fmt.Errorf("ipc.circuit_breaker.success_threshold must be > 0")
	}
	if c.IPC.CircuitBreaker.Timeout <= 0 {
		return fmt.Errorf("ipc.circuit_breaker.timeout must be > 0")
	}
	if c.IPC.CircuitBreaker.MaxRequestsHalfOpen <= 0 {
		return fmt.Errorf("ipc.circuit_breaker.max_requests_half_open must be > 0")
	}

	// Server
	if err := validation.ValidateAddress(c.Server.Address, "server.address"); err != nil {
		return err
	}
	if c.Server.Address == c.IPC.Address {
		return fmt.Errorf("server.address and ipc.address must differ")
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
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.Server.RateLimit.Burst <= 0 {
			return fmt.Errorf("server.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
		if c.Server.RateLimit.MaxConcurrent < 0 {
			return fmt.Errorf("server.rate_limit.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled {
		if err := validation.ValidateAddress(c.Monitoring.PrometheusAddress, "monitoring.prometheus_address"); err != nil {
			return err
		}
	}
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}
	if c.Monitoring.HealthCheckTimeout <= 0 {
		return fmt.Errorf("monitoring.health_check_timeout must be > 0")
	}

	// Logging
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}

	// Redis
	if c.Redis.Enabled {
		if err := validation.ValidateAddress(c.Redis.Address, "redis.address"); err != nil {
			return err
		}
		if err := validation.ValidateChannel(c.Redis.Channel); err != nil {
			return fmt.Errorf("redis.channel: %w", err)
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within 0..1")
		}
	}

	return nil
}

// DeviceConfiguration builds the immutable device description: the selected
// variant with any overrides from the device section applied.
func (c *Config) DeviceConfiguration() (domain.DeviceConfiguration, error) {
	var dev domain.DeviceConfiguration
	switch c.Device.Variant {
	case VariantProduction, "":
		dev = domain.ProductionDeviceConfiguration()
	case VariantTest:
		dev = domain.TestDeviceConfiguration()
	default:
		return domain.DeviceConfiguration{}, fmt.Errorf("unknown variant %q", c.Device.Variant)
	}

	if c.Device.Name != "" {
		dev.Name = c.Device.Name
	}
	if c.Device.FrameRate != 0 {
		dev.FrameRate = c.Device.FrameRate
	}
	if c.Device.IdleFrameRate != 0 {
		dev.IdleFrameRate = c.Device.IdleFrameRate
	}
	if c.Device.Width != 0 {
		dev.Resolution.Width = c.Device.Width
	}
	if c.Device.Height != 0 {
		dev.Resolution.Height = c.Device.Height
	}
	if c.Device.Codec != "" {
		dev.Codec = domain.Codec(strings.ToLower(c.Device.Codec))
	}
	if c.Device.LogPrefix != "" {
		dev.LogMessagePrefix = c.Device.LogPrefix
	}
	if c.Device.LogMode != "" {
		dev.LogCollectionMode = domain.LogCollectionMode(strings.ToLower(c.Device.LogMode))
	}

	if err := validation.ValidateDeviceName(dev.Name); err != nil {
		return domain.DeviceConfiguration{}, err
	}
	if err := dev.Validate(); err != nil {
		return domain.DeviceConfiguration{}, err
	}
	return dev, nil
}

// IPCURL is the websocket URL the host dials.
func (c *Config) IPCURL() string {
	return "ws://" + c.IPC.Address + c.IPC.Path
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
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

	cfg.Device.Variant = VariantProduction

	cfg.Bridge.TargetDelay = 1
	cfg.Bridge.ClientEventBuffer = 64
	cfg.Bridge.LogThrottleInterval = 60 * time.Second

	cfg.IPC.Address = "127.0.0.1:7420"
	cfg.IPC.Path = "/ipc"
	cfg.IPC.HandshakeTimeout = 5 * time.Second
	cfg.IPC.RequestTimeout = 5 * time.Second
	cfg.IPC.ReadTimeout = 45 * time.Second
	cfg.IPC.WriteTimeout = 5 * time.Second
	cfg.IPC.PingInterval = 15 * time.Second
	cfg.IPC.MessagesPerSecond = 50
	cfg.IPC.Burst = 100
	cfg.IPC.MaxMessageSize = 1 << 20
	cfg.IPC.Secret = "change-me-in-production"
	cfg.IPC.TokenTTL = time.Hour
	cfg.IPC.Retry = retry.DefaultConfig()
	cfg.IPC.CircuitBreaker = circuitbreaker.DefaultConfig()

	cfg.Server.Address = "127.0.0.1:7421"
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RequestsPerSecond = 20
	cfg.Server.RateLimit.Burst = 40
	cfg.Server.RateLimit.MaxConcurrent = 0

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusAddress = "127.0.0.1:9464"
	cfg.Monitoring.HealthCheckInterval = 30 * time.Second
	cfg.Monitoring.HealthCheckTimeout = 5 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "vcam:events"
	cfg.Redis.Retry = retry.DefaultConfig()

	cfg.Tracing = tracing.DefaultConfig()

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("VCAM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("VCAM_IPC_ADDRESS"); addr != "" {
		c.IPC.Address = addr
	}
	if secret := os.Getenv("VCAM_IPC_SECRET"); secret != "" {
		c.IPC.Secret = secret
	}
	if addr := os.Getenv("VCAM_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if variant := os.Getenv("VCAM_DEVICE_VARIANT"); variant != "" {
		c.Device.Variant = variant
	}
	if addr := os.Getenv("VCAM_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
