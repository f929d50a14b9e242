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
	} `yaml:"server"`

	Signal struct {
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		CleanupTimeout time.Duration `yaml:"cleanup_timeout"`
		ReadLimitBytes int64         `yaml:"read_limit_bytes"`
		SendBuffer     int           `yaml:"send_buffer"`
	} `yaml:"signal"`

	Relay struct {
		DefaultRoom         string        `yaml:"default_room"`
		MaxMessageLength    int           `yaml:"max_message_length"`
		SignalingIDLength   int           `yaml:"signaling_id_length"`
		HistoryPageSize     int           `yaml:"history_page_size"`
		DeliveryBuffer      int           `yaml:"delivery_buffer"`
		SubscribeAckTimeout time.Duration `yaml:"subscribe_ack_timeout"`
	} `yaml:"relay"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Redis struct {
		Enabled          bool          `yaml:"enabled"`
		Address          string        `yaml:"address"`
		Password         string        `yaml:"password"`
		DB               int           `yaml:"db"`
		PoolSize         int           `yaml:"pool_size"`
		OperationTimeout time.Duration `yaml:"operation_timeout"`
		KeyPrefix        string        `yaml:"key_prefix"`
	} `yaml:"redis"`

	Reliability struct {
		RetryAttempts    int           `yaml:"retry_attempts"`
		RetryDelay       time.Duration `yaml:"retry_delay"`
		FailureThreshold int           `yaml:"failure_threshold"`
		OpenTimeout      time.Duration `yaml:"open_timeout"`
	} `yaml:"reliability"`

	Chat struct {
		DatabasePath string `yaml:"database_path"`
	} `yaml:"chat"`

	Backup struct {
		Enabled   bool          `yaml:"enabled"`
		Directory string        `yaml:"directory"`
		Interval  time.Duration `yaml:"interval"`
		Keep      int           `yaml:"keep"`
		LockTTL   time.Duration `yaml:"lock_ttl"`
	} `yaml:"backup"`

	Media struct {
		GiphyAPIKey string        `yaml:"giphy_api_key"`
		GiphyURL    string        `yaml:"giphy_url"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"media"`

	Auth struct {
		JWTSecret       string        `yaml:"jwt_secret"`
		AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
		RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.CleanupTimeout <= 0 {
		return fmt.Errorf("signal.cleanup_timeout must be > 0")
	}
	if c.Signal.ReadLimitBytes <= 0 {
		return fmt.Errorf("signal.read_limit_bytes must be > 0")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}

	if c.Relay.DefaultRoom == "" {
		return fmt.Errorf("relay.default_room must not be empty")
	}
	if c.Relay.MaxMessageLength <= 0 {
		return fmt.Errorf("relay.max_message_length must be > 0")
	}
	if c.Relay.SignalingIDLength < 4 {
		return fmt.Errorf("relay.signaling_id_length must be >= 4")
	}
	if c.Relay.HistoryPageSize <= 0 {
		return fmt.Errorf("relay.history_page_size must be > 0")
	}
	if c.Relay.DeliveryBuffer <= 0 {
		return fmt.Errorf("relay.delivery_buffer must be > 0")
	}
	if c.Relay.SubscribeAckTimeout <= 0 {
		return fmt.Errorf("relay.subscribe_ack_timeout must be > 0")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.OperationTimeout <= 0 {
			return fmt.Errorf("redis.operation_timeout must be > 0 when redis.enabled=true")
		}
	}

	if c.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("reliability.retry_attempts must be >= 0")
	}
	if c.Reliability.FailureThreshold <= 0 {
		return fmt.Errorf("reliability.failure_threshold must be > 0")
	}

	if c.Chat.DatabasePath == "" {
		return fmt.Errorf("chat.database_path must not be empty")
	}
	if c.Backup.Enabled {
		if c.Backup.Directory == "" {
			return fmt.Errorf("backup.directory must not be empty when backup.enabled=true")
		}
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0 when backup.enabled=true")
		}
		if c.Backup.Keep < 0 {
			return fmt.Errorf("backup.keep must be >= 0")
		}
		if c.Backup.LockTTL <= 0 {
			return fmt.Errorf("backup.lock_ttl must be > 0 when backup.enabled=true")
		}
	}
	if c.Media.Timeout <= 0 {
		return fmt.Errorf("media.timeout must be > 0")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL < c.Auth.AccessTokenTTL {
		return fmt.Errorf("auth token ttls must be > 0 and refresh_token_ttl >= access_token_ttl")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 || c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http requests_per_second and burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 || c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket messages_per_second and burst must be > 0 when rate limiting is enabled")
		}
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
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
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.CleanupTimeout = 5 * time.Second
	cfg.Signal.ReadLimitBytes = 64 * 1024
	cfg.Signal.SendBuffer = 256

	cfg.Relay.DefaultRoom = "1"
	cfg.Relay.MaxMessageLength = 100000
	cfg.Relay.SignalingIDLength = 8
	cfg.Relay.HistoryPageSize = 20
	cfg.Relay.DeliveryBuffer = 512
	cfg.Relay.SubscribeAckTimeout = 5 * time.Second

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.OperationTimeout = 2 * time.Second
	cfg.Redis.KeyPrefix = "chanrelay"

	cfg.Reliability.RetryAttempts = 2
	cfg.Reliability.RetryDelay = 50 * time.Millisecond
	cfg.Reliability.FailureThreshold = 5
	cfg.Reliability.OpenTimeout = 10 * time.Second

	cfg.Chat.DatabasePath = "data/chanrelay.db"

	cfg.Backup.Enabled = false
	cfg.Backup.Directory = "data/backups"
	cfg.Backup.Interval = 6 * time.Hour
	cfg.Backup.Keep = 14
	cfg.Backup.LockTTL = 5 * time.Minute

	cfg.Media.GiphyURL = "https://api.giphy.com/v1/gifs/random"
	cfg.Media.Timeout = 3 * time.Second

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100

	cfg.Tracing.ServiceName = "chanrelay"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CHANRELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("CHANRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CHANRELAY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("CHANRELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if enabled := os.Getenv("CHANRELAY_REDIS_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			c.Redis.Enabled = v
		}
	}
	if path := os.Getenv("CHANRELAY_CHAT_DATABASE_PATH"); path != "" {
		c.Chat.DatabasePath = path
	}
	if enabled := os.Getenv("CHANRELAY_BACKUP_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			c.Backup.Enabled = v
		}
	}
	if dir := os.Getenv("CHANRELAY_BACKUP_DIRECTORY"); dir != "" {
		c.Backup.Directory = dir
	}
	if key := os.Getenv("CHANRELAY_GIPHY_API_KEY"); key != "" {
		c.Media.GiphyAPIKey = key
	}
}
