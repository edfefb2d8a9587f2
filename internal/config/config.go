package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Duration wraps time.Duration so YAML values can be written as "30s" or
// "5m". Plain integers are accepted as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Logging  LoggingConfig  `yaml:"logging"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Worker   WorkerConfig   `yaml:"worker"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Cache    CacheConfig    `yaml:"cache"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// RabbitMQConfig holds RabbitMQ connection configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Connection ConnectionConfig `yaml:"connection"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryInterval Duration `yaml:"retry_interval"`
	Heartbeat     Duration `yaml:"heartbeat"`
	DialTimeout   Duration `yaml:"dial_timeout"`
	LockTimeout   Duration `yaml:"lock_timeout"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string   `yaml:"addr"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                   string   `yaml:"id"`
	DisplayName          string   `yaml:"display_name"`
	MaxParallelJobs      int      `yaml:"max_parallel_jobs"`
	DefaultMaxRetries    int      `yaml:"default_max_retries"`
	RetryBaseDelay       Duration `yaml:"retry_base_delay"`
	JobTimeout           Duration `yaml:"job_timeout"`
	HeartbeatInterval    Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout      Duration `yaml:"shutdown_timeout"`
	SlotDrainTimeout     Duration `yaml:"slot_drain_timeout"`
	RegistrationAttempts int      `yaml:"registration_attempts"`
	RegistrationBackoff  Duration `yaml:"registration_backoff"`
	HealthPort           int      `yaml:"health_port"`
}

// OutboxConfig holds the local durable store configuration
type OutboxConfig struct {
	Path            string   `yaml:"path"`
	SyncInterval    Duration `yaml:"sync_interval"`
	SyncBatch       int      `yaml:"sync_batch"`
	MaxSyncAttempts int      `yaml:"max_sync_attempts"`
	Retention       Duration `yaml:"retention"`
}

// MonitorConfig holds connection health monitor settings
type MonitorConfig struct {
	Interval    Duration `yaml:"interval"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	Cooldown         Duration `yaml:"cooldown"`
}

// CacheConfig holds status cache settings
type CacheConfig struct {
	StatusTTL Duration `yaml:"status_ttl"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// Load reads and parses the configuration file, filling in defaults for
// optional settings
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	return &config, nil
}

// setDefaults fills zero values with operational defaults
func (c *Config) setDefaults() {
	if c.RabbitMQ.Connection.RetryAttempts <= 0 {
		c.RabbitMQ.Connection.RetryAttempts = 5
	}
	if c.RabbitMQ.Connection.RetryInterval <= 0 {
		c.RabbitMQ.Connection.RetryInterval = Duration(3 * time.Second)
	}
	if c.RabbitMQ.Connection.Heartbeat <= 0 {
		c.RabbitMQ.Connection.Heartbeat = Duration(10 * time.Second)
	}
	if c.RabbitMQ.Connection.DialTimeout <= 0 {
		c.RabbitMQ.Connection.DialTimeout = Duration(5 * time.Second)
	}
	if c.RabbitMQ.Connection.LockTimeout <= 0 {
		c.RabbitMQ.Connection.LockTimeout = Duration(10 * time.Second)
	}

	if c.Redis.DialTimeout <= 0 {
		c.Redis.DialTimeout = Duration(5 * time.Second)
	}
	if c.Redis.ReadTimeout <= 0 {
		c.Redis.ReadTimeout = Duration(3 * time.Second)
	}
	if c.Redis.WriteTimeout <= 0 {
		c.Redis.WriteTimeout = Duration(3 * time.Second)
	}

	if c.Worker.MaxParallelJobs <= 0 {
		c.Worker.MaxParallelJobs = 4
	}
	if c.Worker.DefaultMaxRetries <= 0 {
		c.Worker.DefaultMaxRetries = 3
	}
	if c.Worker.RetryBaseDelay <= 0 {
		c.Worker.RetryBaseDelay = Duration(5 * time.Second)
	}
	if c.Worker.JobTimeout <= 0 {
		c.Worker.JobTimeout = Duration(10 * time.Minute)
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = Duration(30 * time.Second)
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = Duration(30 * time.Second)
	}
	if c.Worker.SlotDrainTimeout <= 0 {
		c.Worker.SlotDrainTimeout = Duration(30 * time.Second)
	}
	if c.Worker.RegistrationAttempts <= 0 {
		c.Worker.RegistrationAttempts = 10
	}
	if c.Worker.RegistrationBackoff <= 0 {
		c.Worker.RegistrationBackoff = Duration(2 * time.Second)
	}

	if c.Outbox.SyncInterval <= 0 {
		c.Outbox.SyncInterval = Duration(15 * time.Second)
	}
	if c.Outbox.SyncBatch <= 0 {
		c.Outbox.SyncBatch = 50
	}
	if c.Outbox.MaxSyncAttempts <= 0 {
		c.Outbox.MaxSyncAttempts = 5
	}
	if c.Outbox.Retention <= 0 {
		c.Outbox.Retention = Duration(24 * time.Hour)
	}

	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = Duration(5 * time.Second)
	}
	if c.Monitor.DialTimeout <= 0 {
		c.Monitor.DialTimeout = Duration(3 * time.Second)
	}

	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = Duration(30 * time.Second)
	}

	if c.Cache.StatusTTL <= 0 {
		c.Cache.StatusTTL = Duration(time.Hour)
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "relayq:status:"
	}
}

// ValidateWorkerConfig checks the settings the worker service cannot run without
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.ID == "" {
		return fmt.Errorf("worker id is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	if c.Outbox.Path == "" {
		return fmt.Errorf("outbox path is required")
	}

	if c.Worker.HealthPort != 0 && (c.Worker.HealthPort < MinPort || c.Worker.HealthPort > MaxPort) {
		return fmt.Errorf("invalid health port: %d (must be between %d and %d)", c.Worker.HealthPort, MinPort, MaxPort)
	}

	return nil
}

// ValidateCtlConfig checks the settings the admin CLI needs to reach the broker
func (c *Config) ValidateCtlConfig() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	return nil
}
