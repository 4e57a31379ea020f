package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/genjob/internal/domain"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Queue backends selectable under dispatch.queue_backend.
const (
	QueueRabbitMQ = "rabbitmq"
	QueuePostgres = "postgres"
	QueueMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Worker     WorkerConfig     `yaml:"worker"`
	Policy     PolicyConfig     `yaml:"policy"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Backend    BackendConfig    `yaml:"backend"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxPageSize     int           `yaml:"max_page_size"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name        string `yaml:"name"`
	Durable     bool   `yaml:"durable"`
	AutoDelete  bool   `yaml:"auto_delete"`
	Exclusive   bool   `yaml:"exclusive"`
	MaxPriority int    `yaml:"max_priority"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the status pub/sub connection. An empty addr keeps
// status notifications in process.
type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	PoolSize      int           `yaml:"pool_size"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ChannelPrefix string        `yaml:"channel_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxPollFailures   int           `yaml:"max_poll_failures"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// PolicyConfig holds admission limits
type PolicyConfig struct {
	MaxPromptLength int                 `yaml:"max_prompt_length"`
	MaxAttempts     int                 `yaml:"max_attempts"`
	Rates           RateConfig          `yaml:"rates"`
	Resources       ResourceConfig      `yaml:"resources"`
	ExtraPatterns   map[string][]string `yaml:"extra_patterns"`
}

// RateConfig holds per-owner submission limits
type RateConfig struct {
	Concurrent int `yaml:"concurrent"`
	Hourly     int `yaml:"hourly"`
	Daily      int `yaml:"daily"`
}

// ResourceConfig holds per-kind resource bounds
type ResourceConfig struct {
	MaxImageWidth    int     `yaml:"max_image_width"`
	MaxImageHeight   int     `yaml:"max_image_height"`
	MaxImagePixels   int     `yaml:"max_image_pixels"`
	MaxVideoFrames   int     `yaml:"max_video_frames"`
	MaxVideoFPS      int     `yaml:"max_video_fps"`
	MaxVideoSeconds  float64 `yaml:"max_video_seconds"`
	MaxModelPolygons int     `yaml:"max_model_polygons"`
	MaxFileBytes     int64   `yaml:"max_file_bytes"`
}

// DispatchConfig holds queueing and automatic retry settings
type DispatchConfig struct {
	QueueBackend      string        `yaml:"queue_backend"`
	MaxRetries        *int          `yaml:"max_retries"`
	DefaultPriority   *int          `yaml:"default_priority"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// Retries is the automatic retry budget given to new jobs
func (d DispatchConfig) Retries() int {
	if d.MaxRetries == nil {
		return 3
	}
	return *d.MaxRetries
}

// Priority is applied to submissions that carry none
func (d DispatchConfig) Priority() int {
	if d.DefaultPriority == nil {
		return 5
	}
	return *d.DefaultPriority
}

// BackendConfig holds the execution backend client settings
type BackendConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	RateLimit     float64       `yaml:"rate_limit"`
	Burst         int           `yaml:"burst"`
	CancelTimeout time.Duration `yaml:"cancel_timeout"`
	TemplatesDir  string        `yaml:"templates_dir"`
}

// ReconcilerConfig holds the orphan sweep settings
type ReconcilerConfig struct {
	Enabled      bool                       `yaml:"enabled"`
	Interval     time.Duration              `yaml:"interval"`
	BatchSize    int                        `yaml:"batch_size"`
	RequeueAfter time.Duration              `yaml:"requeue_after"`
	Thresholds   map[string]ThresholdConfig `yaml:"thresholds"`
}

// ThresholdConfig bounds one kind's execution time
type ThresholdConfig struct {
	MaxExecution time.Duration `yaml:"max_execution"`
	Staleness    time.Duration `yaml:"staleness"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Worker.Concurrency, 1)
	setDefault(&c.Worker.JobTimeout, 30*time.Minute)
	setDefault(&c.Worker.HeartbeatInterval, 30*time.Second)
	setDefault(&c.Worker.MaxPollFailures, 3)
	setDefault(&c.Worker.ShutdownTimeout, 30*time.Second)

	setDefault(&c.Server.ShutdownTimeout, 15*time.Second)
	setDefault(&c.Server.MaxPageSize, 100)
	setDefault(&c.Database.SSLMode, "disable")
	setDefault(&c.RabbitMQ.Exchange.Type, "direct")
	setDefault(&c.RabbitMQ.Queue.MaxPriority, domain.MaxPriority)
	setDefault(&c.RabbitMQ.Consumer.PrefetchCount, c.Worker.Concurrency)
	setDefault(&c.Redis.ChannelPrefix, "genjob:job:")
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "console")

	setDefault(&c.Policy.MaxPromptLength, 4000)
	setDefault(&c.Policy.MaxAttempts, 5)
	setDefault(&c.Policy.Rates.Concurrent, 3)
	setDefault(&c.Policy.Rates.Hourly, 20)
	setDefault(&c.Policy.Rates.Daily, 100)
	setDefault(&c.Policy.Resources.MaxImageWidth, 2048)
	setDefault(&c.Policy.Resources.MaxImageHeight, 2048)
	setDefault(&c.Policy.Resources.MaxImagePixels, 4194304)
	setDefault(&c.Policy.Resources.MaxVideoFrames, 48)
	setDefault(&c.Policy.Resources.MaxVideoFPS, 8)
	setDefault(&c.Policy.Resources.MaxVideoSeconds, 6)
	setDefault(&c.Policy.Resources.MaxModelPolygons, 200000)
	setDefault(&c.Policy.Resources.MaxFileBytes, 512<<20)

	setDefault(&c.Dispatch.QueueBackend, QueueRabbitMQ)
	setDefault(&c.Dispatch.VisibilityTimeout, time.Minute)
	setDefault(&c.Dispatch.PollInterval, time.Second)

	setDefault(&c.Backend.Timeout, 30*time.Second)
	setDefault(&c.Backend.PollInterval, 2*time.Second)
	setDefault(&c.Backend.CancelTimeout, 10*time.Second)

	setDefault(&c.Reconciler.Interval, 30*time.Second)
	setDefault(&c.Reconciler.BatchSize, 100)
	setDefault(&c.Reconciler.RequeueAfter, 5*time.Minute)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// ValidateAPIConfig checks the settings the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if p := c.Dispatch.Priority(); p < domain.MinPriority || p > domain.MaxPriority {
		return fmt.Errorf("dispatch default_priority must be between %d and %d", domain.MinPriority, domain.MaxPriority)
	}

	if c.Policy.MaxPromptLength <= 0 {
		return fmt.Errorf("policy max_prompt_length must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base_url is required")
	}
	if _, err := url.ParseRequestURI(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("invalid backend base_url: %w", err)
	}

	for kind, th := range c.Reconciler.Thresholds {
		if !domain.Kind(kind).Valid() {
			return fmt.Errorf("reconciler threshold for unknown job kind %q", kind)
		}
		if th.MaxExecution < 0 || th.Staleness < 0 {
			return fmt.Errorf("reconciler thresholds for %s must not be negative", kind)
		}
	}

	return nil
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Dispatch.Retries() < 0 {
		return fmt.Errorf("dispatch max_retries must not be negative")
	}

	switch c.Dispatch.QueueBackend {
	case QueueRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
		if c.RabbitMQ.Queue.MaxPriority < domain.MaxPriority || c.RabbitMQ.Queue.MaxPriority > 255 {
			return fmt.Errorf("rabbitmq queue max_priority must be between %d and 255", domain.MaxPriority)
		}
	case QueuePostgres, QueueMemory:
	default:
		return fmt.Errorf("unknown dispatch queue_backend %q", c.Dispatch.QueueBackend)
	}

	return nil
}
