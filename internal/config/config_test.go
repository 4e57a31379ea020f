package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "genjob_db", cfg.Database.Database)
				assert.Equal(t, "genjob_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, 10, cfg.RabbitMQ.Queue.MaxPriority)
				assert.Equal(t, "genjob-api-service", cfg.App.Name)
				assert.Equal(t, 2000, cfg.Policy.MaxPromptLength)
				assert.Equal(t, 2, cfg.Policy.Rates.Concurrent)
				assert.Equal(t, []string{`(?i)acme\s+corp`}, cfg.Policy.ExtraPatterns["brand_terms"])
				assert.Equal(t, 0, cfg.Dispatch.Retries(), "an explicit zero disables automatic retries")
				assert.Equal(t, 4, cfg.Dispatch.Priority())
				assert.Equal(t, 5.0, cfg.Backend.RateLimit)
				assert.Equal(t, 40*time.Minute, cfg.Reconciler.Thresholds["video"].MaxExecution)
				assert.True(t, cfg.Reconciler.Enabled)
			}
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load("testdata/minimal_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Policy.MaxPromptLength)
	assert.Equal(t, 5, cfg.Policy.MaxAttempts)
	assert.Equal(t, RateConfig{Concurrent: 3, Hourly: 20, Daily: 100}, cfg.Policy.Rates)
	assert.Equal(t, 2048, cfg.Policy.Resources.MaxImageWidth)
	assert.Equal(t, 4194304, cfg.Policy.Resources.MaxImagePixels)
	assert.Equal(t, 48, cfg.Policy.Resources.MaxVideoFrames)
	assert.Equal(t, 6.0, cfg.Policy.Resources.MaxVideoSeconds)
	assert.Equal(t, 200000, cfg.Policy.Resources.MaxModelPolygons)
	assert.Equal(t, int64(512<<20), cfg.Policy.Resources.MaxFileBytes)

	assert.Equal(t, 3, cfg.Dispatch.Retries())
	assert.Equal(t, 5, cfg.Dispatch.Priority())
	assert.Equal(t, QueuePostgres, cfg.Dispatch.QueueBackend)

	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, 1, cfg.RabbitMQ.Consumer.PrefetchCount)
	assert.Equal(t, 30*time.Second, cfg.Reconciler.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Reconciler.RequeueAfter)
	assert.Equal(t, "genjob:job:", cfg.Redis.ChannelPrefix)

	require.NoError(t, cfg.ValidateAPIConfig())
	require.NoError(t, cfg.ValidateWorkerConfig())
}

func TestLoad_InvalidFiles(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		errString string
	}{
		{"invalid port", "testdata/invalid_port.yaml", "invalid server port"},
		{"missing database", "testdata/missing_database.yaml", "database host is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)
			require.NoError(t, err)

			err = cfg.ValidateAPIConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "genjob_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "genjob_exchange"},
			Queue:    QueueConfig{Name: "genjob_jobs"},
		},
		Backend: BackendConfig{BaseURL: "http://localhost:8188"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{"valid config", func(*Config) {}, ""},
		{"invalid server port - too low", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"invalid server port - too high", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"empty database host", func(c *Config) { c.Database.Host = "" }, "database host is required"},
		{"invalid database port", func(c *Config) { c.Database.Port = -1 }, "invalid database port"},
		{"empty database name", func(c *Config) { c.Database.Database = "" }, "database name is required"},
		{"empty rabbitmq host", func(c *Config) { c.RabbitMQ.Host = "" }, "rabbitmq host is required"},
		{"empty exchange name", func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, "rabbitmq exchange name is required"},
		{"empty queue name", func(c *Config) { c.RabbitMQ.Queue.Name = "" }, "rabbitmq queue name is required"},
		{"max priority below priority range", func(c *Config) { c.RabbitMQ.Queue.MaxPriority = 5 }, "max_priority"},
		{"postgres queue skips rabbitmq", func(c *Config) {
			c.Dispatch.QueueBackend = QueuePostgres
			c.RabbitMQ = RabbitMQConfig{}
		}, ""},
		{"unknown queue backend", func(c *Config) { c.Dispatch.QueueBackend = "kafka" }, "unknown dispatch queue_backend"},
		{"default priority out of range", func(c *Config) {
			p := 11
			c.Dispatch.DefaultPriority = &p
		}, "default_priority"},
		{"negative retries", func(c *Config) {
			n := -1
			c.Dispatch.MaxRetries = &n
		}, "max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{"valid config", func(*Config) {}, ""},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "worker concurrency"},
		{"zero job timeout", func(c *Config) { c.Worker.JobTimeout = 0 }, "worker job_timeout"},
		{"missing backend url", func(c *Config) { c.Backend.BaseURL = "" }, "backend base_url is required"},
		{"relative backend url", func(c *Config) { c.Backend.BaseURL = "comfy:8188" }, "invalid backend base_url"},
		{"unknown threshold kind", func(c *Config) {
			c.Reconciler.Thresholds = map[string]ThresholdConfig{"audio": {MaxExecution: time.Minute}}
		}, "unknown job kind"},
		{"negative staleness", func(c *Config) {
			c.Reconciler.Thresholds = map[string]ThresholdConfig{"image": {Staleness: -time.Second}}
		}, "must not be negative"},
		{"server port is not a worker concern", func(c *Config) { c.Server.Port = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}
