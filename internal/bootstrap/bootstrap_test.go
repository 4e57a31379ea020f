package bootstrap

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/genjob/internal/config"
	"github.com/cuongbtq/genjob/internal/dispatcher"
	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/reconciler"
	"github.com/cuongbtq/genjob/internal/status"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("../config/testdata/valid_config.yaml")
	require.NoError(t, err)
	return cfg
}

func TestGateConfig(t *testing.T) {
	cfg := loadConfig(t)

	gc := GateConfig(cfg)
	assert.Equal(t, 2000, gc.MaxPromptLength)
	assert.Equal(t, 2, gc.Rates.Concurrent)
	assert.Equal(t, 20, gc.Rates.Hourly)
	assert.Equal(t, 5, gc.Resources.MaxAttempts)
	assert.Equal(t, 0, gc.MaxRetries)
	assert.Contains(t, gc.ExtraPatterns, "brand_terms")
}

func TestReconcilerConfig_MergesDefaults(t *testing.T) {
	cfg := loadConfig(t)

	rc := ReconcilerConfig(&cfg.Reconciler)
	assert.Equal(t, 15*time.Second, rc.Interval)
	assert.Equal(t, reconciler.Threshold{MaxExecution: 40 * time.Minute, Staleness: 4 * time.Minute}, rc.Thresholds[domain.KindVideo])
	assert.Equal(t, reconciler.DefaultThresholds[domain.KindImage], rc.Thresholds[domain.KindImage])
	assert.Equal(t, reconciler.DefaultThresholds[domain.KindModel3D], rc.Thresholds[domain.KindModel3D])

	partial := config.ReconcilerConfig{Thresholds: map[string]config.ThresholdConfig{
		"image": {Staleness: time.Minute},
	}}
	rc = ReconcilerConfig(&partial)
	assert.Equal(t, time.Minute, rc.Thresholds[domain.KindImage].Staleness)
	assert.Equal(t, 10*time.Minute, rc.Thresholds[domain.KindImage].MaxExecution)
}

func TestNewQueue(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		wantErr bool
	}{
		{"memory", config.QueueMemory, false},
		{"rabbitmq without client", config.QueueRabbitMQ, true},
		{"postgres without client", config.QueuePostgres, true},
		{"unknown", "kafka", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Dispatch: config.DispatchConfig{QueueBackend: tt.backend}}
			q, err := NewQueue(cfg, &Infra{}, "worker-1", discardLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, &dispatcher.MemoryQueue{}, q)
		})
	}
}

func TestNewNotifier_DefaultsToHub(t *testing.T) {
	n := NewNotifier(&config.Config{}, &Infra{}, discardLogger())
	assert.IsType(t, &status.Hub{}, n)
}

func TestNewAdapter(t *testing.T) {
	_, err := NewAdapter(&config.BackendConfig{BaseURL: "http://localhost:8188"}, nil, discardLogger())
	require.NoError(t, err)

	_, err = NewAdapter(&config.BackendConfig{BaseURL: "http://localhost:8188", TemplatesDir: t.TempDir() + "/missing"}, nil, discardLogger())
	assert.Error(t, err)

	_, err = NewAdapter(&config.BackendConfig{BaseURL: "::bad"}, nil, discardLogger())
	assert.Error(t, err)
}

func TestInfra_CloseWithoutClients(t *testing.T) {
	assert.NoError(t, (&Infra{}).Close())
}
