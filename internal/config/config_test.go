package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smsrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "TR", cfg.Dispatch.Region)
	assert.Equal(t, 5, cfg.Dispatch.DefaultPriority)
	assert.Equal(t, 3, cfg.Dispatch.DefaultMaxRetries)
	assert.Equal(t, "transactional", cfg.Dispatch.DefaultCategory)
	assert.True(t, cfg.Dispatch.DefaultCost.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, time.Minute, cfg.Delivery.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Delivery.RetryBase)
	assert.Equal(t, 15*time.Minute, cfg.Delivery.StuckAfter)
	assert.Equal(t, 10, cfg.Engagement.DefaultHour)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: postgres
  postgres:
    dsn: postgres://sms@localhost/sms?sslmode=disable
dispatch:
  default_cost_per_segment: 0.0725
delivery:
  timeout: 5s
  workers: 4
logging:
  format: console
`)
	t.Setenv("SMSRELAY_DELIVERY_WORKERS", "16")
	t.Setenv("SMSRELAY_DISPATCH_REGION", "KG")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://sms@localhost/sms?sslmode=disable", cfg.Storage.Postgres.DSN)
	assert.True(t, cfg.Dispatch.DefaultCost.Equal(decimal.RequireFromString("0.0725")))
	assert.Equal(t, 5*time.Second, cfg.Delivery.Timeout)
	assert.Equal(t, 16, cfg.Delivery.Workers)
	assert.Equal(t, "KG", cfg.Dispatch.Region)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, path, cfg.FileUsed())
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown driver":    "storage:\n  driver: mysql\n",
		"postgres no dsn":   "storage:\n  driver: postgres\n",
		"priority range":    "dispatch:\n  default_priority: 11\n",
		"bad hour":          "engagement:\n  default_hour: 24\n",
		"bad log format":    "logging:\n  format: xml\n",
		"tracing no url":    "observability:\n  enabled: true\n",
		"bad decimal value": "dispatch:\n  default_cost_per_segment: cheap\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	levels := make(chan string, 16)
	cfg.Watch(func(next *Config) {
		select {
		case levels <- next.Logging.Level:
		default:
		}
	}, nil)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	// A write can surface as several events, the first on a partial file.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case lvl := <-levels:
			if lvl == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}
