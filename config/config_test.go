package config_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "./data/affiliate.db", cfg.DB.Path)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.True(t, cfg.Reset.Enabled)
	assert.Equal(t, time.Hour, cfg.Reset.CheckInterval)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "affiliate.sales-dlq", cfg.Kafka.DeadLetterTopic)
	assert.Equal(t, 8, cfg.Kafka.MaxRetries)
	assert.Empty(t, cfg.Tables.Path)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	// GIVEN: A YAML file and an environment override for one of its keys
	// WHEN: Loading
	// THEN: File values apply, and the environment wins where both are set

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9090"
db:
  path: "/var/lib/affiliate/file.db"
retry:
  max_attempts: 3
log:
  level: debug
`), 0o644))
	t.Setenv("AFFILIATE_DB_PATH", "/tmp/env.db")
	t.Setenv("AFFILIATE_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/env.db", cfg.DB.Path)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_InvalidConfig(t *testing.T) {
	t.Setenv("AFFILIATE_RETRY_MAX_ATTEMPTS", "0")

	_, err := config.Load("")
	assert.ErrorContains(t, err, "retry.max_attempts")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		return config.Config{
			Retry: config.Retry{MaxAttempts: 1},
			Reset: config.Reset{Enabled: true, CheckInterval: time.Minute, Concurrency: 1},
		}
	}
	require.NoError(t, func() error { c := valid(); return c.Validate() }())

	cases := map[string]func(*config.Config){
		"zero check interval":    func(c *config.Config) { c.Reset.CheckInterval = 0 },
		"zero concurrency":       func(c *config.Config) { c.Reset.Concurrency = 0 },
		"kafka without brokers":  func(c *config.Config) { c.Kafka.Enabled = true },
		"negative kafka retries": func(c *config.Config) { c.Kafka.MaxRetries = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	disabled := valid()
	disabled.Reset.Enabled = false
	disabled.Reset.CheckInterval = 0
	assert.NoError(t, disabled.Validate(), "interval is irrelevant when the trigger is off")
}

func TestNewLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	log := config.NewLogger(config.Log{Level: "warn", Format: "text"}, &buf)
	log.Info("hidden")
	log.Warn("shown", "account_id", 7)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "account_id=7")

	buf.Reset()
	log = config.NewLogger(config.Log{Level: "debug", Format: "json"}, &buf)
	log.Debug("detail")
	assert.Contains(t, buf.String(), `"msg":"detail"`)
	assert.Same(t, log, slog.Default())
}
