package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/taskbroker/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskbroker.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, time.Second, cfg.Broker.ClaimInterval.Duration)
	assert.Equal(t, logging.LevelInfo, cfg.LogLevel())
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[broker]
claim_interval = "250ms"
heartbeat_interval = "2s"

[store]
backend = "postgres"
postgres_url = "postgres://broker@db:5432/tasks?sslmode=disable"
max_conns = 8

[bus]
enabled = true
subject = "prod.broker"

[sweeper]
timeout = "10s"
max_retries = 5

[log]
level = "debug"

[telemetry]
enabled = true
endpoint = "otel:4317"
sample_ratio = 0.1

[telemetry.headers]
authorization = "Bearer x"
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Broker.ClaimInterval.Duration)
	assert.Equal(t, 2*time.Second, cfg.Broker.HeartbeatInterval.Duration)
	assert.Equal(t, time.Second, cfg.Broker.ObserveInterval.Duration, "unset keys keep defaults")
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, int32(8), cfg.Store.MaxConns)
	assert.True(t, cfg.Bus.Enabled)
	assert.Equal(t, "prod.broker", cfg.Bus.Subject)
	assert.Equal(t, 10*time.Second, cfg.Sweeper.Timeout.Duration)
	assert.Equal(t, 5, cfg.Sweeper.MaxRetries)
	assert.Equal(t, logging.LevelDebug, cfg.LogLevel())
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "grpc", cfg.Telemetry.Protocol, "unset keys keep defaults")
	assert.Equal(t, 0.1, cfg.Telemetry.SampleRatio)
	assert.Equal(t, map[string]string{"authorization": "Bearer x"}, cfg.Telemetry.Headers)
}

func TestLoadFile_EnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvPostgresURL, "postgres://from-env/db")
	t.Setenv(EnvNATSToken, "s3cret")

	path := writeConfig(t, `
[store]
backend = "postgres"
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-env/db", cfg.Store.PostgresURL)
	assert.Equal(t, "s3cret", cfg.NATS.Token)
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", `[broker`},
		{"bad duration", "[broker]\nclaim_interval = \"soon\""},
		{"unknown key", "[broker]\nclaim_intervall = \"1s\""},
		{"unknown backend", "[store]\nbackend = \"sqlite\""},
		{"postgres without url", "[store]\nbackend = \"postgres\""},
		{"nats without bucket", "[store]\nbackend = \"nats\"\nbucket = \"\""},
		{"bus without subject", "[bus]\nenabled = true\nsubject = \"\""},
		{"sweep faster than heartbeat", "[sweeper]\ntimeout = \"500ms\""},
		{"negative claim interval", "[broker]\nclaim_interval = \"-1s\""},
		{"zero observe interval", "[broker]\nobserve_interval = \"0s\""},
		{"bad log level", "[log]\nlevel = \"loud\""},
		{"bad telemetry protocol", "[telemetry]\nenabled = true\nprotocol = \"udp\""},
		{"sample ratio above one", "[telemetry]\nenabled = true\nsample_ratio = 1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvPostgresURL, "")
			_, err := LoadFile(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestValidate_WrapsSentinel(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "sqlite"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestLoad_FallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	t.Setenv("HOME", dir)

	cfg, path, err := Load()
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
}

func TestLoad_FindsLocalFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "taskbroker.toml"), []byte("[log]\nlevel = \"warn\"\n"), 0600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, path, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "taskbroker.toml", path)
	assert.Equal(t, logging.LevelWarn, cfg.LogLevel())
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))
}
