package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_server/pkg/scheduler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "media.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	priorities, err := cfg.PriorityMap()
	require.NoError(t, err)
	assert.Equal(t, scheduler.PriorityMixer, priorities.Get("transfer", scheduler.PriorityInput))
	assert.Equal(t, scheduler.PriorityInput, priorities.Get("ingress", scheduler.PriorityHousekeeping))
	assert.Equal(t, scheduler.PriorityOutput, priorities.Get("egress", scheduler.PriorityHousekeeping))
	assert.Equal(t, 20*time.Millisecond, cfg.SchedulerOptions().TickInterval)
	assert.Equal(t, 46, cfg.SocketOptions().DSCP)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  tick_interval: 10ms
  priorities:
    transfer: output
rtp:
  bind_address: 127.0.0.1
  port_min: 30000
  port_max: 30100
  operation_timeout: 2s
endpoints:
  mixer_namespace: ms/mixer/
log:
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, scheduler.DefaultMaxTickDuration, cfg.Scheduler.MaxTickDuration)
	assert.Equal(t, "127.0.0.1", cfg.RTP.BindAddress)
	assert.Equal(t, 30000, cfg.PortRange().Min)
	assert.Equal(t, 30100, cfg.PortRange().Max)
	assert.Equal(t, 2*time.Second, cfg.RTP.OperationTimeout)
	assert.Equal(t, "ms/mixer/", cfg.Endpoints.MixerNamespace)
	assert.Equal(t, "mobicents/splitter/", cfg.Endpoints.SplitterNamespace)
	assert.Equal(t, "console", cfg.LoggingConfig().Format)

	priorities, err := cfg.PriorityMap()
	require.NoError(t, err)
	assert.Equal(t, scheduler.PriorityOutput, priorities.Get("transfer", scheduler.PriorityMixer))
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "rtp:\n  port_min: 30000\n  port_max: 30100\n")
	t.Setenv("MEDIA_RTP_PORT_MIN", "30050")
	t.Setenv("MEDIA_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30050, cfg.RTP.PortMin)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tick", func(c *Config) { c.Scheduler.TickInterval = 0 }},
		{"queue depth", func(c *Config) { c.Scheduler.MaxQueueDepth = -1 }},
		{"priority", func(c *Config) { c.Scheduler.Priorities["transfer"] = "urgent" }},
		{"bind address", func(c *Config) { c.RTP.BindAddress = "localhost" }},
		{"port range", func(c *Config) { c.RTP.PortMin, c.RTP.PortMax = 20000, 10000 }},
		{"port max", func(c *Config) { c.RTP.PortMax = 70000 }},
		{"dscp", func(c *Config) { c.RTP.DSCP = 64 }},
		{"timeout", func(c *Config) { c.RTP.OperationTimeout = 0 }},
		{"namespaces", func(c *Config) { c.Endpoints.SplitterNamespace = c.Endpoints.MixerNamespace }},
		{"metrics address", func(c *Config) { c.Metrics.ListenAddress = "" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
