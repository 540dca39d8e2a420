package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "printfarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "20:00", cfg.Schedule.Cutoff)
	assert.Equal(t, []string{".gcode", ".g", ".bgcode"}, cfg.Uploads.Extensions)

	loop := cfg.LoopConfig()
	assert.Equal(t, 30*time.Second, loop.PollInterval)
	assert.Equal(t, 10*time.Second, loop.DispatchInterval)
	assert.Equal(t, 2*time.Minute, cfg.DispatchGrace())
	assert.Equal(t, 10*time.Second, cfg.DeviceTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.CommandDelay())
	assert.Equal(t, 2*time.Second, cfg.WriteTimeout())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9000"
store:
  type: memory
devices:
  - id: p1
    endpoint: http://10.0.0.1
    api_key: k1
    relay_channel: 1
  - id: p2
    endpoint: http://10.0.0.2
schedule:
  poll_interval: 5s
  cutoff: "21:30"
  timezone: UTC
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.StoreConfig().Type)
	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, "k1", cfg.Devices[0].APIKey)
	assert.Equal(t, map[string]int{"p1": 1}, cfg.RelayMapping())
	assert.Equal(t, 5*time.Second, cfg.LoopConfig().PollInterval)

	cutoff, err := cfg.Cutoff()
	require.NoError(t, err)
	assert.Equal(t, 30, cutoff.Remaining(time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)))

	sched, err := cfg.PowerSchedule()
	require.NoError(t, err)
	assert.Equal(t, "30 8 * * *", sched.OnSpec)
	assert.Equal(t, time.UTC, sched.Location)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "http:\n  addr: \":9000\"\n")
	t.Setenv("PRINTFARM_HTTP_ADDR", ":7000")
	t.Setenv("PRINTFARM_SCHEDULE_CUTOFF", "")
	t.Setenv("PRINTFARM_STORE_TYPE", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Store.Type)

	cutoff, err := cfg.Cutoff()
	require.NoError(t, err)
	assert.Nil(t, cutoff)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{"duplicate device", func(c *Config) {
			c.Devices = append(c.Devices, DeviceConfig{ID: "prusa-1", Endpoint: "http://x"})
		}, `duplicate device id "prusa-1"`},
		{"duplicate channel", func(c *Config) { c.Devices[1].RelayChannel = 1 }, "relay channel 1 already used by prusa-1"},
		{"missing endpoint", func(c *Config) { c.Devices[0].Endpoint = "" }, "endpoint is required"},
		{"reserved id", func(c *Config) { c.Devices[0].ID = "auto" }, "reserved id"},
		{"bad cutoff", func(c *Config) { c.Schedule.Cutoff = "25:00" }, "schedule.cutoff"},
		{"zero interval", func(c *Config) { c.Schedule.PollInterval = "0s" }, "schedule.poll_interval must be positive"},
		{"bad duration", func(c *Config) { c.Schedule.DispatchInterval = "often" }, "schedule.dispatch_interval: invalid duration"},
		{"bad cron", func(c *Config) { c.Schedule.PowerOff = "at eight" }, "schedule.power_off"},
		{"bad store", func(c *Config) { c.Store.Type = "mysql" }, "unsupported database type"},
		{"postgres without dsn", func(c *Config) { c.Store.Type = "postgres"; c.Store.DSN = "" }, "store.dsn is required"},
		{"serial protocol", func(c *Config) { c.Serial.Enabled = true; c.Serial.Protocol = "modbus" }, "serial.protocol"},
		{"bad timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "schedule.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Example()
			require.NoError(t, cfg.Validate())
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteExampleLoadsBack(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteExample(&buf))
	assert.Contains(t, buf.String(), "poll_interval: 30s")

	path := writeConfig(t, buf.String())
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Example().Devices, cfg.Devices)
	assert.Equal(t, map[string]int{"prusa-1": 1, "prusa-2": 2}, cfg.RelayMapping())
}
