// Package config loads the farmd configuration from a YAML file and
// PRINTFARM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/printfarm/pkg/events"
	"github.com/psantana5/printfarm/pkg/octoprint"
	"github.com/psantana5/printfarm/pkg/power"
	"github.com/psantana5/printfarm/pkg/scheduler"
	"github.com/psantana5/printfarm/pkg/store"
	"github.com/psantana5/printfarm/pkg/tracing"
)

// EnvPrefix is the prefix of every environment override, e.g. PRINTFARM_HTTP_ADDR
const EnvPrefix = "PRINTFARM"

// Config is the complete farmd configuration
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Devices   []DeviceConfig  `mapstructure:"devices" yaml:"devices"`
	Octoprint OctoprintConfig `mapstructure:"octoprint" yaml:"octoprint"`
	Serial    SerialConfig    `mapstructure:"serial" yaml:"serial"`
	Schedule  ScheduleConfig  `mapstructure:"schedule" yaml:"schedule"`
	Uploads   UploadsConfig   `mapstructure:"uploads" yaml:"uploads"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// HTTPConfig configures the API listener
type HTTPConfig struct {
	Addr      string          `mapstructure:"addr" yaml:"addr"`
	APIKey    string          `mapstructure:"api_key" yaml:"api_key"` // empty disables the gateway key check
	TLS       TLSConfig       `mapstructure:"tls" yaml:"tls"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// TLSConfig enables HTTPS. With auto_generate a self-signed pair is created when missing.
type TLSConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile     string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile      string `mapstructure:"key_file" yaml:"key_file"`
	AutoGenerate bool   `mapstructure:"auto_generate" yaml:"auto_generate"`
}

// RateLimitConfig limits queue submissions per caller
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// StoreConfig selects the job store backend
type StoreConfig struct {
	Type            string `mapstructure:"type" yaml:"type"` // sqlite, postgres or memory
	DSN             string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DeviceConfig is one printer
type DeviceConfig struct {
	ID           string `mapstructure:"id" yaml:"id"`
	Name         string `mapstructure:"name" yaml:"name"`
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey       string `mapstructure:"api_key" yaml:"api_key"`
	RelayChannel int    `mapstructure:"relay_channel" yaml:"relay_channel,omitempty"`
}

// OctoprintConfig tunes the device clients
type OctoprintConfig struct {
	Timeout         string `mapstructure:"timeout" yaml:"timeout"`
	Breaker         bool   `mapstructure:"breaker" yaml:"breaker"`
	BreakerFailures uint32 `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerOpenFor  string `mapstructure:"breaker_open_for" yaml:"breaker_open_for"`
}

// SerialConfig configures the relay board
type SerialConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Port         string `mapstructure:"port" yaml:"port"`
	Baud         int    `mapstructure:"baud" yaml:"baud"`
	Protocol     string `mapstructure:"protocol" yaml:"protocol"` // text or lctech
	CommandDelay string `mapstructure:"command_delay" yaml:"command_delay"`
	WriteTimeout string `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// ScheduleConfig holds the loop cadences, the daily cutoff and the relay cron specs
type ScheduleConfig struct {
	PollInterval     string `mapstructure:"poll_interval" yaml:"poll_interval"`
	DispatchInterval string `mapstructure:"dispatch_interval" yaml:"dispatch_interval"`
	DispatchGrace    string `mapstructure:"dispatch_grace" yaml:"dispatch_grace"`
	StopTimeout      string `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	Cutoff           string `mapstructure:"cutoff" yaml:"cutoff"` // HH:MM, empty disables
	PowerOn          string `mapstructure:"power_on" yaml:"power_on"`
	PowerOff         string `mapstructure:"power_off" yaml:"power_off"`
	Timezone         string `mapstructure:"timezone" yaml:"timezone"`
}

// UploadsConfig is where submitted print files live
type UploadsConfig struct {
	Dir        string   `mapstructure:"dir" yaml:"dir"`
	Extensions []string `mapstructure:"extensions" yaml:"extensions"`
}

// MetricsConfig configures the Prometheus listener
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Host    bool   `mapstructure:"host" yaml:"host"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// EventsConfig configures the Redis fan-out. An empty address keeps events in process.
type EventsConfig struct {
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	Channel       string `mapstructure:"channel" yaml:"channel"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	File  bool   `mapstructure:"file" yaml:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.api_key", "")
	v.SetDefault("http.tls.enabled", false)
	v.SetDefault("http.tls.cert_file", "certs/farmd.crt")
	v.SetDefault("http.tls.key_file", "certs/farmd.key")
	v.SetDefault("http.tls.auto_generate", true)
	v.SetDefault("http.rate_limit.requests_per_second", 1.0)
	v.SetDefault("http.rate_limit.burst", 5)

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.dsn", "printfarm.db")
	v.SetDefault("store.max_open_conns", 25)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", "5m")

	v.SetDefault("octoprint.timeout", octoprint.DefaultTimeout.String())
	v.SetDefault("octoprint.breaker", true)
	v.SetDefault("octoprint.breaker_failures", 3)
	v.SetDefault("octoprint.breaker_open_for", "30s")

	v.SetDefault("serial.enabled", false)
	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud", 9600)
	v.SetDefault("serial.protocol", "text")
	v.SetDefault("serial.command_delay", power.DefaultCommandDelay.String())
	v.SetDefault("serial.write_timeout", power.DefaultWriteTimeout.String())

	v.SetDefault("schedule.poll_interval", "30s")
	v.SetDefault("schedule.dispatch_interval", "10s")
	v.SetDefault("schedule.dispatch_grace", scheduler.DefaultDispatchGrace.String())
	v.SetDefault("schedule.stop_timeout", "10s")
	v.SetDefault("schedule.cutoff", "20:00")
	v.SetDefault("schedule.power_on", "30 8 * * *")
	v.SetDefault("schedule.power_off", "0 20 * * *")
	v.SetDefault("schedule.timezone", "Local")

	v.SetDefault("uploads.dir", "./uploads")
	v.SetDefault("uploads.extensions", octoprint.AllowedExtensions)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.host", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "printfarm")
	v.SetDefault("tracing.environment", "production")

	v.SetDefault("events.redis_addr", "")
	v.SetDefault("events.redis_password", "")
	v.SetDefault("events.redis_db", 0)
	v.SetDefault("events.channel", "printfarm:events")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.file", false)
}

// Load reads the configuration. With an empty path ./printfarm.yaml and
// /etc/printfarm/printfarm.yaml are tried; a missing file is not an error
// then. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true) // PRINTFARM_SCHEDULE_CUTOFF= disables the cutoff
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("printfarm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/printfarm")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	ids := make(map[string]bool, len(c.Devices))
	channels := make(map[int]string, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			add("devices[%d]: id is required", i)
			continue
		}
		if d.ID == "auto" || d.ID == "all" {
			add("devices[%d]: %q is a reserved id", i, d.ID)
		}
		if ids[d.ID] {
			add("devices[%d]: duplicate device id %q", i, d.ID)
		}
		ids[d.ID] = true
		if d.Endpoint == "" {
			add("device %s: endpoint is required", d.ID)
		}
		if d.RelayChannel < 0 {
			add("device %s: relay_channel must be positive", d.ID)
		}
		if d.RelayChannel > 0 {
			if other, ok := channels[d.RelayChannel]; ok {
				add("device %s: relay channel %d already used by %s", d.ID, d.RelayChannel, other)
			}
			channels[d.RelayChannel] = d.ID
		}
	}

	switch c.Store.Type {
	case "sqlite", "postgres", "postgresql", "memory":
	default:
		add("store.type: unsupported database type %q", c.Store.Type)
	}
	if c.Store.Type == "postgres" || c.Store.Type == "postgresql" {
		if c.Store.DSN == "" {
			add("store.dsn is required for postgres")
		}
	}

	positive := map[string]string{
		"schedule.poll_interval":     c.Schedule.PollInterval,
		"schedule.dispatch_interval": c.Schedule.DispatchInterval,
		"schedule.dispatch_grace":    c.Schedule.DispatchGrace,
		"schedule.stop_timeout":      c.Schedule.StopTimeout,
		"octoprint.timeout":          c.Octoprint.Timeout,
	}
	for key, value := range positive {
		d, err := time.ParseDuration(value)
		if err != nil {
			add("%s: invalid duration %q", key, value)
		} else if d <= 0 {
			add("%s must be positive", key)
		}
	}
	optional := map[string]string{
		"store.conn_max_lifetime":    c.Store.ConnMaxLifetime,
		"serial.command_delay":       c.Serial.CommandDelay,
		"serial.write_timeout":       c.Serial.WriteTimeout,
		"octoprint.breaker_open_for": c.Octoprint.BreakerOpenFor,
	}
	for key, value := range optional {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			add("%s: invalid duration %q", key, value)
		}
	}

	loc, err := c.Schedule.Location()
	if err != nil {
		add("schedule.timezone: %v", err)
		loc = time.Local
	}
	if _, err := scheduler.ParseCutoff(c.Schedule.Cutoff, loc); err != nil {
		add("schedule.cutoff: %v", err)
	}
	for key, spec := range map[string]string{"schedule.power_on": c.Schedule.PowerOn, "schedule.power_off": c.Schedule.PowerOff} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			add("%s: invalid cron expression %q: %v", key, spec, err)
		}
	}

	if c.Serial.Enabled {
		if c.Serial.Port == "" {
			add("serial.port is required when serial is enabled")
		}
		if c.Serial.Baud <= 0 {
			add("serial.baud must be positive")
		}
		if _, err := power.EncoderByName(c.Serial.Protocol); err != nil {
			add("serial.protocol: %v", err)
		}
	}

	if c.Uploads.Dir == "" {
		add("uploads.dir is required")
	}
	if c.HTTP.RateLimit.RequestsPerSecond < 0 || c.HTTP.RateLimit.Burst < 0 {
		add("http.rate_limit values must not be negative")
	}
	if c.HTTP.TLS.Enabled && (c.HTTP.TLS.CertFile == "" || c.HTTP.TLS.KeyFile == "") {
		add("http.tls: cert_file and key_file are required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Location returns the schedule time zone
func (s ScheduleConfig) Location() (*time.Location, error) {
	if s.Timezone == "" || strings.EqualFold(s.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// duration parses a value already checked by Validate
func duration(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// StoreConfig converts the store section for store.NewStore
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Type:            c.Store.Type,
		DSN:             c.Store.DSN,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: duration(c.Store.ConnMaxLifetime, 5*time.Minute),
	}
}

// LoopConfig converts the schedule section for scheduler.NewLoop
func (c *Config) LoopConfig() *scheduler.Config {
	def := scheduler.DefaultConfig()
	return &scheduler.Config{
		PollInterval:     duration(c.Schedule.PollInterval, def.PollInterval),
		DispatchInterval: duration(c.Schedule.DispatchInterval, def.DispatchInterval),
		StopTimeout:      duration(c.Schedule.StopTimeout, def.StopTimeout),
	}
}

// DispatchGrace is how long the poller waits for a dispatched print to show up
func (c *Config) DispatchGrace() time.Duration {
	return duration(c.Schedule.DispatchGrace, scheduler.DefaultDispatchGrace)
}

// DeviceTimeout bounds every call to a printer
func (c *Config) DeviceTimeout() time.Duration {
	return duration(c.Octoprint.Timeout, octoprint.DefaultTimeout)
}

// BreakerSettings converts the breaker options
func (c *Config) BreakerSettings() octoprint.BreakerSettings {
	return octoprint.BreakerSettings{
		Failures: c.Octoprint.BreakerFailures,
		OpenFor:  duration(c.Octoprint.BreakerOpenFor, 30*time.Second),
	}
}

// CommandDelay is the pause between relay commands in a bulk switch
func (c *Config) CommandDelay() time.Duration {
	return duration(c.Serial.CommandDelay, power.DefaultCommandDelay)
}

// WriteTimeout bounds a single relay command on the serial port
func (c *Config) WriteTimeout() time.Duration {
	return duration(c.Serial.WriteTimeout, power.DefaultWriteTimeout)
}

// RelayMapping returns device id to relay channel for devices with a channel
func (c *Config) RelayMapping() map[string]int {
	mapping := make(map[string]int)
	for _, d := range c.Devices {
		if d.RelayChannel > 0 {
			mapping[d.ID] = d.RelayChannel
		}
	}
	return mapping
}

// PowerSchedule converts the relay cron specs
func (c *Config) PowerSchedule() (power.ScheduleConfig, error) {
	loc, err := c.Schedule.Location()
	if err != nil {
		return power.ScheduleConfig{}, err
	}
	return power.ScheduleConfig{OnSpec: c.Schedule.PowerOn, OffSpec: c.Schedule.PowerOff, Location: loc}, nil
}

// Cutoff parses the daily cutoff; nil when disabled
func (c *Config) Cutoff() (*scheduler.Cutoff, error) {
	loc, err := c.Schedule.Location()
	if err != nil {
		return nil, err
	}
	return scheduler.ParseCutoff(c.Schedule.Cutoff, loc)
}

// TracingConfig converts the tracing section
func (c *Config) TracingConfig(version string) tracing.Config {
	return tracing.Config{
		ServiceName:    c.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    c.Tracing.Environment,
		OTLPEndpoint:   c.Tracing.Endpoint,
		Enabled:        c.Tracing.Enabled,
	}
}

// RedisConfig converts the events section
func (c *Config) RedisConfig() events.RedisConfig {
	return events.RedisConfig{
		Addr:     c.Events.RedisAddr,
		Password: c.Events.RedisPassword,
		DB:       c.Events.RedisDB,
		Channel:  c.Events.Channel,
	}
}

// Example returns the defaults with two sample printers
func Example() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode
	_ = v.Unmarshal(&cfg)
	cfg.Devices = []DeviceConfig{
		{ID: "prusa-1", Name: "Prusa MK4 #1", Endpoint: "http://192.168.1.21", APIKey: "CHANGE_ME", RelayChannel: 1},
		{ID: "prusa-2", Name: "Prusa MK4 #2", Endpoint: "http://192.168.1.22", APIKey: "CHANGE_ME", RelayChannel: 2},
	}
	return &cfg
}

// WriteExample writes a starter configuration file
func WriteExample(w io.Writer) error {
	if _, err := io.WriteString(w, "# printfarm configuration\n# Every key can be overridden with PRINTFARM_<SECTION>_<KEY>, e.g. PRINTFARM_HTTP_ADDR.\n\n"); err != nil {
		return err
	}
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(Example()); err != nil {
		return fmt.Errorf("failed to encode example config: %w", err)
	}
	return encoder.Close()
}
