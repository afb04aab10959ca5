// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"

	"github.com/taskfleet/agent/api/schemas"
)

// Config holds the entire agent configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Device  DeviceConfig  `mapstructure:"device" yaml:"device"`
	Tasks   TasksConfig   `mapstructure:"tasks" yaml:"tasks"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to console colors.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig describes the dispatcher endpoint and channel behavior.
type ServerConfig struct {
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// DeviceConfig supplies the immutable device identity.
type DeviceConfig struct {
	ID           string `mapstructure:"id" yaml:"id"`
	Name         string `mapstructure:"name" yaml:"name"`
	Type         string `mapstructure:"type" yaml:"type"`
	OSVersion    string `mapstructure:"os_version" yaml:"os_version"`
	AppVersion   string `mapstructure:"app_version" yaml:"app_version"`
	Model        string `mapstructure:"model" yaml:"model"`
	Manufacturer string `mapstructure:"manufacturer" yaml:"manufacturer"`
}

// Identity maps the device section onto the wire identity type.
func (d DeviceConfig) Identity() schemas.DeviceIdentity {
	return schemas.DeviceIdentity{
		ID:   d.ID,
		Name: d.Name,
		Info: schemas.DeviceInfo{
			Type:         d.Type,
			Version:      d.OSVersion,
			AppVersion:   d.AppVersion,
			Model:        d.Model,
			Manufacturer: d.Manufacturer,
		},
	}
}

// TasksConfig bounds the automation workflows.
type TasksConfig struct {
	TargetURL    string        `mapstructure:"target_url" yaml:"target_url"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	StepTimeout  time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	ItemDelay    time.Duration `mapstructure:"item_delay" yaml:"item_delay"`
}

// BrowserConfig controls the chromedp-backed browsing sessions.
type BrowserConfig struct {
	Headless  bool   `mapstructure:"headless" yaml:"headless"`
	ExecPath  string `mapstructure:"exec_path" yaml:"exec_path"`
	NoSandbox bool   `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	Debug     bool   `mapstructure:"debug" yaml:"debug"`
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only, but fail loudly if it does.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "taskfleet-agent")
	v.SetDefault("logger.log_file", "agent.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Server --
	v.SetDefault("server.endpoint", "ws://127.0.0.1:1888/ws")
	v.SetDefault("server.connect_timeout", "10s")
	v.SetDefault("server.reconnect_attempts", 5)
	v.SetDefault("server.reconnect_delay", "2s")
	v.SetDefault("server.heartbeat_interval", "30s")
	v.SetDefault("server.write_timeout", "10s")

	// -- Device --
	v.SetDefault("device.name", "taskfleet-agent")
	v.SetDefault("device.type", "headless")
	v.SetDefault("device.os_version", "unknown")
	v.SetDefault("device.app_version", "1.0.0")
	v.SetDefault("device.model", "go-agent")
	v.SetDefault("device.manufacturer", "taskfleet")

	// -- Tasks --
	v.SetDefault("tasks.target_url", "https://www.goofish.com")
	v.SetDefault("tasks.ready_timeout", "30s")
	v.SetDefault("tasks.step_timeout", "10s")
	v.SetDefault("tasks.item_delay", "1s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.debug", false)
}

// NewConfigFromViper creates a validated configuration from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("device.id is a required configuration field")
	}
	if u, err := url.Parse(c.Server.Endpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("server.endpoint must be a ws:// or wss:// URL, got %q", c.Server.Endpoint)
	}
	if c.Server.ReconnectAttempts <= 0 {
		return fmt.Errorf("server.reconnect_attempts must be a positive integer")
	}
	if c.Tasks.ReadyTimeout <= 0 || c.Tasks.StepTimeout <= 0 {
		return fmt.Errorf("tasks.ready_timeout and tasks.step_timeout must be positive durations")
	}
	if c.Tasks.ItemDelay < 0 {
		return fmt.Errorf("tasks.item_delay must not be negative")
	}
	return nil
}
