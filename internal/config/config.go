// Package config loads the proxy configuration from a yaml file and
// SADIST-prefixed environment variables through viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Server    ServerConfig    `mapstructure:"server"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Intercept InterceptConfig `mapstructure:"intercept"`
	Relay     RelayConfig     `mapstructure:"relay"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// ServerConfig holds settings for the HTTP listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// PathPrefix is an optional prefix stripped from inbound request paths,
	// for deployments behind a path-routing load balancer.
	PathPrefix string `mapstructure:"path_prefix"`
	// Endpoint is the publicly advertised address returned from session
	// creation, so callers know where to direct subsequent requests.
	Endpoint string `mapstructure:"endpoint"`
}

// PoolConfig holds settings for the browser session pool.
type PoolConfig struct {
	Capacity          int           `mapstructure:"capacity"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	LiveTimeout       time.Duration `mapstructure:"live_timeout"`
	// ScriptGrace is the extra idle headroom granted when a caller-supplied
	// script runs, so long scripts are not reaped mid-flight.
	ScriptGrace  time.Duration `mapstructure:"script_grace"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// BrowserConfig holds settings for the automation backend connection.
type BrowserConfig struct {
	// BackendAddr is the host:port of the browser automation backend.
	BackendAddr       string        `mapstructure:"backend_addr"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
}

// InterceptConfig holds settings for the per-session network interceptor.
type InterceptConfig struct {
	// WaitTimeout bounds Interceptor.GetResponse; zero waits forever.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

// RelayConfig holds settings for the WebSocket command relay.
type RelayConfig struct {
	// AllowScripts enables evaluation of caller-supplied page scripts. Scripts
	// run with the full authority of the browser session; disable when callers
	// are not fully trusted.
	AllowScripts bool `mapstructure:"allow_scripts"`
	// ScriptTimeout bounds a single script evaluation before the VM is
	// interrupted.
	ScriptTimeout time.Duration `mapstructure:"script_timeout"`
}

// SetDefaults registers default values so the app can run with a minimal config.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "sadist-proxy")
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	v.SetDefault("server.port", 8990)
	v.SetDefault("server.endpoint", "localhost:8990")

	v.SetDefault("pool.capacity", 10)
	v.SetDefault("pool.inactivity_timeout", time.Minute)
	v.SetDefault("pool.live_timeout", 10*time.Minute)
	v.SetDefault("pool.script_grace", time.Minute)
	v.SetDefault("pool.reap_interval", 10*time.Second)

	v.SetDefault("browser.backend_addr", "localhost:9222")
	v.SetDefault("browser.connect_retries", 3)
	v.SetDefault("browser.navigation_timeout", 30*time.Second)

	v.SetDefault("intercept.wait_timeout", 30*time.Second)

	v.SetDefault("relay.allow_scripts", true)
	v.SetDefault("relay.script_timeout", 30*time.Second)
}

// Validate rejects configurations the proxy cannot run with.
func (c *Config) Validate() error {
	if c.Pool.Capacity < 1 {
		return fmt.Errorf("pool.capacity must be at least 1, got %d", c.Pool.Capacity)
	}
	if c.Pool.InactivityTimeout <= 0 || c.Pool.LiveTimeout <= 0 {
		return fmt.Errorf("pool timeouts must be positive")
	}
	if c.Pool.ReapInterval <= 0 {
		return fmt.Errorf("pool.reap_interval must be positive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Browser.BackendAddr == "" {
		return fmt.Errorf("browser.backend_addr is required")
	}
	if c.Intercept.WaitTimeout < 0 {
		return fmt.Errorf("intercept.wait_timeout must not be negative")
	}
	return nil
}

// Load unmarshals the viper state into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
