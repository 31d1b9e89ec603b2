// Package config handles configuration for agent-device: defaults,
// optional config.yaml under the state directory, and AGENT_DEVICE_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerMode selects which transports the daemon brings up.
const (
	ModeSocket = "socket"
	ModeHTTP   = "http"
	ModeDual   = "dual"
)

// Config holds all daemon configuration.
type Config struct {
	StateDir string       `mapstructure:"state_dir"`
	Daemon   DaemonConfig `mapstructure:"daemon"`
	Lease    LeaseConfig  `mapstructure:"lease"`
	AppLog   AppLogConfig `mapstructure:"app_log"`
	Client   ClientConfig `mapstructure:"client"`
	Events   EventsConfig `mapstructure:"events"`
	Logging  LoggingConfig `mapstructure:"logging"`
}

// DaemonConfig holds daemon-side settings.
type DaemonConfig struct {
	ServerMode    string `mapstructure:"server_mode"`
	MaxBatchSteps int    `mapstructure:"max_batch_steps"`
	AuthHookPath  string `mapstructure:"http_auth_hook"`
	AuthHookExport string `mapstructure:"http_auth_export"`
}

// LeaseConfig holds lease TTL bounds and capacity.
type LeaseConfig struct {
	TTLMs              int64 `mapstructure:"ttl_ms"`
	MinTTLMs           int64 `mapstructure:"min_ttl_ms"`
	MaxTTLMs           int64 `mapstructure:"max_ttl_ms"`
	MaxSimulatorLeases int   `mapstructure:"max_simulator_leases"`
}

// AppLogConfig holds app-log rotation bounds.
type AppLogConfig struct {
	MaxBytes int `mapstructure:"max_bytes"`
	MaxFiles int `mapstructure:"max_files"`
}

// ClientConfig holds client bootstrap settings.
type ClientConfig struct {
	Transport string `mapstructure:"transport"`
	TimeoutMs int64  `mapstructure:"daemon_timeout_ms"`
}

// EventsConfig holds the trigger-app-event URL templates.
type EventsConfig struct {
	URLTemplate        string `mapstructure:"app_event_url_template"`
	URLTemplateIOS     string `mapstructure:"app_event_ios_url_template"`
	URLTemplateAndroid string `mapstructure:"app_event_android_url_template"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load resolves configuration: defaults, then config.yaml under the
// state directory when present, then AGENT_DEVICE_* environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENT_DEVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Spec-named env vars that do not follow the key-path convention.
	bindAliases(v)

	stateDir := v.GetString("state_dir")
	stateDir, err := expandHome(stateDir)
	if err != nil {
		return nil, err
	}
	v.Set("state_dir", stateDir)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(stateDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", "~/.agent-device")
	v.SetDefault("daemon.server_mode", ModeSocket)
	v.SetDefault("daemon.max_batch_steps", 50)
	v.SetDefault("lease.ttl_ms", int64(60_000))
	v.SetDefault("lease.min_ttl_ms", int64(5_000))
	v.SetDefault("lease.max_ttl_ms", int64(600_000))
	v.SetDefault("lease.max_simulator_leases", 0)
	v.SetDefault("app_log.max_bytes", 10*1024*1024)
	v.SetDefault("app_log.max_files", 5)
	v.SetDefault("client.transport", "auto")
	v.SetDefault("client.daemon_timeout_ms", int64(90_000))
	v.SetDefault("logging.level", "info")
}

// bindAliases wires the historical environment names onto config keys.
func bindAliases(v *viper.Viper) {
	aliases := map[string]string{
		"state_dir":                             "AGENT_DEVICE_STATE_DIR",
		"daemon.server_mode":                    "AGENT_DEVICE_DAEMON_SERVER_MODE",
		"daemon.http_auth_hook":                 "AGENT_DEVICE_HTTP_AUTH_HOOK",
		"daemon.http_auth_export":               "AGENT_DEVICE_HTTP_AUTH_EXPORT",
		"lease.ttl_ms":                          "AGENT_DEVICE_LEASE_TTL_MS",
		"lease.min_ttl_ms":                      "AGENT_DEVICE_LEASE_MIN_TTL_MS",
		"lease.max_ttl_ms":                      "AGENT_DEVICE_LEASE_MAX_TTL_MS",
		"lease.max_simulator_leases":            "AGENT_DEVICE_MAX_SIMULATOR_LEASES",
		"app_log.max_bytes":                     "AGENT_DEVICE_APP_LOG_MAX_BYTES",
		"app_log.max_files":                     "AGENT_DEVICE_APP_LOG_MAX_FILES",
		"client.transport":                      "AGENT_DEVICE_DAEMON_TRANSPORT",
		"client.daemon_timeout_ms":              "AGENT_DEVICE_DAEMON_TIMEOUT_MS",
		"events.app_event_url_template":         "AGENT_DEVICE_APP_EVENT_URL_TEMPLATE",
		"events.app_event_ios_url_template":     "AGENT_DEVICE_APP_EVENT_IOS_URL_TEMPLATE",
		"events.app_event_android_url_template": "AGENT_DEVICE_APP_EVENT_ANDROID_URL_TEMPLATE",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, env)
	}
}

func validate(cfg *Config) error {
	switch cfg.Daemon.ServerMode {
	case ModeSocket, ModeHTTP, ModeDual:
	default:
		return fmt.Errorf("invalid server mode %q (want socket, http or dual)", cfg.Daemon.ServerMode)
	}
	if cfg.Lease.MinTTLMs > cfg.Lease.MaxTTLMs {
		return fmt.Errorf("lease min TTL %dms exceeds max %dms", cfg.Lease.MinTTLMs, cfg.Lease.MaxTTLMs)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// LeaseTTL returns the default lease TTL as a duration.
func (c *Config) LeaseTTL() time.Duration { return time.Duration(c.Lease.TTLMs) * time.Millisecond }

// LeaseMinTTL returns the minimum lease TTL as a duration.
func (c *Config) LeaseMinTTL() time.Duration { return time.Duration(c.Lease.MinTTLMs) * time.Millisecond }

// LeaseMaxTTL returns the maximum lease TTL as a duration.
func (c *Config) LeaseMaxTTL() time.Duration { return time.Duration(c.Lease.MaxTTLMs) * time.Millisecond }

// ClientTimeout returns the client's per-request budget.
func (c *Config) ClientTimeout() time.Duration { return time.Duration(c.Client.TimeoutMs) * time.Millisecond }
