// Package config loads the ftpd configuration and assembles a server from it.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (FTPD_*, e.g. FTPD_LOGGING_LEVEL=DEBUG)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gonzalop/ftpd/auth"
)

// Config is the complete ftpd configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains listener, timeout and login policy settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Limits caps concurrent connections and logins server-wide
	Limits LimitsConfig `mapstructure:"limits" yaml:"limits"`

	// Filesystem locates the directory tree served to users
	Filesystem FilesystemConfig `mapstructure:"filesystem" yaml:"filesystem"`

	// Anonymous configures the shared anonymous account
	Anonymous AnonymousConfig `mapstructure:"anonymous" yaml:"anonymous"`

	// Users are the named accounts. With the badger user store they are
	// written to the database at startup.
	Users []auth.UserRecord `mapstructure:"users" yaml:"users" validate:"dive"`

	// UserStore selects where accounts are looked up
	UserStore UserStoreConfig `mapstructure:"user_store" yaml:"user_store"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains the control listener and session settings.
type ServerConfig struct {
	// Host is the address to bind. Empty binds all interfaces.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the control port. Defaults to 2121.
	Port int `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`

	// WelcomeMessage is the text of the 220 greeting
	WelcomeMessage string `mapstructure:"welcome_message" yaml:"welcome_message"`

	// IdleTimeout closes control connections without a command for this long
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"gte=0"`

	// DataTimeout bounds active dials and passive accepts
	DataTimeout time.Duration `mapstructure:"data_timeout" yaml:"data_timeout" validate:"gt=0"`

	// ShutdownTimeout is how long sessions may keep running after a
	// shutdown signal
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`

	// PassivePortMin and PassivePortMax restrict passive listeners. Both 0
	// lets the system pick.
	PassivePortMin int `mapstructure:"passive_port_min" yaml:"passive_port_min" validate:"gte=0,lte=65535"`
	PassivePortMax int `mapstructure:"passive_port_max" yaml:"passive_port_max" validate:"gte=0,lte=65535"`

	// PublicHost is announced in PASV replies, for servers behind NAT
	PublicHost string `mapstructure:"public_host" yaml:"public_host,omitempty"`

	// MaxLoginFailures closes the connection after this many failed logins.
	// 0 means never.
	MaxLoginFailures int `mapstructure:"max_login_failures" yaml:"max_login_failures" validate:"gte=0"`

	// LoginFailureDelay is the pause before answering a failed login
	LoginFailureDelay time.Duration `mapstructure:"login_failure_delay" yaml:"login_failure_delay" validate:"gte=0"`
}

// Address returns the host:port the control listener binds.
func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LimitsConfig caps concurrent connections and logins. 0 means unlimited.
type LimitsConfig struct {
	MaxConnections      int `mapstructure:"max_connections" yaml:"max_connections" validate:"gte=0"`
	MaxConnectionsPerIP int `mapstructure:"max_connections_per_ip" yaml:"max_connections_per_ip" validate:"gte=0"`
	MaxLogins           int `mapstructure:"max_logins" yaml:"max_logins" validate:"gte=0"`
	MaxAnonymousLogins  int `mapstructure:"max_anonymous_logins" yaml:"max_anonymous_logins" validate:"gte=0"`
}

// FilesystemConfig locates the served directory tree.
type FilesystemConfig struct {
	// Root is the base directory. Relative home directories are resolved
	// against it.
	Root string `mapstructure:"root" yaml:"root" validate:"required"`

	// CreateHomes creates missing home directories at login
	CreateHomes bool `mapstructure:"create_homes" yaml:"create_homes"`
}

// AnonymousConfig configures the account used by "anonymous" and "ftp".
type AnonymousConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Home      string `mapstructure:"home" yaml:"home" validate:"required_if=Enabled true"`
	Writable  bool   `mapstructure:"writable" yaml:"writable"`
	WriteRoot string `mapstructure:"write_root" yaml:"write_root,omitempty"`

	// MaxLogins caps concurrent anonymous sessions. 0 means unlimited.
	MaxLogins int `mapstructure:"max_logins" yaml:"max_logins" validate:"gte=0"`

	MaxDownloadRate int64 `mapstructure:"max_download_rate" yaml:"max_download_rate" validate:"gte=0"`
	MaxUploadRate   int64 `mapstructure:"max_upload_rate" yaml:"max_upload_rate" validate:"gte=0"`

	AllowedIPs []string `mapstructure:"allowed_ips" yaml:"allowed_ips,omitempty"`
	DeniedIPs  []string `mapstructure:"denied_ips" yaml:"denied_ips,omitempty"`
}

// Record returns the anonymous account as a user record.
func (c AnonymousConfig) Record() auth.UserRecord {
	return auth.UserRecord{
		Name:            auth.AnonymousName,
		HomeDir:         c.Home,
		Disabled:        !c.Enabled,
		Writable:        c.Writable,
		WriteRoot:       c.WriteRoot,
		MaxLogins:       c.MaxLogins,
		MaxDownloadRate: c.MaxDownloadRate,
		MaxUploadRate:   c.MaxUploadRate,
		AllowedIPs:      c.AllowedIPs,
		DeniedIPs:       c.DeniedIPs,
	}
}

// UserStoreConfig selects the user repository.
//
// The Type field determines which implementation is used. Only the
// corresponding type-specific section is read.
type UserStoreConfig struct {
	// Type specifies which user store implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port serves /metrics on all interfaces
	Port int `mapstructure:"port" yaml:"port" validate:"required_if=Enabled true,gte=0,lte=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// An empty configPath looks for config.yaml in the default configuration
// directory; a missing default file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables, config file
// location and the defaults whose zero value is meaningful.
func setupViper(v *viper.Viper, configPath string) {
	// Example: FTPD_SERVER_PORT=2121
	v.SetEnvPrefix("FTPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 0 disables these, so they can't be filled in by ApplyDefaults.
	v.SetDefault("server.max_login_failures", DefaultMaxLoginFailures)
	v.SetDefault("server.login_failure_delay", DefaultLoginFailureDelay)
	v.SetDefault("server.idle_timeout", DefaultIdleTimeout)

	// Registered so that environment variables can override them without a
	// config file mentioning them.
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"server.host", "server.port", "server.public_host",
		"filesystem.root", "anonymous.enabled", "anonymous.home",
		"user_store.type", "metrics.enabled", "metrics.port",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. Only a missing
// file at the default location is tolerated.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && configPath == "" {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/ftpd, ~/.config/ftpd, or "." when
// no home directory can be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "ftpd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "ftpd")
}

// DefaultConfigPath returns the configuration file used when no path is
// given.
func DefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
