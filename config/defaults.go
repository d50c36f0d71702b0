package config

import (
	"strings"
	"time"
)

// Defaults for settings where zero disables the feature. Load applies them
// through viper so an explicit 0 in the file is kept.
const (
	DefaultMaxLoginFailures  = 3
	DefaultLoginFailureDelay = 500 * time.Millisecond
	DefaultIdleTimeout       = 5 * time.Minute
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults and explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyFilesystemDefaults(&cfg.Filesystem)
	applyAnonymousDefaults(&cfg.Anonymous)
	applyUserStoreDefaults(&cfg.UserStore)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = 2121
	}
	if cfg.WelcomeMessage == "" {
		cfg.WelcomeMessage = "FTP Server Ready"
	}
	if cfg.DataTimeout == 0 {
		cfg.DataTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyFilesystemDefaults(cfg *FilesystemConfig) {
	if cfg.Root == "" {
		cfg.Root = "/srv/ftp"
	}
}

func applyAnonymousDefaults(cfg *AnonymousConfig) {
	if cfg.Home == "" {
		cfg.Home = "pub"
	}
}

func applyUserStoreDefaults(cfg *UserStoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9121
	}
}
