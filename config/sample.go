package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gonzalop/ftpd/auth"
)

// ErrConfigExists is returned by WriteSample when the file exists and
// force is not set.
var ErrConfigExists = errors.New("configuration file already exists")

// sectionComments annotate the top-level keys of the sample file.
var sectionComments = map[string]string{
	"logging":    "Log level (DEBUG, INFO, WARN, ERROR), format (text, json) and output (stdout, stderr or a file path)",
	"server":     "Control listener, timeouts and login failure policy",
	"limits":     "Server-wide caps, 0 means unlimited",
	"filesystem": "Relative home directories are resolved against root",
	"anonymous":  "Account used by the \"anonymous\" and \"ftp\" login names",
	"users":      "Named accounts. Replace password with password_hash (see ftpd -hash-password)",
	"user_store": "memory, or badger with badger.path set to a database directory",
	"metrics":    "Prometheus endpoint serving /metrics",
}

// Sample returns the configuration written by WriteSample.
func Sample() *Config {
	cfg := &Config{
		Filesystem: FilesystemConfig{Root: "/srv/ftp", CreateHomes: true},
		Server: ServerConfig{
			MaxLoginFailures:  DefaultMaxLoginFailures,
			LoginFailureDelay: DefaultLoginFailureDelay,
			IdleTimeout:       DefaultIdleTimeout,
		},
		Limits: LimitsConfig{
			MaxConnections:      100,
			MaxConnectionsPerIP: 10,
		},
		Anonymous: AnonymousConfig{
			Enabled:   false,
			Home:      "pub",
			MaxLogins: 10,
		},
		Users: []auth.UserRecord{{
			Name:     "admin",
			Password: "change-me",
			HomeDir:  "admin",
			Writable: true,
		}},
	}
	ApplyDefaults(cfg)
	return cfg
}

// WriteSample writes a commented starter configuration to path, creating
// parent directories as needed.
func WriteSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}

	data, err := marshalSample(Sample())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// The file may hold passwords.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func marshalSample(cfg *Config) ([]byte, error) {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode sample config: %w", err)
	}

	root := &doc
	if root.Kind == yaml.DocumentNode {
		root = root.Content[0]
	}
	// Mapping nodes hold keys and values alternately.
	root.HeadComment = "ftpd configuration file"
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		if c, ok := sectionComments[key.Value]; ok {
			key.HeadComment = c
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to encode sample config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// serverYAML mirrors ServerConfig with durations spelled like "30s", which
// is also what viper accepts when reading them back.
type serverYAML struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	WelcomeMessage    string `yaml:"welcome_message"`
	IdleTimeout       string `yaml:"idle_timeout"`
	DataTimeout       string `yaml:"data_timeout"`
	ShutdownTimeout   string `yaml:"shutdown_timeout"`
	PassivePortMin    int    `yaml:"passive_port_min"`
	PassivePortMax    int    `yaml:"passive_port_max"`
	PublicHost        string `yaml:"public_host,omitempty"`
	MaxLoginFailures  int    `yaml:"max_login_failures"`
	LoginFailureDelay string `yaml:"login_failure_delay"`
}

// MarshalYAML writes durations in time.Duration string form.
func (c ServerConfig) MarshalYAML() (any, error) {
	return serverYAML{
		Host:              c.Host,
		Port:              c.Port,
		WelcomeMessage:    c.WelcomeMessage,
		IdleTimeout:       c.IdleTimeout.String(),
		DataTimeout:       c.DataTimeout.String(),
		ShutdownTimeout:   c.ShutdownTimeout.String(),
		PassivePortMin:    c.PassivePortMin,
		PassivePortMax:    c.PassivePortMax,
		PublicHost:        c.PublicHost,
		MaxLoginFailures:  c.MaxLoginFailures,
		LoginFailureDelay: c.LoginFailureDelay.String(),
	}, nil
}

// UnmarshalYAML accepts the form written by MarshalYAML.
func (c *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw serverYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	durations := []struct {
		in  string
		out *time.Duration
	}{
		{raw.IdleTimeout, &c.IdleTimeout},
		{raw.DataTimeout, &c.DataTimeout},
		{raw.ShutdownTimeout, &c.ShutdownTimeout},
		{raw.LoginFailureDelay, &c.LoginFailureDelay},
	}
	for _, d := range durations {
		if d.in == "" {
			*d.out = 0
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		*d.out = v
	}
	c.Host = raw.Host
	c.Port = raw.Port
	c.WelcomeMessage = raw.WelcomeMessage
	c.PassivePortMin = raw.PassivePortMin
	c.PassivePortMax = raw.PassivePortMax
	c.PublicHost = raw.PublicHost
	c.MaxLoginFailures = raw.MaxLoginFailures
	return nil
}
