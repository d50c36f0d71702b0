package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/gonzalop/ftpd/auth"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Log level normalization is handled in ApplyDefaults, not here.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs validation that can't be expressed in tags.
func validateCustomRules(cfg *Config) error {
	minPort, maxPort := cfg.Server.PassivePortMin, cfg.Server.PassivePortMax
	if (minPort == 0) != (maxPort == 0) {
		return fmt.Errorf("server: passive_port_min and passive_port_max must be set together")
	}
	if minPort > maxPort {
		return fmt.Errorf("server: passive port range [%d, %d] is empty", minPort, maxPort)
	}

	names := make(map[string]bool)
	for i, user := range cfg.Users {
		if auth.IsAnonymousName(user.Name) {
			return fmt.Errorf("users[%d]: %q is reserved, configure it in the anonymous section", i, user.Name)
		}
		if names[user.Name] {
			return fmt.Errorf("users[%d]: duplicate user name %q", i, user.Name)
		}
		names[user.Name] = true

		if user.Password == "" && user.PasswordHash == "" {
			return fmt.Errorf("users[%d]: password or password_hash is required", i)
		}
		if _, err := auth.ParseIPNets(user.AllowedIPs); err != nil {
			return fmt.Errorf("users[%d].allowed_ips: %w", i, err)
		}
		if _, err := auth.ParseIPNets(user.DeniedIPs); err != nil {
			return fmt.Errorf("users[%d].denied_ips: %w", i, err)
		}
	}

	if _, err := auth.ParseIPNets(cfg.Anonymous.AllowedIPs); err != nil {
		return fmt.Errorf("anonymous.allowed_ips: %w", err)
	}
	if _, err := auth.ParseIPNets(cfg.Anonymous.DeniedIPs); err != nil {
		return fmt.Errorf("anonymous.denied_ips: %w", err)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port == cfg.Server.Port {
		return fmt.Errorf("metrics: port %d is already used by the FTP server", cfg.Metrics.Port)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
