package auth

import (
	"errors"
	"fmt"
)

// UserRecord is the serializable description of a user, as found in the
// configuration file and in persistent user stores.
//
// Password holds a clear-text password for bootstrap configuration only; it
// is hashed by Hashed before a record is stored and is never serialized to
// JSON.
type UserRecord struct {
	Name         string `mapstructure:"name" json:"name" yaml:"name" validate:"required"`
	Password     string `mapstructure:"password" json:"-" yaml:"password,omitempty"`
	PasswordHash string `mapstructure:"password_hash" json:"password_hash,omitempty" yaml:"password_hash,omitempty"`
	HomeDir      string `mapstructure:"home" json:"home" yaml:"home" validate:"required"`
	Disabled     bool   `mapstructure:"disabled" json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// Writable attaches a WritePermission rooted at WriteRoot ("/" if empty).
	Writable  bool   `mapstructure:"writable" json:"writable,omitempty" yaml:"writable,omitempty"`
	WriteRoot string `mapstructure:"write_root" json:"write_root,omitempty" yaml:"write_root,omitempty"`

	MaxLogins      int `mapstructure:"max_logins" json:"max_logins,omitempty" yaml:"max_logins,omitempty" validate:"gte=0"`
	MaxLoginsPerIP int `mapstructure:"max_logins_per_ip" json:"max_logins_per_ip,omitempty" yaml:"max_logins_per_ip,omitempty" validate:"gte=0"`

	MaxDownloadRate int64 `mapstructure:"max_download_rate" json:"max_download_rate,omitempty" yaml:"max_download_rate,omitempty" validate:"gte=0"`
	MaxUploadRate   int64 `mapstructure:"max_upload_rate" json:"max_upload_rate,omitempty" yaml:"max_upload_rate,omitempty" validate:"gte=0"`

	AllowedIPs []string `mapstructure:"allowed_ips" json:"allowed_ips,omitempty" yaml:"allowed_ips,omitempty"`
	DeniedIPs  []string `mapstructure:"denied_ips" json:"denied_ips,omitempty" yaml:"denied_ips,omitempty"`
}

// Hashed returns a copy of r whose clear-text password has been replaced by
// a bcrypt hash.
func (r UserRecord) Hashed() (UserRecord, error) {
	if r.Password == "" {
		return r, nil
	}
	hash, err := HashPassword(r.Password)
	if err != nil {
		return r, err
	}
	r.PasswordHash = hash
	r.Password = ""
	return r, nil
}

// Build turns the record into a User with its authority chain:
// write (if writable), concurrent login, anonymous login (anonymous account
// only), transfer rate and IP restriction, in that order.
func (r UserRecord) Build() (*User, error) {
	if r.Name == "" {
		return nil, errors.New("user name is required")
	}
	anonymous := IsAnonymousName(r.Name)
	if !anonymous && r.PasswordHash == "" && r.Password == "" {
		return nil, fmt.Errorf("user %q: password or password_hash is required", r.Name)
	}

	hashed, err := r.Hashed()
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", r.Name, err)
	}
	if !anonymous && !isBcryptHash(hashed.PasswordHash) {
		return nil, fmt.Errorf("user %q: password_hash is not a bcrypt hash", r.Name)
	}

	allow, err := ParseIPNets(r.AllowedIPs)
	if err != nil {
		return nil, fmt.Errorf("user %q: allowed_ips: %w", r.Name, err)
	}
	deny, err := ParseIPNets(r.DeniedIPs)
	if err != nil {
		return nil, fmt.Errorf("user %q: denied_ips: %w", r.Name, err)
	}

	var authorities []Authority
	if r.Writable {
		root := r.WriteRoot
		if root == "" {
			root = "/"
		}
		authorities = append(authorities, WritePermission{Root: root})
	}
	authorities = append(authorities, ConcurrentLoginPermission{
		MaxLogins:      r.MaxLogins,
		MaxLoginsPerIP: r.MaxLoginsPerIP,
	})
	if anonymous {
		authorities = append(authorities, AnonymousLoginPermission{MaxLogins: r.MaxLogins})
	}
	authorities = append(authorities,
		TransferRatePermission{MaxDownloadRate: r.MaxDownloadRate, MaxUploadRate: r.MaxUploadRate},
		IPRestrictionPermission{Allow: allow, Deny: deny},
	)

	name := r.Name
	if anonymous {
		name = AnonymousName
	}
	return &User{
		Name:         name,
		PasswordHash: hashed.PasswordHash,
		HomeDir:      r.HomeDir,
		Enabled:      !r.Disabled,
		Anonymous:    anonymous,
		Authorities:  authorities,
	}, nil
}
