package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Authentication failure reasons. They are only ever logged; clients see the
// same negative reply for all of them.
var (
	ErrUnknownUser       = errors.New("unknown user")
	ErrBadCredentials    = errors.New("bad credentials")
	ErrUserDisabled      = errors.New("account disabled")
	ErrAnonymousDisabled = errors.New("anonymous login disabled")
	ErrIPRestricted      = errors.New("address not allowed")
)

// AuthError is returned by Authenticator.Authenticate.
type AuthError struct {
	User   string
	Reason error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %q: %v", e.User, e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Reason
}

// Authenticator verifies credentials against a UserRepository.
type Authenticator struct {
	repo UserRepository
}

// NewAuthenticator returns an Authenticator reading from repo.
func NewAuthenticator(repo UserRepository) *Authenticator {
	return &Authenticator{repo: repo}
}

// Authenticate checks name and password and returns the freshly loaded user.
//
// The anonymous names accept any password when the repository holds an
// enabled anonymous account. An account carrying an IP restriction,
// anonymous included, must pass it for remoteIP.
func (a *Authenticator) Authenticate(ctx context.Context, name, password string, remoteIP net.IP) (*User, error) {
	anonymous := IsAnonymousName(name)
	lookup := name
	if anonymous {
		lookup = AnonymousName
	}

	u, err := a.repo.FindUserByName(ctx, lookup)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("failed to load user %q: %w", lookup, err)
		}
		if anonymous {
			return nil, &AuthError{User: name, Reason: ErrAnonymousDisabled}
		}
		return nil, &AuthError{User: name, Reason: ErrUnknownUser}
	}

	switch {
	case anonymous && !u.Enabled:
		return nil, &AuthError{User: name, Reason: ErrAnonymousDisabled}
	case !u.Enabled:
		return nil, &AuthError{User: name, Reason: ErrUserDisabled}
	case !anonymous && !VerifyPassword(u.PasswordHash, password):
		return nil, &AuthError{User: name, Reason: ErrBadCredentials}
	}

	if ipReq := IPRequest(remoteIP); u.Restricts(ipReq) && !u.Authorize(ipReq) {
		return nil, &AuthError{User: name, Reason: ErrIPRestricted}
	}
	return u, nil
}
