package auth

import (
	"context"
	"errors"
	"strings"
)

// AnonymousName is the account name anonymous logins are mapped to.
const AnonymousName = "anonymous"

// ErrUserNotFound is returned by repositories for unknown names.
var ErrUserNotFound = errors.New("user not found")

// User is an authenticated principal. It is immutable once loaded; sessions
// fetch a fresh copy from the repository on every login attempt.
type User struct {
	Name string

	// PasswordHash is a bcrypt hash. Anonymous accounts leave it empty.
	PasswordHash string

	// HomeDir is the directory the user's virtual "/" maps to.
	HomeDir string

	Enabled   bool
	Anonymous bool

	// Authorities are evaluated in order, see Authorize.
	Authorities []Authority
}

// Authorize evaluates req against the user's authority chain.
func (u *User) Authorize(req Request) bool {
	return Authorize(u.Authorities, req)
}

// Restricts reports whether the user carries an authority for req.
func (u *User) Restricts(req Request) bool {
	return Claims(u.Authorities, req)
}

// TransferRate resolves whether a transfer in dir is allowed and at what
// bandwidth cap.
func (u *User) TransferRate(dir Direction) (int64, bool) {
	return TransferRate(u.Authorities, dir)
}

// UserRepository loads users by name.
type UserRepository interface {
	// FindUserByName returns ErrUserNotFound when no such user exists.
	FindUserByName(ctx context.Context, name string) (*User, error)
}

// IsAnonymousName reports whether name is one of the conventional anonymous
// account names.
func IsAnonymousName(name string) bool {
	return strings.EqualFold(name, AnonymousName) || strings.EqualFold(name, "ftp")
}
