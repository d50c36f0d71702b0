// Package auth holds the identity and authorization model of the FTP server:
// users, the repositories they are loaded from, password verification and
// the ordered Authority chain consulted before every sensitive operation.
//
// An authorization decision is made by walking a user's authorities in the
// order they were attached. The first Authority that claims a Request decides
// it; a Request nobody claims is denied.
package auth

import (
	"net"
	"path"
)

// Kind identifies what a Request asks permission for.
type Kind int

const (
	// KindWrite asks to mutate the file or directory at Request.Path.
	KindWrite Kind = iota + 1

	// KindLoginCount asks whether one more concurrent login is allowed.
	KindLoginCount

	// KindAnonymousLogin asks whether one more anonymous login is allowed.
	KindAnonymousLogin

	// KindIPRestriction asks whether Request.RemoteIP may log in.
	KindIPRestriction

	// KindTransferRate asks whether a transfer in Request.Direction may start.
	// Authorities that claim it may also expose a bandwidth limit, see RateLimiter.
	KindTransferRate
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindLoginCount:
		return "login_count"
	case KindAnonymousLogin:
		return "anonymous_login"
	case KindIPRestriction:
		return "ip_restriction"
	case KindTransferRate:
		return "transfer_rate"
	default:
		return "unknown"
	}
}

// Direction of a data transfer, seen from the server.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Request describes one proposed operation. Only the fields relevant to Kind
// are set. Authorities must treat it as read-only.
type Request struct {
	Kind Kind

	// Path is the absolute, normalized virtual path (KindWrite).
	Path string

	// Logins is the number of concurrent logins the user would have if the
	// request were granted (KindLoginCount, KindAnonymousLogin).
	Logins int

	// LoginsFromIP is the same count restricted to RemoteIP (KindLoginCount).
	LoginsFromIP int

	// RemoteIP is the client address (KindIPRestriction).
	RemoteIP net.IP

	// Direction of the transfer (KindTransferRate).
	Direction Direction
}

// WriteRequest builds a KindWrite request. The path is normalized here so a
// caller can never hand an unresolved ".." to a prefix check.
func WriteRequest(p string) Request {
	return Request{Kind: KindWrite, Path: CleanPath(p)}
}

// LoginCountRequest builds a KindLoginCount request from prospective counts.
func LoginCountRequest(logins, loginsFromIP int) Request {
	return Request{Kind: KindLoginCount, Logins: logins, LoginsFromIP: loginsFromIP}
}

// AnonymousLoginRequest builds a KindAnonymousLogin request.
func AnonymousLoginRequest(logins int) Request {
	return Request{Kind: KindAnonymousLogin, Logins: logins}
}

// IPRequest builds a KindIPRestriction request.
func IPRequest(ip net.IP) Request {
	return Request{Kind: KindIPRestriction, RemoteIP: ip}
}

// TransferRateRequest builds a KindTransferRate request.
func TransferRateRequest(dir Direction) Request {
	return Request{Kind: KindTransferRate, Direction: dir}
}

// Authority is a single permission attached to a user.
//
// Authorize is only called after CanAuthorize returned true for the same
// Request. Both methods must return false for requests they don't recognize.
type Authority interface {
	CanAuthorize(req Request) bool
	Authorize(req Request) bool
}

// RateLimiter is implemented by authorities that cap transfer bandwidth.
// RateLimit returns bytes per second, 0 meaning unlimited.
type RateLimiter interface {
	RateLimit(dir Direction) int64
}

// Authorize evaluates req against authorities in order. The first Authority
// that claims the request decides; when none does the request is denied.
func Authorize(authorities []Authority, req Request) bool {
	for _, a := range authorities {
		if a.CanAuthorize(req) {
			return a.Authorize(req)
		}
	}
	return false
}

// Claims reports whether any of authorities recognizes req. It is used for
// restrictions that only apply when the matching Authority is attached.
func Claims(authorities []Authority, req Request) bool {
	for _, a := range authorities {
		if a.CanAuthorize(req) {
			return true
		}
	}
	return false
}

// TransferRate resolves a transfer request in dir. ok reports whether the
// transfer is allowed at all; limit is the bandwidth cap of the deciding
// Authority, 0 if it has none.
func TransferRate(authorities []Authority, dir Direction) (limit int64, ok bool) {
	req := TransferRateRequest(dir)
	for _, a := range authorities {
		if !a.CanAuthorize(req) {
			continue
		}
		if !a.Authorize(req) {
			return 0, false
		}
		if rl, isLimiter := a.(RateLimiter); isLimiter {
			return rl.RateLimit(dir), true
		}
		return 0, true
	}
	return 0, false
}

// CleanPath returns the absolute, lexically normalized form of a virtual
// path. ".." never climbs above "/".
func CleanPath(p string) string {
	return path.Clean("/" + p)
}
