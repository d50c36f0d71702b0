// Package admission decides whether new control connections and new logins
// may proceed. Every decision and its counter update happen under one lock,
// so concurrent sessions can never overshoot a limit.
package admission

import (
	"errors"
	"net"
	"sync"

	"github.com/gonzalop/ftpd/auth"
)

// Rejection reasons.
var (
	ErrTooManyConnections       = errors.New("too many connections")
	ErrTooManyConnectionsFromIP = errors.New("too many connections from address")
	ErrTooManyLogins            = errors.New("server login limit reached")
	ErrTooManyAnonymousLogins   = errors.New("anonymous login limit reached")
	ErrUserLoginLimit           = errors.New("user login limit reached")
)

// Limits holds server-wide caps. Zero disables a cap.
type Limits struct {
	MaxConnections      int
	MaxConnectionsPerIP int
	MaxLogins           int
	MaxAnonymousLogins  int
}

type userIP struct {
	user string
	ip   string
}

// Controller tracks live connections and logins.
type Controller struct {
	limits Limits

	mu             sync.Mutex
	conns          int
	connsByIP      map[string]int
	logins         int
	anonLogins     int
	loginsByUser   map[string]int
	loginsByUserIP map[userIP]int
}

// New returns a Controller enforcing limits.
func New(limits Limits) *Controller {
	return &Controller{
		limits:         limits,
		connsByIP:      make(map[string]int),
		loginsByUser:   make(map[string]int),
		loginsByUserIP: make(map[userIP]int),
	}
}

// Limits returns the configured caps.
func (c *Controller) Limits() Limits {
	return c.limits
}

// TryAcquireConnection admits a new control connection from ip, or reports
// why it can't. A nil error must be paired with exactly one
// ReleaseConnection.
func (c *Controller) TryAcquireConnection(ip string) error {
	ip = normalizeIP(ip)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limits.MaxConnections > 0 && c.conns >= c.limits.MaxConnections {
		return ErrTooManyConnections
	}
	if c.limits.MaxConnectionsPerIP > 0 && c.connsByIP[ip] >= c.limits.MaxConnectionsPerIP {
		return ErrTooManyConnectionsFromIP
	}
	c.conns++
	c.connsByIP[ip]++
	return nil
}

// ReleaseConnection undoes a successful TryAcquireConnection.
func (c *Controller) ReleaseConnection(ip string) {
	ip = normalizeIP(ip)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conns > 0 {
		c.conns--
	}
	decrement(c.connsByIP, ip)
}

// TryAcquireLogin admits a login of u from ip. Server-wide caps are checked
// first, then the user's own authorities are asked with the counts the login
// would produce. A nil error must be paired with exactly one ReleaseLogin.
func (c *Controller) TryAcquireLogin(u *auth.User, ip string) error {
	ip = normalizeIP(ip)
	key := userIP{user: u.Name, ip: ip}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limits.MaxLogins > 0 && c.logins >= c.limits.MaxLogins {
		return ErrTooManyLogins
	}
	if u.Anonymous {
		if c.limits.MaxAnonymousLogins > 0 && c.anonLogins >= c.limits.MaxAnonymousLogins {
			return ErrTooManyAnonymousLogins
		}
		if !u.Authorize(auth.AnonymousLoginRequest(c.anonLogins + 1)) {
			return ErrTooManyAnonymousLogins
		}
	}
	if !u.Authorize(auth.LoginCountRequest(c.loginsByUser[u.Name]+1, c.loginsByUserIP[key]+1)) {
		return ErrUserLoginLimit
	}

	c.logins++
	if u.Anonymous {
		c.anonLogins++
	}
	c.loginsByUser[u.Name]++
	c.loginsByUserIP[key]++
	return nil
}

// ReleaseLogin undoes a successful TryAcquireLogin.
func (c *Controller) ReleaseLogin(u *auth.User, ip string) {
	ip = normalizeIP(ip)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.logins > 0 {
		c.logins--
	}
	if u.Anonymous && c.anonLogins > 0 {
		c.anonLogins--
	}
	decrement(c.loginsByUser, u.Name)
	decrement(c.loginsByUserIP, userIP{user: u.Name, ip: ip})
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Connections     int
	Logins          int
	AnonymousLogins int
}

// Snapshot returns the current counters.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Connections:     c.conns,
		Logins:          c.logins,
		AnonymousLogins: c.anonLogins,
	}
}

// ConnectionsFrom returns the number of live connections from ip.
func (c *Controller) ConnectionsFrom(ip string) int {
	ip = normalizeIP(ip)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connsByIP[ip]
}

// LoginsOf returns the number of live logins of user.
func (c *Controller) LoginsOf(user string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginsByUser[user]
}

func decrement[K comparable](m map[K]int, k K) {
	if m[k] <= 1 {
		delete(m, k)
		return
	}
	m[k]--
}

// normalizeIP makes "::ffff:10.0.0.1" and "10.0.0.1" count as one address.
func normalizeIP(ip string) string {
	if parsed := net.ParseIP(ip); parsed != nil {
		return parsed.String()
	}
	return ip
}
