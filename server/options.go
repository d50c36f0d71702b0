package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gonzalop/ftpd/admission"
	"github.com/gonzalop/ftpd/stats"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithDriver sets the filesystem backend.
// This option is required and can only be set once.
//
// Example:
//
//	driver, _ := server.NewFSDriver("/srv/ftp")
//	s, _ := server.NewServer(":21", server.WithDriver(driver), ...)
func WithDriver(driver Driver) Option {
	return func(s *Server) error {
		if s.driver != nil {
			return fmt.Errorf("driver already set")
		}
		s.driver = driver
		return nil
	}
}

// WithAuthenticator sets how USER/PASS are verified.
// This option is required and can only be set once.
//
//	repo := auth.NewMemoryRepository()
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithAuthenticator(auth.NewAuthenticator(repo)),
//	)
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) error {
		if s.auth != nil {
			return fmt.Errorf("authenticator already set")
		}
		s.auth = a
		return nil
	}
}

// WithAdmission sets the controller that caps connections and logins.
// The controller may be shared between servers to enforce joint limits.
//
//	ctrl := admission.New(admission.Limits{MaxConnections: 100, MaxConnectionsPerIP: 10})
//	s, _ := server.NewServer(":21", ..., server.WithAdmission(ctrl))
func WithAdmission(c *admission.Controller) Option {
	return func(s *Server) error {
		if c == nil {
			return fmt.Errorf("admission controller must not be nil")
		}
		s.admission = c
		return nil
	}
}

// WithStats delivers session events to sink. Delivery is asynchronous: a
// slow or failing sink never blocks a session, and events are dropped when
// the buffer is full.
func WithStats(sink stats.Sink) Option {
	return func(s *Server) error {
		if sink == nil {
			return fmt.Errorf("stats sink must not be nil")
		}
		if s.statsSink != nil {
			return fmt.Errorf("stats sink already set")
		}
		s.statsSink = sink
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
//
// Example with debug logging:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := server.NewServer(":21", ..., server.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithWelcomeMessage sets the text of the 220 greeting.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		msg = strings.TrimSpace(strings.TrimPrefix(msg, "220"))
		if msg == "" || strings.ContainsAny(msg, "\r\n") {
			return fmt.Errorf("invalid welcome message %q", msg)
		}
		s.welcomeMessage = msg
		return nil
	}
}

// WithMaxIdleTime sets the maximum time a connection can be idle before being closed.
// If not specified, defaults to 5 minutes. 0 disables the limit.
func WithMaxIdleTime(duration time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = duration
		return nil
	}
}

// WithDataTimeout bounds how long an active dial or a passive accept may
// take. Defaults to 30 seconds.
func WithDataTimeout(duration time.Duration) Option {
	return func(s *Server) error {
		if duration <= 0 {
			return fmt.Errorf("data timeout must be positive")
		}
		s.dataTimeout = duration
		return nil
	}
}

// WithPassivePortRange restricts passive listeners to [minPort, maxPort].
//
//	server.WithPassivePortRange(50000, 50100)
func WithPassivePortRange(minPort, maxPort int) Option {
	return func(s *Server) error {
		if minPort < 1 || maxPort > 65535 || minPort > maxPort {
			return fmt.Errorf("invalid passive port range [%d, %d]", minPort, maxPort)
		}
		s.pasvMinPort = minPort
		s.pasvMaxPort = maxPort
		return nil
	}
}

// WithPublicHost sets the address announced in PASV replies, for servers
// behind NAT. It may be an IPv4 address or a host name resolving to one.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		s.publicHost = host
		return nil
	}
}

// WithMaxLoginFailures closes the control connection after n failed
// logins. 0 means never. Defaults to 3.
func WithMaxLoginFailures(n int) Option {
	return func(s *Server) error {
		if n < 0 {
			return fmt.Errorf("max login failures must not be negative")
		}
		s.maxLoginFailures = n
		return nil
	}
}

// WithLoginFailureDelay sets the pause before answering a failed login.
// Defaults to 500ms.
func WithLoginFailureDelay(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return fmt.Errorf("login failure delay must not be negative")
		}
		s.loginFailureDelay = d
		return nil
	}
}
