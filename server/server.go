package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/gonzalop/ftpd/admission"
	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/stats"
)

// Authenticator verifies a login. *auth.Authenticator implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, name, password string, remoteIP net.IP) (*auth.User, error)
}

// Server is the FTP server.
//
// It handles listening for incoming connections and dispatching them to
// client sessions. Each connection runs in its own goroutine.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with ListenAndServe(), or Listen() then Serve()
//  3. Call Shutdown() to stop accepting and drain sessions
//
// Basic example:
//
//	repo := auth.NewMemoryRepository()
//	_ = repo.Add(auth.UserRecord{Name: "admin", Password: "admin", HomeDir: "admin", Writable: true})
//	driver, _ := server.NewFSDriver("/srv/ftp", server.WithCreateHome(true))
//	s, err := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithAuthenticator(auth.NewAuthenticator(repo)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	// addr is the TCP address to listen on (e.g., ":21").
	addr string

	driver Driver
	auth   Authenticator

	// admission gates connections and logins. Defaults to no limits.
	admission *admission.Controller

	// statsSink receives session events through dispatcher, which is nil
	// when no sink is configured.
	statsSink  stats.Sink
	dispatcher *stats.Dispatcher

	logger *slog.Logger

	// welcomeMessage is the text of the 220 greeting.
	welcomeMessage string

	// maxIdleTime is the maximum time a control connection can sit without
	// a command. Defaults to 5 minutes.
	maxIdleTime time.Duration

	// dataTimeout bounds active dials and passive accepts.
	dataTimeout time.Duration

	pasvMinPort     int
	pasvMaxPort     int
	publicHost      string
	nextPassivePort atomic.Uint32

	maxLoginFailures  int
	loginFailureDelay time.Duration

	// Shutdown handling
	mu           sync.Mutex
	listener     net.Listener
	conns        map[net.Conn]struct{}
	inShutdown   atomic.Bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	sessions     sync.WaitGroup
}

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("ftp: Server closed")

// NewServer creates a new FTP server with the given address and options.
// The address should be in the form ":port" or "host:port"; port 0 picks an
// ephemeral port, see Addr.
//
// WithDriver and WithAuthenticator are required.
//
// Default values:
//   - Logger: slog.Default()
//   - MaxIdleTime: 5 minutes
//   - DataTimeout: 30 seconds
//   - Admission: no limits
//   - MaxLoginFailures: 3, with a 500ms delay after each failure
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:              addr,
		logger:            slog.Default(),
		welcomeMessage:    "FTP Server Ready",
		maxIdleTime:       5 * time.Minute,
		dataTimeout:       30 * time.Second,
		maxLoginFailures:  3,
		loginFailureDelay: 500 * time.Millisecond,
		conns:             make(map[net.Conn]struct{}),
		shutdownCh:        make(chan struct{}),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.driver == nil {
		return nil, fmt.Errorf("driver is required (use WithDriver option)")
	}
	if s.auth == nil {
		return nil, fmt.Errorf("authenticator is required (use WithAuthenticator option)")
	}
	if s.admission == nil {
		s.admission = admission.New(admission.Limits{})
	}
	if s.statsSink != nil {
		s.dispatcher = stats.NewDispatcher(s.statsSink, stats.DefaultBuffer, s.logger)
	}

	return s, nil
}

// Listen binds the control port without serving it yet. After it returns,
// Addr reports the bound address.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln, nil
}

// Addr returns the bound control address, or nil before Listen or Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds the configured address and serves it. It blocks
// until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	s.logger.Info("FTP server listening", "addr", ln.Addr().String())
	return s.Serve(ln)
}

// Serve accepts incoming connections on the listener l.
// It blocks until Shutdown is called or the listener fails.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			s.logger.Error("accept error", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.mu.Lock()
		if s.inShutdown.Load() {
			s.mu.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		s.sessions.Add(1)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

// handleConnection admits a new control connection and runs its session.
// The admission slot is released exactly once, even if the session panics.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.sessions.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	ip := remoteIP(conn)
	if err := s.admission.TryAcquireConnection(ip); err != nil {
		s.rejectConnection(conn, ip, err)
		return
	}
	defer s.admission.ReleaseConnection(ip)

	tc := s.trackConn(conn)
	defer tc.Close()

	newSession(s, tc).serve()
}

func (s *Server) rejectConnection(conn net.Conn, ip string, err error) {
	defer conn.Close()

	// Security audit: connection limit reached
	limits := s.admission.Limits()
	msg := "Too many users, sorry."
	reason, limit := "global_limit_reached", limits.MaxConnections
	if errors.Is(err, admission.ErrTooManyConnectionsFromIP) {
		msg = "Too many connections from your IP address."
		reason, limit = "per_ip_limit_reached", limits.MaxConnectionsPerIP
	}
	s.logger.Warn("connection_rejected",
		"remote_ip", ip,
		"reason", reason,
		"limit", limit,
	)
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "421 %s\r\n", msg)
}

// trackConn registers conn so Shutdown can force-close it.
func (s *Server) trackConn(conn net.Conn) net.Conn {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	return &trackingConn{Conn: conn, server: s}
}

// trackingConn wraps a net.Conn to track its lifetime in the server.
type trackingConn struct {
	net.Conn
	server *Server
	once   sync.Once
	err    error
}

func (c *trackingConn) Close() error {
	c.once.Do(func() {
		c.server.mu.Lock()
		delete(c.server.conns, c.Conn)
		c.server.mu.Unlock()
		c.err = c.Conn.Close()
	})
	return c.err
}

// listenPassive opens a data listener on host, inside the configured port
// range when there is one. Ports are tried round-robin so concurrent
// sessions don't all race for the first free port.
func (s *Server) listenPassive(host string) (net.Listener, error) {
	if s.pasvMinPort > 0 && s.pasvMaxPort >= s.pasvMinPort {
		rangeLen := uint32(s.pasvMaxPort - s.pasvMinPort + 1)
		start := s.nextPassivePort.Add(1)

		for i := uint32(0); i < rangeLen; i++ {
			port := s.pasvMinPort + int((start+i)%rangeLen)
			ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			if err == nil {
				return ln, nil
			}
		}
		return nil, fmt.Errorf("no available ports in range [%d, %d]", s.pasvMinPort, s.pasvMaxPort)
	}
	return net.Listen("tcp", net.JoinHostPort(host, "0"))
}

// emit hands an event to the stats dispatcher without blocking.
func (s *Server) emit(ev stats.Event) {
	if s.dispatcher != nil {
		s.dispatcher.Record(ev)
	}
}

// Shutdown gracefully stops the server.
//
// It stops accepting connections, tells idle sessions "421" and lets
// sessions in the middle of a command finish it. If ctx expires first, every
// remaining control and data connection is closed. The stats dispatcher is
// drained last.
func (s *Server) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	s.mu.Lock()
	s.inShutdown.Store(true)
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("closing listener: %w", err))
		}
	}

	drained := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("shutdown grace period expired, closing connections")
		s.closeConns()
		<-drained
		result = multierror.Append(result, ctx.Err())
	}

	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	return result.ErrorOrNil()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Admission returns the server's admission controller.
func (s *Server) Admission() *admission.Controller {
	return s.admission
}
