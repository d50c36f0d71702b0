package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// dataChannel is a negotiated but not yet used data connection. A session
// holds at most one; it is consumed by the next transfer.
type dataChannel interface {
	// open establishes the connection. It may be called once.
	open(ctx context.Context) (net.Conn, error)
	// Close releases the channel. It is safe to call more than once.
	Close() error
	String() string
}

// activeChannel dials out to the address given by PORT or EPRT.
type activeChannel struct {
	addr    string
	timeout time.Duration
}

func (c *activeChannel) open(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.timeout}
	return d.DialContext(ctx, "tcp", c.addr)
}

func (c *activeChannel) Close() error { return nil }

func (c *activeChannel) String() string { return "Active mode: " + c.addr }

// passiveChannel owns the listener opened by PASV or EPSV. It accepts one
// connection from the control peer, then closes the listener. A listener no
// transfer picks up within timeout is closed by the expiry timer.
type passiveChannel struct {
	ln        net.Listener
	peer      net.IP
	timeout   time.Duration
	logger    *slog.Logger
	expiry    *time.Timer
	closeOnce sync.Once
	closeErr  error
}

// expireAfter closes the listener if open has not been called within d.
func (c *passiveChannel) expireAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	c.expiry = time.AfterFunc(d, func() {
		c.logger.Debug("passive_listener_expired", "addr", c.ln.Addr().String())
		c.closeListener()
	})
}

func (c *passiveChannel) open(ctx context.Context) (net.Conn, error) {
	defer c.Close()
	if c.expiry != nil {
		// Once fired, the listener is closed and Accept fails below.
		c.expiry.Stop()
	}

	if d, ok := c.ln.(interface{ SetDeadline(time.Time) error }); ok && c.timeout > 0 {
		_ = d.SetDeadline(time.Now().Add(c.timeout))
	}
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return nil, err
		}
		if c.peer != nil && !c.peer.Equal(net.ParseIP(remoteIP(conn))) {
			c.logger.Warn("passive_connection_rejected", "peer", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		return conn, nil
	}
}

func (c *passiveChannel) Close() error {
	if c.expiry != nil {
		c.expiry.Stop()
	}
	return c.closeListener()
}

// closeListener does not touch expiry, so the timer callback can use it.
func (c *passiveChannel) closeListener() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ln.Close()
	})
	return c.closeErr
}

func (c *passiveChannel) String() string { return "Passive mode: " + c.ln.Addr().String() }

// setData installs a freshly negotiated channel, closing any previous one.
func (s *session) setData(ch dataChannel) {
	s.closeData()
	s.data = ch
}

// takeData hands the negotiated channel to a transfer. The caller owns it.
func (s *session) takeData() dataChannel {
	ch := s.data
	s.data = nil
	return ch
}

func (s *session) closeData() {
	if s.data != nil {
		s.data.Close()
		s.data = nil
	}
}

// withDataConn runs fn over a connection opened from ch and reports the
// outcome on the control channel: 150 first, then 226 on success, 425 when
// the connection can't be opened or 426 when fn fails or the transfer is
// aborted. The data connection and ch are always closed before it returns,
// and the 226 is only sent once the data connection is closed.
func (s *session) withDataConn(ch dataChannel, opening, done string, fn func(ctx context.Context, conn net.Conn) (int64, error)) (int64, error) {
	defer ch.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.transferCancel = cancel
	s.mu.Unlock()
	s.transferring.Store(true)
	defer func() {
		s.transferring.Store(false)
		s.mu.Lock()
		s.transferCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	s.reply(150, opening)

	conn, err := ch.open(ctx)
	if err != nil {
		s.logger.Warn("data connection failed", "user", s.userName(), "error", err)
		s.reply(425, "Can't open data connection.")
		return 0, err
	}
	conn = s.server.trackConn(conn)
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	n, err := fn(ctx, conn)
	stop()
	if cerr := conn.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}

	if err != nil {
		s.reply(426, "Connection closed; transfer aborted.")
		if ctx.Err() != nil {
			return n, fmt.Errorf("transfer aborted: %w", err)
		}
		return n, err
	}
	s.reply(226, done)
	return n, nil
}

// abortTransfer cancels the transfer in progress, if any. It is called from
// the reader goroutine when ABOR arrives mid-transfer.
func (s *session) abortTransfer() {
	s.mu.Lock()
	cancel := s.transferCancel
	s.mu.Unlock()
	if cancel != nil {
		s.logger.Info("transfer_abort_requested", "user", s.userName())
		cancel()
	}
}

// validateActiveIP ensures the data connection target matches the control
// connection source. This prevents FTP bounce attacks.
func (s *session) validateActiveIP(ip net.IP) bool {
	return s.remoteIP != nil && ip.Equal(s.remoteIP)
}

func (s *session) handlePORT(arg string) {
	// Format: h1,h2,h3,h4,p1,p2
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		s.reply(501, "Invalid port number.")
		return
	}

	ip := net.ParseIP(strings.Join(parts[0:4], "."))
	if ip == nil {
		s.reply(501, "Invalid IP address.")
		return
	}
	if !s.validateActiveIP(ip) {
		s.logger.Warn("active_address_rejected", "user", s.userName(), "target", ip.String())
		s.reply(500, "Illegal PORT command.")
		return
	}

	s.setData(&activeChannel{
		addr:    net.JoinHostPort(ip.String(), strconv.Itoa(p1*256+p2)),
		timeout: s.server.dataTimeout,
	})
	s.reply(200, "PORT command successful.")
}

func (s *session) handleEPRT(arg string) {
	if len(arg) < 4 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	// <d><proto><d><ip><d><port><d> splits into ["", proto, ip, port, ""].
	parts := strings.Split(arg, arg[:1])
	if len(parts) != 5 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	proto, ipStr, portStr := parts[1], parts[2], parts[3]

	ip := net.ParseIP(ipStr)
	if ip == nil {
		s.reply(501, "Invalid network address.")
		return
	}
	switch {
	case proto == "1" && ip.To4() == nil:
		s.reply(522, "Network protocol not supported, use (2).")
		return
	case proto != "1" && proto != "2":
		s.reply(522, "Network protocol not supported, use (1,2).")
		return
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		s.reply(501, "Invalid port number.")
		return
	}
	if !s.validateActiveIP(ip) {
		s.logger.Warn("active_address_rejected", "user", s.userName(), "target", ip.String())
		s.reply(500, "Illegal EPRT command.")
		return
	}

	s.setData(&activeChannel{
		addr:    net.JoinHostPort(ip.String(), strconv.Itoa(port)),
		timeout: s.server.dataTimeout,
	})
	s.reply(200, "EPRT command successful.")
}

// openPassive closes any previous channel, then listens on the control
// connection's local address.
func (s *session) openPassive() (port int, ok bool) {
	s.closeData()

	host, _, _ := net.SplitHostPort(s.conn.LocalAddr().String())
	ln, err := s.server.listenPassive(host)
	if err != nil {
		s.logger.Warn("passive listen failed", "user", s.userName(), "error", err)
		s.reply(425, "Can't open passive connection.")
		return 0, false
	}

	ch := &passiveChannel{
		ln:      ln,
		peer:    s.remoteIP,
		timeout: s.server.dataTimeout,
		logger:  s.logger,
	}
	ch.expireAfter(s.server.dataTimeout)
	s.data = ch
	return ln.Addr().(*net.TCPAddr).Port, true
}

func (s *session) handlePASV(_ string) {
	port, ok := s.openPassive()
	if !ok {
		return
	}

	var ip net.IP
	if s.server.publicHost != "" {
		ip = resolveIPv4(s.server.publicHost)
	} else {
		host, _, _ := net.SplitHostPort(s.conn.LocalAddr().String())
		ip = net.ParseIP(host).To4()
	}
	if ip == nil {
		// PASV can't express IPv6. Clients treat 0.0.0.0 as "the control
		// connection's host".
		ip = net.IPv4zero.To4()
	}

	s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		ip[0], ip[1], ip[2], ip[3], port/256, port%256))
}

func (s *session) handleEPSV(arg string) {
	if a := strings.ToUpper(strings.TrimSpace(arg)); a == "ALL" {
		s.reply(200, "EPSV ALL command successful.")
		return
	}
	port, ok := s.openPassive()
	if !ok {
		return
	}
	s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
}

// resolveIPv4 parses host as an IPv4 address or resolves it to one.
func resolveIPv4(host string) net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return ip.To4()
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}
