package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/stats"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

// sessionState is the login state of a control connection.
type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAwaitingPassword
	stateAuthenticated
	stateClosed
)

func (st sessionState) String() string {
	switch st {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAwaitingPassword:
		return "awaiting_password"
	case stateAuthenticated:
		return "authenticated"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session represents an FTP client session.
//
// All fields below mu are owned by the command loop goroutine. The reader
// goroutine only touches conn, ctx and the transfer fields.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	logger *slog.Logger
	mu     sync.Mutex // Protects writer and transferCancel

	id         string
	remoteIP   net.IP
	remoteAddr string

	ctx    context.Context
	cancel context.CancelFunc

	transferCancel context.CancelFunc
	transferring   atomic.Bool

	// busy is set while the loop runs a command. lastActive (unix nanos) is
	// when the last line arrived or the last command finished; the idle
	// timeout counts from there.
	busy       atomic.Bool
	lastActive atomic.Int64

	state         sessionState
	pendingUser   string
	user          *auth.User
	fs            ClientContext
	cwd           string
	renameFrom    string
	data          dataChannel
	transferType  string // A or I
	restartOffset int64
	loginFailures int
}

type command struct {
	line string
	err  error
}

var errLineTooLong = errors.New("command line too long")

func newSession(server *Server, conn net.Conn) *session {
	ip := remoteIP(conn)
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		server:       server,
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, MaxCommandLength),
		writer:       bufio.NewWriter(conn),
		logger:       server.logger.With("session_id", id, "remote_ip", ip),
		id:           id,
		remoteIP:     net.ParseIP(ip),
		remoteAddr:   ip,
		ctx:          ctx,
		cancel:       cancel,
		state:        stateUnauthenticated,
		cwd:          "/",
		transferType: "I",
	}
	s.touch()
	return s
}

func (s *session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// idleDeadline is when the control connection counts as idle. A running
// command keeps it open.
func (s *session) idleDeadline() time.Time {
	if s.busy.Load() {
		return time.Now().Add(s.server.maxIdleTime)
	}
	return time.Unix(0, s.lastActive.Load()).Add(s.server.maxIdleTime)
}

// runCommand handles one line with the idle clock stopped.
func (s *session) runCommand(line string) {
	s.busy.Store(true)
	defer func() {
		s.touch()
		s.busy.Store(false)
	}()
	s.handleCommand(line)
}

// serve runs the session until the client quits, the control connection
// breaks or the server shuts down.
//
// A reader goroutine reads command lines ahead of the command loop so that
// pipelined commands queue in order, and so that ABOR can interrupt a
// transfer the loop is blocked on. Everything else, including every reply,
// happens on the loop goroutine in arrival order.
func (s *session) serve() {
	defer s.close()

	s.event(stats.ConnectionOpened, "", 0, 0)
	s.logger.Info("session_started")
	s.reply(220, s.server.welcomeMessage)

	done := make(chan struct{})
	defer close(done)
	cmds := s.startCommandReader(done)

	for s.state != stateClosed {
		select {
		case <-s.server.shutdownCh:
			s.reply(421, "Service not available, closing control connection.")
			return
		default:
		}

		select {
		case <-s.server.shutdownCh:
			s.reply(421, "Service not available, closing control connection.")
			return
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			if cmd.err != nil {
				s.handleReadError(cmd.err)
				return
			}
			s.runCommand(cmd.line)
		}
	}
}

func (s *session) handleReadError(err error) {
	switch {
	case errors.Is(err, errLineTooLong):
		s.reply(500, "Command line too long.")
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.logger.Info("session_idle_timeout", "user", s.userName())
		s.reply(421, "Idle timeout, closing control connection.")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	default:
		s.logger.Warn("read error", "user", s.userName(), "error", err)
	}
}

func (s *session) startCommandReader(done chan struct{}) <-chan command {
	cmds := make(chan command, 16)
	go func() {
		defer close(cmds)
		// A broken control connection cancels everything the session is
		// blocked on, including an in-flight transfer.
		defer s.cancel()
		for {
			if s.server.maxIdleTime > 0 {
				_ = s.conn.SetReadDeadline(s.idleDeadline())
			}

			line, err := s.readCommand()
			if err != nil && errors.Is(err, os.ErrDeadlineExceeded) && time.Now().Before(s.idleDeadline()) {
				// The deadline was armed before a command ran or finished.
				continue
			}
			if err == nil {
				s.touch()
			}
			if err == nil && s.transferring.Load() && isAbort(line) {
				s.abortTransfer()
			}

			select {
			case cmds <- command{line, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return cmds
}

// readCommand reads one line, strips Telnet sequences and the line ending.
func (s *session) readCommand() (string, error) {
	raw, err := s.reader.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", errLineTooLong
	}
	if err != nil {
		return "", err
	}
	line := stripTelnet(raw)
	return strings.TrimRight(string(line), "\r\n"), nil
}

func isAbort(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), "ABOR")
}

// handleCommand parses a line and dispatches it to its handler.
func (s *session) handleCommand(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	verb, arg, _ := strings.Cut(line, " ")
	verb = strings.ToUpper(verb)

	logArg := arg
	if verb == "PASS" {
		logArg = "***"
	}
	s.logger.Debug("command received",
		"user", s.userName(),
		"state", s.state.String(),
		"cmd", verb,
		"arg", logArg,
	)

	spec, ok := commands[verb]
	if !ok {
		s.reply(502, "Command not implemented.")
		return
	}
	if spec.needsAuth && s.state != stateAuthenticated {
		s.reply(530, "Not logged in.")
		return
	}
	s.state = spec.handle(s, arg)
}

// close releases everything the session holds. It runs exactly once, from
// serve's deferred call, including when a handler panics.
func (s *session) close() {
	s.cancel()
	s.closeData()
	s.logout()
	s.conn.Close()
	s.state = stateClosed

	s.event(stats.ConnectionClosed, "", 0, 0)
	s.logger.Debug("session closed")
}

// logout ends the current login, if any.
func (s *session) logout() {
	if s.user == nil {
		return
	}
	user := s.user
	s.server.admission.ReleaseLogin(user, s.remoteAddr)
	if s.fs != nil {
		if err := s.fs.Close(); err != nil {
			s.logger.Warn("filesystem close error", "user", user.Name, "error", err)
		}
	}
	s.event(stats.Logout, "", 0, 0)
	s.logger.Info("logout", "user", user.Name)
	s.user = nil
	s.fs = nil
}

func (s *session) userName() string {
	if s.user != nil {
		return s.user.Name
	}
	return s.pendingUser
}

// resolve turns a command argument into an absolute virtual path relative to
// the working directory. ".." never climbs above "/".
func (s *session) resolve(arg string) string {
	if arg == "" {
		return s.cwd
	}
	if strings.HasPrefix(arg, "/") {
		return auth.CleanPath(arg)
	}
	return auth.CleanPath(path.Join(s.cwd, arg))
}

// checkWrite consults the user's authority chain for a write to p and
// replies 550 when it is denied.
func (s *session) checkWrite(p string) bool {
	if s.user.Authorize(auth.WriteRequest(p)) {
		return true
	}
	s.logger.Warn("permission_denied", "user", s.user.Name, "path", p)
	s.reply(550, "Permission denied.")
	return false
}

func (s *session) event(t stats.EventType, p string, n int64, d time.Duration) {
	ev := stats.Event{
		Type:      t,
		Time:      time.Now(),
		SessionID: s.id,
		RemoteIP:  s.remoteAddr,
		Path:      p,
		Bytes:     n,
		Duration:  d,
	}
	if s.user != nil {
		ev.User = s.user.Name
		ev.Anonymous = s.user.Anonymous
	} else {
		ev.User = s.pendingUser
	}
	s.server.emit(ev)
}

// replyError sends a 550 matching the driver error. The cause is logged,
// never sent.
func (s *session) replyError(err error) {
	s.logger.Debug("filesystem error", "user", s.userName(), "error", err)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.reply(550, "File not found.")
	case errors.Is(err, os.ErrPermission):
		s.reply(550, "Permission denied.")
	case errors.Is(err, os.ErrExist):
		s.reply(550, "File already exists.")
	default:
		s.reply(550, "Requested action not taken.")
	}
}

// reply sends a response to the client.
func (s *session) reply(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	s.writer.Flush()
}

// replyLines sends a multi-line response: "code-first", the indented lines,
// then "code last".
func (s *session) replyLines(code int, first string, lines []string, last string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.writer, "%d-%s\r\n", code, first)
	for _, l := range lines {
		fmt.Fprintf(s.writer, " %s\r\n", l)
	}
	fmt.Fprintf(s.writer, "%d %s\r\n", code, last)
	s.writer.Flush()
}

// remoteIP extracts the host part of a connection's remote address.
func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
