package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gonzalop/ftpd/admission"
	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/stats"
)

const testTimeout = 5 * time.Second

// testServer is a running server on a loopback port with a few accounts:
//
//	admin/admin       writable everywhere, home "admin"
//	limited/secret    at most one concurrent login, home "limited"
//	reader/reader     read only, home "reader"
//	uploader/upload   writes only under /incoming, home "uploader"
//	slow/slow         downloads capped at 4 KiB/s, home "slow"
//	anonymous         read only, home "pub"
type testServer struct {
	srv      *Server
	addr     string
	root     string
	driver   *countingDriver
	counters *stats.Counters
}

// countingDriver records how often the filesystem was opened. With
// failClose set, files opened for writing report an error on Close.
type countingDriver struct {
	Driver
	opens     atomic.Int32
	failClose atomic.Bool
}

func (d *countingDriver) Open(user *auth.User) (ClientContext, error) {
	d.opens.Add(1)
	fs, err := d.Driver.Open(user)
	if err != nil {
		return nil, err
	}
	return &faultyContext{ClientContext: fs, driver: d}, nil
}

type faultyContext struct {
	ClientContext
	driver *countingDriver
}

func (c *faultyContext) OpenFile(path string, flag int) (io.ReadWriteCloser, error) {
	f, err := c.ClientContext.OpenFile(path, flag)
	if err != nil || flag&(os.O_WRONLY|os.O_RDWR) == 0 || !c.driver.failClose.Load() {
		return f, err
	}
	return &failingCloseFile{f}, nil
}

var errDiskFull = errors.New("no space left on device")

// failingCloseFile closes the underlying file but reports a failed flush.
type failingCloseFile struct {
	io.ReadWriteCloser
}

func (f *failingCloseFile) Seek(offset int64, whence int) (int64, error) {
	seeker, ok := f.ReadWriteCloser.(io.Seeker)
	if !ok {
		return 0, errors.ErrUnsupported
	}
	return seeker.Seek(offset, whence)
}

func (f *failingCloseFile) Close() error {
	_ = f.ReadWriteCloser.Close()
	return errDiskFull
}

func fatalIfErr(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func testLogger() *slog.Logger {
	if os.Getenv("FTPD_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.DiscardHandler)
}

func testUsers(t *testing.T) *auth.MemoryRepository {
	t.Helper()
	repo := auth.NewMemoryRepository()
	for _, rec := range []auth.UserRecord{
		{Name: "admin", Password: "admin", HomeDir: "admin", Writable: true},
		{Name: "limited", Password: "secret", HomeDir: "limited", MaxLogins: 1},
		{Name: "reader", Password: "reader", HomeDir: "reader"},
		{Name: "uploader", Password: "upload", HomeDir: "uploader", Writable: true, WriteRoot: "/incoming"},
		{Name: "slow", Password: "slow", HomeDir: "slow", MaxDownloadRate: 4096},
		{Name: "anonymous", HomeDir: "pub"},
	} {
		fatalIfErr(t, repo.Add(rec), "failed to add user "+rec.Name)
	}
	return repo
}

// startServer runs a server for the duration of the test. Extra options are
// applied after the defaults.
func startServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()

	root := t.TempDir()
	fs, err := NewFSDriver(root, WithCreateHome(true))
	fatalIfErr(t, err, "failed to create driver")
	driver := &countingDriver{Driver: fs}
	counters := stats.NewCounters()

	base := []Option{
		WithDriver(driver),
		WithAuthenticator(auth.NewAuthenticator(testUsers(t))),
		WithLogger(testLogger()),
		WithStats(counters),
		WithLoginFailureDelay(0),
	}
	srv, err := NewServer("127.0.0.1:0", append(base, opts...)...)
	fatalIfErr(t, err, "failed to create server")

	ln, err := srv.Listen()
	fatalIfErr(t, err, "failed to listen")

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-served
	})

	return &testServer{
		srv:      srv,
		addr:     srv.Addr().String(),
		root:     root,
		driver:   driver,
		counters: counters,
	}
}

// writeFile creates a file below the server root, e.g. "admin/a.txt".
func (ts *testServer) writeFile(t *testing.T, name, content string) {
	t.Helper()
	p := filepath.Join(ts.root, filepath.FromSlash(name))
	fatalIfErr(t, os.MkdirAll(filepath.Dir(p), 0o755), "mkdir")
	fatalIfErr(t, os.WriteFile(p, []byte(content), 0o644), "write file")
}

func (ts *testServer) admission() *admission.Controller {
	return ts.srv.Admission()
}

// testClient speaks the control protocol with net/textproto.
type testClient struct {
	t    *testing.T
	raw  net.Conn
	text *textproto.Conn
}

// dial connects without reading the greeting.
func (ts *testServer) dial(t *testing.T) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ts.addr, testTimeout)
	fatalIfErr(t, err, "failed to dial server")
	c := &testClient{t: t, raw: conn, text: textproto.NewConn(conn)}
	t.Cleanup(func() { c.text.Close() })
	return c
}

// connect dials and consumes the 220 greeting.
func (ts *testServer) connect(t *testing.T) *testClient {
	t.Helper()
	c := ts.dial(t)
	c.expect(220)
	return c
}

// login connects and logs in.
func (ts *testServer) login(t *testing.T, user, pass string) *testClient {
	t.Helper()
	c := ts.connect(t)
	c.cmd(331, "USER %s", user)
	c.cmd(230, "PASS %s", pass)
	return c
}

// read returns the next reply.
func (c *testClient) read() (int, string) {
	c.t.Helper()
	_ = c.raw.SetReadDeadline(time.Now().Add(testTimeout))
	code, msg, err := c.text.ReadResponse(0)
	fatalIfErr(c.t, err, "failed to read reply")
	return code, msg
}

// expect reads the next reply and checks its code.
func (c *testClient) expect(code int) string {
	c.t.Helper()
	got, msg := c.read()
	require.Equal(c.t, code, got, "unexpected reply: %d %s", got, msg)
	return msg
}

// send writes a command line and returns the reply.
func (c *testClient) send(format string, args ...any) (int, string) {
	c.t.Helper()
	_ = c.raw.SetWriteDeadline(time.Now().Add(testTimeout))
	fatalIfErr(c.t, c.text.PrintfLine(format, args...), "failed to send command")
	return c.read()
}

// cmd sends a command and checks the reply code.
func (c *testClient) cmd(code int, format string, args ...any) string {
	c.t.Helper()
	got, msg := c.send(format, args...)
	require.Equal(c.t, code, got, "unexpected reply to %q: %d %s", fmt.Sprintf(format, args...), got, msg)
	return msg
}

// pasv sends PASV and returns the data address announced.
func (c *testClient) pasv() string {
	c.t.Helper()
	msg := c.cmd(227, "PASV")
	start, end := strings.Index(msg, "("), strings.Index(msg, ")")
	require.True(c.t, start >= 0 && end > start, "malformed PASV reply %q", msg)

	parts := strings.Split(msg[start+1:end], ",")
	require.Len(c.t, parts, 6)
	p1, err := strconv.Atoi(parts[4])
	require.NoError(c.t, err)
	p2, err := strconv.Atoi(parts[5])
	require.NoError(c.t, err)
	return net.JoinHostPort(strings.Join(parts[:4], "."), strconv.Itoa(p1*256+p2))
}

// openData runs PASV and connects to the announced address.
func (c *testClient) openData() net.Conn {
	c.t.Helper()
	conn, err := net.DialTimeout("tcp", c.pasv(), testTimeout)
	fatalIfErr(c.t, err, "failed to open data connection")
	_ = conn.SetDeadline(time.Now().Add(testTimeout))
	c.t.Cleanup(func() { conn.Close() })
	return conn
}

// expectClosed checks the server has closed the control connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	_ = c.raw.SetReadDeadline(time.Now().Add(testTimeout))
	_, err := c.text.ReadLine()
	require.Error(c.t, err, "control connection still open")
}
