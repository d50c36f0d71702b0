package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPassive(t *testing.T, timeout time.Duration) *passiveChannel {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &passiveChannel{ln: ln, peer: net.ParseIP("127.0.0.1"), timeout: timeout, logger: testLogger()}
}

func TestNewNegotiationClosesPreviousListener(t *testing.T) {
	t.Parallel()

	first := newPassive(t, time.Second)
	second := newPassive(t, time.Second)
	defer second.Close()

	s := &session{}
	s.setData(first)
	s.setData(second)

	_, err := first.ln.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.Same(t, second, s.takeData())
	assert.Nil(t, s.takeData())
}

func TestPassiveAcceptTimesOut(t *testing.T) {
	t.Parallel()

	ch := newPassive(t, 100*time.Millisecond)
	_, err := ch.open(context.Background())
	require.Error(t, err)

	// The listener is gone after a failed accept.
	_, err = net.DialTimeout("tcp", ch.ln.Addr().String(), time.Second)
	assert.Error(t, err)
}

func TestPassiveAcceptCanceled(t *testing.T) {
	t.Parallel()

	ch := newPassive(t, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := ch.open(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPassiveAcceptsOnce(t *testing.T) {
	t.Parallel()

	ch := newPassive(t, time.Second)
	addr := ch.ln.Addr().String()

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	conn, err := ch.open(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener must close after the first connection")
	assert.NoError(t, ch.Close())
}

func TestPassiveNoStrayListener(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithDataTimeout(200*time.Millisecond))
	ts.writeFile(t, "admin/a.txt", "hello")

	c := ts.login(t, "admin", "admin")

	// Completed transfer.
	data := c.openData()
	addr := data.RemoteAddr().String()
	c.cmd(150, "RETR a.txt")
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	c.expect(226)
	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)

	// Client never connects.
	addr = c.pasv()
	c.cmd(150, "LIST")
	c.expect(425)
	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)

	// Negotiated but never used, then the session ends.
	addr = c.pasv()
	c.cmd(221, "QUIT")
	c.expectClosed()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
		}
		return err != nil
	}, testTimeout, 10*time.Millisecond)
}

func TestPassiveListenerExpires(t *testing.T) {
	t.Parallel()

	ch := newPassive(t, time.Second)
	addr := ch.ln.Addr().String()
	ch.expireAfter(50 * time.Millisecond)

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
		}
		return err != nil
	}, testTimeout, 10*time.Millisecond)

	_, err := ch.open(context.Background())
	assert.Error(t, err)
}

func TestUnusedPassivePortIsClosed(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithDataTimeout(200*time.Millisecond))

	c := ts.login(t, "admin", "admin")
	addr := c.pasv()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
		}
		return err != nil
	}, testTimeout, 20*time.Millisecond)

	c.cmd(200, "NOOP")
	c.cmd(150, "LIST")
	c.expect(425)
}

func TestPassiveTwiceClosesFirstListener(t *testing.T) {
	t.Parallel()
	ts := startServer(t)

	c := ts.login(t, "admin", "admin")
	first := c.pasv()
	second := c.pasv()
	if first == second {
		t.Skip("kernel reused the same port")
	}
	_, err := net.DialTimeout("tcp", first, time.Second)
	assert.Error(t, err)
}

func TestPassivePortRange(t *testing.T) {
	t.Parallel()

	// Find two free ports. Someone else could grab them before the server
	// does, in which case PASV answers 425 and the test is skipped.
	var ports [2]int
	for i := range ports {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ports[i] = ln.Addr().(*net.TCPAddr).Port
		ln.Close()
	}
	lo, hi := min(ports[0], ports[1]), max(ports[0], ports[1])
	ts := startServer(t, WithPassivePortRange(lo, hi))

	c := ts.login(t, "admin", "admin")
	code, msg := c.send("EPSV")
	if code == 425 {
		t.Skip("passive ports taken")
	}
	require.Equal(t, 229, code, msg)

	var port int
	_, err := fmt.Sscanf(msg[strings.Index(msg, "|||"):], "|||%d|)", &port)
	require.NoError(t, err)
	assert.True(t, port == lo || port == hi, "port %d outside [%d, %d]", port, lo, hi)
}

func TestEPSVAll(t *testing.T) {
	t.Parallel()
	ts := startServer(t)

	c := ts.login(t, "admin", "admin")
	c.cmd(200, "EPSV ALL")
	c.cmd(229, "EPSV")
}

func TestActiveMode(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "admin/a.txt", "active data")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			received <- err.Error()
			return
		}
		defer conn.Close()
		b, _ := io.ReadAll(conn)
		received <- string(b)
	}()

	c := ts.login(t, "admin", "admin")
	c.cmd(200, "PORT 127,0,0,1,%d,%d", port/256, port%256)
	c.cmd(150, "RETR a.txt")
	c.expect(226)
	assert.Equal(t, "active data", <-received)

	// EPRT to the same host works too.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			received <- err.Error()
			return
		}
		defer conn.Close()
		b, _ := io.ReadAll(conn)
		received <- string(b)
	}()
	c.cmd(200, "EPRT |1|127.0.0.1|%d|", port)
	c.cmd(150, "NLST")
	c.expect(226)
	assert.Equal(t, "a.txt\r\n", <-received)
}

func TestActiveModeRejectsThirdParty(t *testing.T) {
	t.Parallel()
	ts := startServer(t)

	c := ts.login(t, "admin", "admin")
	c.cmd(500, "PORT 10,0,0,1,4,1")
	c.cmd(500, "EPRT |1|10.0.0.1|1025|")
	c.cmd(501, "PORT 127,0,0,1,300,1")
	c.cmd(501, "PORT 127,0,0,1")
	c.cmd(501, "EPRT |1|127.0.0.1|0|")
	c.cmd(522, "EPRT |3|127.0.0.1|1025|")

	// Nothing was negotiated.
	c.cmd(503, "RETR a.txt")
}

func TestActiveModeConnectionRefused(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithDataTimeout(time.Second))
	ts.writeFile(t, "admin/a.txt", "x")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := ts.login(t, "admin", "admin")
	c.cmd(200, "PORT 127,0,0,1,%d,%d", port/256, port%256)
	c.cmd(150, "RETR a.txt")
	c.expect(425)
}

func TestUploadAndDownload(t *testing.T) {
	t.Parallel()
	ts := startServer(t)

	c := ts.login(t, "admin", "admin")
	payload := bytes.Repeat([]byte("0123456789"), 10000)

	data := c.openData()
	c.cmd(150, "STOR big.bin")
	_, err := data.Write(payload)
	require.NoError(t, err)
	data.Close()
	c.expect(226)

	stored, err := os.ReadFile(filepath.Join(ts.root, "admin", "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	data = c.openData()
	c.cmd(150, "RETR big.bin")
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)
	assert.Equal(t, payload, got)

	// Append.
	data = c.openData()
	c.cmd(150, "APPE big.bin")
	_, err = io.WriteString(data, "tail")
	require.NoError(t, err)
	data.Close()
	c.expect(226)
	assert.Equal(t, fmt.Sprint(len(payload)+4), c.cmd(213, "SIZE big.bin"))

	c.pasv()
	c.cmd(550, "RETR missing.bin")
}

func TestRestart(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "admin/a.txt", "0123456789")

	c := ts.login(t, "admin", "admin")

	data := c.openData()
	c.cmd(350, "REST 4")
	c.cmd(150, "RETR a.txt")
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)
	assert.Equal(t, "456789", string(got))

	// The offset is consumed by one transfer.
	data = c.openData()
	c.cmd(150, "RETR a.txt")
	got, err = io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)
	assert.Equal(t, "0123456789", string(got))

	// Resumed upload overwrites from the offset and keeps the head.
	data = c.openData()
	c.cmd(350, "REST 8")
	c.cmd(150, "STOR a.txt")
	_, err = io.WriteString(data, "XYZ")
	require.NoError(t, err)
	data.Close()
	c.expect(226)

	stored, err := os.ReadFile(filepath.Join(ts.root, "admin", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "01234567XYZ", string(stored))

	c.cmd(501, "REST -1")
	c.cmd(501, "REST abc")
}

func TestASCIIMode(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "admin/unix.txt", "one\ntwo\n")

	c := ts.login(t, "admin", "admin")
	c.cmd(200, "TYPE A")

	data := c.openData()
	msg := c.cmd(150, "RETR unix.txt")
	assert.Contains(t, msg, "ASCII")
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)
	assert.Equal(t, "one\r\ntwo\r\n", string(got))

	data = c.openData()
	c.cmd(150, "STOR dos.txt")
	_, err = io.WriteString(data, "a\r\nb\r\n")
	require.NoError(t, err)
	data.Close()
	c.expect(226)

	stored, err := os.ReadFile(filepath.Join(ts.root, "admin", "dos.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(stored))
}

func TestListing(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "admin/a.txt", "hello")
	ts.writeFile(t, "admin/sub/b.txt", "x")

	c := ts.login(t, "admin", "admin")

	data := c.openData()
	c.cmd(150, "LIST -la")
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)

	lines := strings.Split(strings.TrimRight(string(got), "\r\n"), "\r\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "-rw-"), lines[0])
	assert.Contains(t, lines[0], " 1 owner group 5 ")
	assert.True(t, strings.HasSuffix(lines[0], " a.txt"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "d"), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], " sub"), lines[1])

	data = c.openData()
	c.cmd(150, "NLST sub")
	got, err = io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)
	assert.Equal(t, "b.txt\r\n", string(got))

	c.openData()
	c.cmd(550, "LIST missing")
}

func TestAbortTransfer(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "slow/big.bin", strings.Repeat("x", 1<<20))

	// At 4 KiB/s the download takes minutes, so ABOR always lands
	// mid-transfer.
	c := ts.login(t, "slow", "slow")
	data := c.openData()
	c.cmd(150, "RETR big.bin")
	c.cmd(426, "ABOR")
	c.expect(226)

	n, _ := io.Copy(io.Discard, data)
	assert.Less(t, n, int64(1<<20))

	// The session is still usable.
	c.cmd(200, "NOOP")
	assert.Zero(t, ts.counters.Snapshot().TotalDownloads)
}

func TestAbortWithoutTransfer(t *testing.T) {
	t.Parallel()
	ts := startServer(t)

	c := ts.login(t, "admin", "admin")
	c.cmd(226, "ABOR")
	c.cmd(200, "NOOP")
}

// waitForSize blocks until the server has written size bytes to name.
func waitForSize(t *testing.T, name string, size int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, err := os.Stat(name)
		return err == nil && info.Size() == size
	}, testTimeout, 10*time.Millisecond)
}

func TestAbortedUploadRemovesPartialFile(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	name := filepath.Join(ts.root, "admin", "partial.bin")

	c := ts.login(t, "admin", "admin")
	data := c.openData()
	defer data.Close()
	c.cmd(150, "STOR partial.bin")
	_, err := data.Write(bytes.Repeat([]byte("x"), 1000))
	require.NoError(t, err)
	waitForSize(t, name, 1000)

	c.cmd(426, "ABOR")
	c.expect(226)
	c.cmd(200, "NOOP")

	_, err = os.Stat(name)
	assert.True(t, os.IsNotExist(err), "partial upload left behind: %v", err)
	assert.Zero(t, ts.counters.Snapshot().TotalUploads)
}

func TestFailedResumeKeepsData(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "admin/resume.txt", "0123456789")
	name := filepath.Join(ts.root, "admin", "resume.txt")

	c := ts.login(t, "admin", "admin")
	data := c.openData()
	defer data.Close()
	c.cmd(350, "REST 4")
	c.cmd(150, "STOR resume.txt")
	_, err := io.WriteString(data, "AB")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := os.ReadFile(name)
		return err == nil && string(got) == "0123AB6789"
	}, testTimeout, 10*time.Millisecond)

	c.cmd(426, "ABOR")
	c.expect(226)
	c.cmd(200, "NOOP")

	got, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "0123AB6789", string(got))
}

func TestUploadCloseFailure(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "admin/log.txt", "head")
	ts.driver.failClose.Store(true)

	c := ts.login(t, "admin", "admin")

	// A fresh upload whose flush fails is reported and removed.
	data := c.openData()
	c.cmd(150, "STOR new.txt")
	_, err := io.WriteString(data, "payload")
	require.NoError(t, err)
	data.Close()
	c.expect(426)
	c.cmd(200, "NOOP")
	_, err = os.Stat(filepath.Join(ts.root, "admin", "new.txt"))
	assert.True(t, os.IsNotExist(err), "failed upload left behind: %v", err)

	// Appended bytes stay where they landed.
	data = c.openData()
	c.cmd(150, "APPE log.txt")
	_, err = io.WriteString(data, "tail")
	require.NoError(t, err)
	data.Close()
	c.expect(426)
	c.cmd(200, "NOOP")
	got, err := os.ReadFile(filepath.Join(ts.root, "admin", "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "headtail", string(got))

	// So does the head of a resumed upload.
	data = c.openData()
	c.cmd(350, "REST 2")
	c.cmd(150, "STOR log.txt")
	_, err = io.WriteString(data, "XY")
	require.NoError(t, err)
	data.Close()
	c.expect(426)
	c.cmd(200, "NOOP")
	got, err = os.ReadFile(filepath.Join(ts.root, "admin", "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "heXYtail", string(got))

	ts.driver.failClose.Store(false)
	data = c.openData()
	c.cmd(150, "STOR new.txt")
	_, err = io.WriteString(data, "payload")
	require.NoError(t, err)
	data.Close()
	c.expect(226)

	require.Eventually(t, func() bool {
		return ts.counters.Snapshot().TotalUploads == 1
	}, testTimeout, 10*time.Millisecond)
}
