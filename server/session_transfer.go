package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/internal/ratelimit"
	"github.com/gonzalop/ftpd/stats"
)

func (s *session) handleTYPE(arg string) {
	// Only support ASCII (A) and Binary (I). Fail if EBCDIC (E).
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "A", "A N":
		s.transferType = "A"
		s.reply(200, "Type set to A.")
	case "I", "L 8":
		s.transferType = "I"
		s.reply(200, "Type set to I.")
	default:
		s.reply(504, "Type not supported.")
	}
}

func (s *session) handleREST(arg string) {
	offset, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || offset < 0 {
		s.reply(501, "Invalid offset.")
		return
	}
	s.restartOffset = offset
	s.reply(350, fmt.Sprintf("Restarting at %d. Send STOR or RETR to initiate transfer.", offset))
}

// handleABOR answers ABOR once any transfer it interrupted has replied 426.
// The interruption itself happens in the reader goroutine.
func (s *session) handleABOR(_ string) {
	s.reply(226, "ABOR command successful.")
}

// takeDataOrReply returns the negotiated data channel, or replies 503 when
// the client hasn't sent PORT, EPRT, PASV or EPSV.
func (s *session) takeDataOrReply() (dataChannel, bool) {
	ch := s.takeData()
	if ch == nil {
		s.reply(503, "Bad sequence of commands. Use PORT or PASV first.")
		return nil, false
	}
	return ch, true
}

// transferLimiter resolves the user's transfer-rate authority. It replies
// 550 when the transfer is not allowed.
func (s *session) transferLimiter(dir auth.Direction) (*ratelimit.Limiter, bool) {
	limit, ok := s.user.TransferRate(dir)
	if !ok {
		s.logger.Warn("permission_denied", "user", s.user.Name, "transfer", dir.String())
		s.reply(550, "Permission denied.")
		return nil, false
	}
	return ratelimit.New(limit), true
}

// seekTo positions a file for REST. It replies on failure.
func (s *session) seekTo(file io.ReadWriteCloser, offset int64) bool {
	if offset == 0 {
		return true
	}
	seeker, ok := file.(io.Seeker)
	if !ok {
		s.reply(550, "Resume not supported for this file.")
		return false
	}
	if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
		s.replyError(err)
		return false
	}
	return true
}

func (s *session) modeName() string {
	if s.transferType == "A" {
		return "ASCII"
	}
	return "BINARY"
}

func (s *session) handleRETR(arg string) {
	ch, ok := s.takeDataOrReply()
	if !ok {
		return
	}
	defer ch.Close()

	offset := s.restartOffset
	s.restartOffset = 0

	p := s.resolve(arg)
	limiter, ok := s.transferLimiter(auth.Download)
	if !ok {
		return
	}

	file, err := s.fs.OpenFile(p, os.O_RDONLY)
	if err != nil {
		s.replyError(err)
		return
	}
	defer file.Close()
	if !s.seekTo(file, offset) {
		return
	}

	start := time.Now()
	n, err := s.withDataConn(ch,
		fmt.Sprintf("Opening %s mode data connection for %s.", s.modeName(), path.Base(p)),
		"Transfer complete.",
		func(ctx context.Context, conn net.Conn) (int64, error) {
			var src io.Reader = file
			if s.transferType == "A" {
				src = newASCIIEncoder(file)
			}
			return io.Copy(ratelimit.NewWriter(ctx, conn, limiter), src)
		})
	s.logTransfer("RETR", p, offset, n, time.Since(start), err)
	if err == nil {
		s.event(stats.Download, p, n, time.Since(start))
	}
}

func (s *session) handleSTOR(arg string) {
	s.store(arg, false)
}

func (s *session) handleAPPE(arg string) {
	s.store(arg, true)
}

// store receives a file for STOR or APPE. A failed STOR from offset 0
// removes the partial file so no truncated upload is left behind.
func (s *session) store(arg string, appendMode bool) {
	ch, ok := s.takeDataOrReply()
	if !ok {
		return
	}
	defer ch.Close()

	offset := s.restartOffset
	s.restartOffset = 0

	p := s.resolve(arg)
	if !s.checkWrite(p) {
		return
	}
	limiter, ok := s.transferLimiter(auth.Upload)
	if !ok {
		return
	}

	cmd := "STOR"
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	switch {
	case appendMode:
		cmd = "APPE"
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		offset = 0
	case offset > 0:
		flags = os.O_WRONLY | os.O_CREATE
	}

	file, err := s.fs.OpenFile(p, flags)
	if err != nil {
		s.replyError(err)
		return
	}
	if !s.seekTo(file, offset) {
		file.Close()
		return
	}

	// The file is closed before the final reply so that a failed flush is
	// reported as 426 rather than after a 226.
	var closeOnce sync.Once
	var closeErr error
	closeFile := func() error {
		closeOnce.Do(func() { closeErr = file.Close() })
		return closeErr
	}

	start := time.Now()
	n, err := s.withDataConn(ch,
		fmt.Sprintf("Opening %s mode data connection for %s.", s.modeName(), path.Base(p)),
		"Transfer complete.",
		func(ctx context.Context, conn net.Conn) (int64, error) {
			var src io.Reader = ratelimit.NewReader(ctx, conn, limiter)
			if s.transferType == "A" {
				src = newASCIIDecoder(src)
			}
			n, err := io.Copy(file, src)
			if cerr := closeFile(); err == nil && cerr != nil {
				err = fmt.Errorf("closing %s: %w", p, cerr)
			}
			return n, err
		})
	// Only closes here when the data connection never opened; the error is
	// already part of err otherwise.
	_ = closeFile()
	s.logTransfer(cmd, p, offset, n, time.Since(start), err)

	if err != nil {
		if !appendMode && offset == 0 {
			if rerr := s.fs.DeleteFile(p); rerr != nil {
				s.logger.Warn("removing partial upload failed", "user", s.user.Name, "path", p, "error", rerr)
			}
		}
		return
	}
	s.event(stats.Upload, p, n, time.Since(start))
}

// logTransfer writes the transfer audit record.
func (s *session) logTransfer(cmd, p string, offset, n int64, d time.Duration, err error) {
	if err != nil {
		s.logger.Warn("transfer_failed",
			"user", s.user.Name,
			"operation", cmd,
			"path", p,
			"bytes", n,
			"error", err,
		)
		return
	}

	throughputMBps := float64(0)
	if d.Seconds() > 0 {
		throughputMBps = float64(n) / d.Seconds() / 1024 / 1024
	}
	s.logger.Info("transfer_complete",
		"user", s.user.Name,
		"operation", cmd,
		"path", p,
		"offset", offset,
		"bytes", n,
		"duration_ms", d.Milliseconds(),
		"throughput_mbps", fmt.Sprintf("%.2f", throughputMBps),
	)
}

// listPath drops ls-style flags such as "-la" that many clients send with
// LIST and NLST.
func listPath(arg string) string {
	var kept []string
	for _, f := range strings.Fields(arg) {
		if !strings.HasPrefix(f, "-") {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

func (s *session) handleLIST(arg string) {
	s.list(arg, "Here comes the directory listing.", "Directory send OK.", func(info os.FileInfo) string {
		return fmt.Sprintf("%s 1 owner group %d %s %s\r\n",
			info.Mode().String(), info.Size(), listTime(info.ModTime()), info.Name())
	})
}

func (s *session) handleNLST(arg string) {
	s.list(arg, "Here comes the file list.", "Transfer complete.", func(info os.FileInfo) string {
		return info.Name() + "\r\n"
	})
}

func (s *session) list(arg, opening, done string, format func(os.FileInfo) string) {
	ch, ok := s.takeDataOrReply()
	if !ok {
		return
	}
	defer ch.Close()

	p := s.resolve(listPath(arg))
	entries, err := s.fs.ListDir(p)
	if err != nil {
		s.replyError(err)
		return
	}

	_, err = s.withDataConn(ch, opening, done, func(_ context.Context, conn net.Conn) (int64, error) {
		var total int64
		for _, entry := range entries {
			n, err := io.WriteString(conn, format(entry))
			total += int64(n)
			if err != nil {
				return total, err
			}
		}
		return total, nil
	})
	if err != nil {
		s.logger.Debug("listing failed", "user", s.user.Name, "path", p, "error", err)
	}
}

// listTime formats ls-style: recent files show the time, older ones the
// year.
func listTime(t time.Time) string {
	if time.Since(t) > 180*24*time.Hour {
		return t.Format("Jan _2  2006")
	}
	return t.Format("Jan _2 15:04")
}
