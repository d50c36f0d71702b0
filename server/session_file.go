package server

import (
	"fmt"
	"strings"

	"github.com/gonzalop/ftpd/stats"
)

// quote escapes a path for a 257 reply by doubling embedded quotes.
func quote(p string) string {
	return `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
}

func (s *session) handlePWD(_ string) {
	s.reply(257, quote(s.cwd)+" is the current directory.")
}

func (s *session) handleCWD(arg string) {
	p := s.resolve(arg)
	info, err := s.fs.Stat(p)
	if err != nil {
		s.replyError(err)
		return
	}
	if !info.IsDir() {
		s.reply(550, "Not a directory.")
		return
	}
	s.cwd = p
	s.reply(250, "Directory successfully changed.")
}

func (s *session) handleCDUP(_ string) {
	s.handleCWD("..")
}

func (s *session) handleMKD(arg string) {
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	p := s.resolve(arg)
	if !s.checkWrite(p) {
		return
	}
	if err := s.fs.MakeDir(p); err != nil {
		s.replyError(err)
		return
	}
	s.logger.Info("directory_created", "user", s.user.Name, "path", p)
	s.event(stats.MakeDir, p, 0, 0)
	// RFC 959: 257 "PATHNAME" created.
	s.reply(257, quote(p)+" created.")
}

func (s *session) handleRMD(arg string) {
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	p := s.resolve(arg)
	if !s.checkWrite(p) {
		return
	}
	if err := s.fs.RemoveDir(p); err != nil {
		s.replyError(err)
		return
	}
	s.logger.Info("directory_removed", "user", s.user.Name, "path", p)
	s.event(stats.RemoveDir, p, 0, 0)
	s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(arg string) {
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	p := s.resolve(arg)
	if !s.checkWrite(p) {
		return
	}
	if err := s.fs.DeleteFile(p); err != nil {
		s.replyError(err)
		return
	}
	s.logger.Info("file_deleted", "user", s.user.Name, "path", p)
	s.event(stats.Delete, p, 0, 0)
	s.reply(250, "File deleted.")
}

func (s *session) handleRNFR(arg string) {
	s.renameFrom = ""
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	p := s.resolve(arg)
	if _, err := s.fs.Stat(p); err != nil {
		s.replyError(err)
		return
	}
	s.renameFrom = p
	s.reply(350, "Requested file action pending further information.")
}

// handleRNTO completes a rename. Both ends must be writable since the
// source disappears and the target is created.
func (s *session) handleRNTO(arg string) {
	from := s.renameFrom
	s.renameFrom = ""
	if from == "" {
		s.reply(503, "Bad sequence of commands. Send RNFR first.")
		return
	}
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	to := s.resolve(arg)
	if !s.checkWrite(from) || !s.checkWrite(to) {
		return
	}
	if err := s.fs.Rename(from, to); err != nil {
		s.replyError(err)
		return
	}
	s.logger.Info("file_renamed", "user", s.user.Name, "from", from, "to", to)
	s.reply(250, "Requested file action successful, file renamed.")
}

func (s *session) handleSIZE(arg string) {
	info, err := s.fs.Stat(s.resolve(arg))
	if err != nil || info.IsDir() {
		s.reply(550, "Could not get file size.")
		return
	}
	s.reply(213, fmt.Sprintf("%d", info.Size()))
}

func (s *session) handleMDTM(arg string) {
	info, err := s.fs.Stat(s.resolve(arg))
	if err != nil {
		s.reply(550, "Could not get file modification time.")
		return
	}
	// RFC 3659 Section 2.3: "Time values are always represented in UTC"
	s.reply(213, info.ModTime().UTC().Format("20060102150405"))
}
