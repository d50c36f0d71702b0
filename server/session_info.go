package server

import (
	"runtime"
	"strings"
)

func (s *session) handleNOOP(_ string) {
	s.reply(200, "OK.")
}

// handleSYST returns the system type, detected from runtime.GOOS.
func (s *session) handleSYST(_ string) {
	var systType string
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd", "openbsd", "netbsd", "dragonfly", "solaris", "illumos", "aix":
		systType = "UNIX Type: L8"
	case "windows":
		systType = "Windows_NT"
	default:
		systType = "UNKNOWN Type: L8"
	}
	s.reply(215, systType)
}

func (s *session) handleFEAT(_ string) {
	s.replyLines(211, "Features:", features, "End")
}

// handleMODE only accepts Stream mode, which RFC 1123 requires.
func (s *session) handleMODE(arg string) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "S":
		s.reply(200, "Mode set to Stream.")
	case "B", "C":
		s.reply(504, "Only Stream mode is supported.")
	default:
		s.reply(501, "Syntax error in parameters or arguments.")
	}
}

// handleSTRU only accepts File structure, which RFC 1123 requires.
func (s *session) handleSTRU(arg string) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "F":
		s.reply(200, "Structure set to File.")
	case "R", "P":
		s.reply(504, "Only File structure is supported.")
	default:
		s.reply(501, "Syntax error in parameters or arguments.")
	}
}

// handleSTAT reports the session status over the control connection.
func (s *session) handleSTAT(arg string) {
	if arg != "" {
		s.reply(502, "STAT with path not implemented. Use LIST instead.")
		return
	}

	lines := []string{"Connected from " + s.remoteAddr}
	if s.user != nil {
		lines = append(lines, "Logged in as "+s.user.Name)
	} else {
		lines = append(lines, "Not logged in")
	}

	lines = append(lines, "TYPE: "+s.modeName()+"; STRUcture: File; transfer MODE: Stream")

	if s.data != nil {
		lines = append(lines, s.data.String())
	} else {
		lines = append(lines, "No data connection")
	}
	s.replyLines(211, "Status:", lines, "End of status")
}
