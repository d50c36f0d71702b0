package server

import (
	"errors"
	"strings"
	"time"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/stats"
)

func (s *session) handleUSER(name string) sessionState {
	name = strings.TrimSpace(name)
	if name == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return s.state
	}

	if s.state == stateAuthenticated {
		if s.isCurrentUser(name) {
			s.reply(230, "Already logged in.")
		} else {
			s.reply(530, "Can't change to another user.")
		}
		return stateAuthenticated
	}

	s.pendingUser = name
	if auth.IsAnonymousName(name) {
		s.reply(331, "Guest login okay, send your complete e-mail address as password.")
	} else {
		s.reply(331, "User name okay, need password.")
	}
	return stateAwaitingPassword
}

func (s *session) isCurrentUser(name string) bool {
	if s.user.Anonymous {
		return auth.IsAnonymousName(name)
	}
	return name == s.user.Name
}

func (s *session) handlePASS(password string) sessionState {
	switch s.state {
	case stateAuthenticated:
		s.reply(230, "Already logged in.")
		return stateAuthenticated
	case stateAwaitingPassword:
	default:
		s.reply(503, "Login with USER first.")
		return s.state
	}

	user, err := s.server.auth.Authenticate(s.ctx, s.pendingUser, password, s.remoteIP)
	if err != nil {
		return s.loginFailed(err)
	}

	if err := s.server.admission.TryAcquireLogin(user, s.remoteAddr); err != nil {
		s.logger.Warn("login_rejected", "user", user.Name, "reason", err.Error())
		s.event(stats.LoginFailed, "", 0, 0)
		s.reply(530, "Maximum login limit has been reached.")
		return stateUnauthenticated
	}

	fs, err := s.server.driver.Open(user)
	if err != nil {
		s.server.admission.ReleaseLogin(user, s.remoteAddr)
		s.logger.Error("filesystem open failed", "user", user.Name, "error", err)
		s.event(stats.LoginFailed, "", 0, 0)
		s.reply(530, "Login failed.")
		return stateUnauthenticated
	}

	s.user = user
	s.fs = fs
	s.cwd = "/"
	s.renameFrom = ""
	s.loginFailures = 0

	s.logger.Info("authentication_success", "user", user.Name, "anonymous", user.Anonymous)
	s.event(stats.Login, "", 0, 0)
	s.reply(230, "User logged in, proceed.")
	return stateAuthenticated
}

// loginFailed applies the failure delay and decides whether the client may
// try again.
func (s *session) loginFailed(err error) sessionState {
	s.loginFailures++

	reason := err.Error()
	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		reason = authErr.Reason.Error()
	}
	s.logger.Warn("authentication_failed",
		"user", s.pendingUser,
		"reason", reason,
		"failures", s.loginFailures,
	)
	s.event(stats.LoginFailed, "", 0, 0)

	if d := s.server.loginFailureDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			return stateClosed
		}
	}

	if limit := s.server.maxLoginFailures; limit > 0 && s.loginFailures >= limit {
		s.reply(421, "Too many failed login attempts, closing control connection.")
		return stateClosed
	}
	s.reply(530, "Authentication failed.")
	return stateUnauthenticated
}

// handleREIN resets the session to its freshly connected state. It is
// accepted in every state.
func (s *session) handleREIN(_ string) sessionState {
	s.logout()
	s.closeData()
	s.pendingUser = ""
	s.renameFrom = ""
	s.restartOffset = 0
	s.transferType = "I"
	s.cwd = "/"
	s.reply(220, "Service ready for new user.")
	return stateUnauthenticated
}

func (s *session) handleQUIT(_ string) sessionState {
	s.reply(221, "Service closing control connection.")
	return stateClosed
}
