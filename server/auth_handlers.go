package server

import (
	"errors"
	"net/http"
	"regexp"
	"sync"

	"github.com/s0up4200/qbitgate/auth"
	"github.com/s0up4200/qbitgate/store"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

const minPasswordLength = 8

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userView struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// equalizeTiming burns one hash verification so unknown usernames take as
// long to reject as wrong passwords.
func (s *Server) equalizeTiming(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = auth.HashPassword("qbitgate-timing", s.opts.HashParams)
	})
	_, _ = auth.VerifyPassword(password, dummyHash)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"authDisabled":         s.opts.AuthDisabled,
		"registrationDisabled": s.opts.RegistrationDisabled,
	})
}

// throttled answers 429 when the client exceeded its login budget.
func (s *Server) throttled(w http.ResponseWriter, r *http.Request) bool {
	ok, wait := s.limiter.allow(clientIP(r))
	if ok {
		return false
	}
	w.Header().Set("Retry-After", retryAfterSeconds(wait))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many attempts, try again later"})
	return true
}

// guest answers auth endpoints with the implicit user when authentication
// is disabled.
func (s *Server) guest(w http.ResponseWriter, r *http.Request) bool {
	if !s.opts.AuthDisabled {
		return false
	}
	u, err := s.deps.Store.GetUser(r.Context(), store.GuestUserID)
	if err != nil {
		s.writeError(w, r, err)
		return true
	}
	writeJSON(w, http.StatusOK, userView{ID: u.ID, Username: u.Username})
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.guest(w, r) {
		return
	}
	if s.opts.RegistrationDisabled {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "registration is disabled"})
		return
	}
	if s.throttled(w, r) {
		return
	}

	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !usernamePattern.MatchString(req.Username) {
		s.writeError(w, r, badRequest("username must be 3-32 characters of letters, digits, '.', '_' or '-'"))
		return
	}
	if len(req.Password) < minPasswordLength {
		s.writeError(w, r, badRequest("password must be at least 8 characters"))
		return
	}

	hash, err := auth.HashPassword(req.Password, s.opts.HashParams)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := s.deps.Store.CreateUser(r.Context(), req.Username, hash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sid, err := s.deps.Sessions.Create(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setSessionCookie(w, sid)

	s.logger.Info().Int64("user_id", id).Str("username", req.Username).Msg("User registered")
	writeJSON(w, http.StatusCreated, userView{ID: id, Username: req.Username})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.guest(w, r) {
		return
	}
	if s.throttled(w, r) {
		return
	}

	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	invalid := &httpError{status: http.StatusUnauthorized, msg: "invalid username or password"}

	u, err := s.deps.Store.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, store.ErrNotFound) {
		s.equalizeTiming(req.Password)
		s.writeError(w, r, invalid)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ok, err := auth.VerifyPassword(req.Password, u.PasswordHash)
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", u.ID).Msg("Stored password hash is malformed")
	}
	if !ok {
		s.writeError(w, r, invalid)
		return
	}

	sid, err := s.deps.Sessions.Create(r.Context(), u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setSessionCookie(w, sid)

	writeJSON(w, http.StatusOK, userView{ID: u.ID, Username: u.Username})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.opts.AuthDisabled {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	if sid := readSessionCookie(r); sid != "" {
		if err := s.deps.Sessions.Destroy(r.Context(), sid); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Store.GetUser(r.Context(), userID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userView{ID: u.ID, Username: u.Username})
}
