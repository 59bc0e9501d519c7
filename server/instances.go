package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"github.com/s0up4200/qbitgate/proxy"
	"github.com/s0up4200/qbitgate/store"
	"github.com/s0up4200/qbitgate/upstream"
)

// instanceView is the public shape of an instance. Passwords never leave
// the server.
type instanceView struct {
	ID          int64  `json:"id"`
	Label       string `json:"label"`
	URL         string `json:"url"`
	Username    string `json:"qbt_username"`
	HasPassword bool   `json:"hasPassword"`
	SkipAuth    bool   `json:"skip_auth"`
	CreatedAt   int64  `json:"created_at"`
}

func newInstanceView(inst *store.Instance) instanceView {
	return instanceView{
		ID:          inst.ID,
		Label:       inst.Label,
		URL:         inst.URL,
		Username:    inst.Username,
		HasPassword: inst.HasPassword(),
		SkipAuth:    inst.SkipAuth,
		CreatedAt:   inst.CreatedAt,
	}
}

// instanceRequest is the body of create, update and test calls. Pointer
// fields distinguish omitted from empty on update.
type instanceRequest struct {
	Label    *string `json:"label"`
	URL      *string `json:"url"`
	Username *string `json:"qbt_username"`
	Password *string `json:"qbt_password"`
	SkipAuth *bool   `json:"skip_auth"`
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// validInstanceURL accepts absolute http(s) URLs with a host.
func validInstanceURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", badRequest("url must be an absolute http or https URL")
	}
	return strings.TrimRight(raw, "/"), nil
}

// probe tests a connection and reports a failure as a 400 with the reason.
func (s *Server) probe(r *http.Request, t upstream.Target) (string, error) {
	version, err := s.deps.Upstream.Probe(r.Context(), t)
	if err != nil {
		return "", badRequest("connection test failed: " + err.Error())
	}
	return version, nil
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.deps.Store.ListInstances(r.Context(), userID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]instanceView, 0, len(instances))
	for i := range instances {
		out = append(out, newInstanceView(&instances[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	label := strings.TrimSpace(deref(req.Label))
	if label == "" {
		s.writeError(w, r, badRequest("label is required"))
		return
	}
	baseURL, err := validInstanceURL(deref(req.URL))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	inst := &store.Instance{
		UserID:   userID(r.Context()),
		Label:    label,
		URL:      baseURL,
		SkipAuth: deref(req.SkipAuth),
	}
	password := ""
	if !inst.SkipAuth {
		inst.Username = deref(req.Username)
		password = deref(req.Password)
		if inst.Username == "" {
			s.writeError(w, r, badRequest("qbt_username is required unless skip_auth is set"))
			return
		}
	}

	if _, err := s.probe(r, upstream.Target{BaseURL: inst.URL, Username: inst.Username, Password: password, SkipAuth: inst.SkipAuth}); err != nil {
		s.writeError(w, r, err)
		return
	}

	if password != "" {
		if inst.PasswordEncrypted, err = s.deps.Codec.Encrypt(password); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	if err := s.deps.Store.CreateInstance(r.Context(), inst); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info().Int64("instance_id", inst.ID).Int64("user_id", inst.UserID).Msg("Instance created")
	writeJSON(w, http.StatusCreated, newInstanceView(inst))
}

func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req instanceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	inst, err := s.deps.Store.GetInstance(r.Context(), userID(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	connChanged := false
	if req.Label != nil {
		if inst.Label = strings.TrimSpace(*req.Label); inst.Label == "" {
			s.writeError(w, r, badRequest("label must not be empty"))
			return
		}
	}
	if req.URL != nil {
		if inst.URL, err = validInstanceURL(*req.URL); err != nil {
			s.writeError(w, r, err)
			return
		}
		connChanged = true
	}
	if req.SkipAuth != nil {
		inst.SkipAuth = *req.SkipAuth
		connChanged = true
	}
	if req.Username != nil {
		inst.Username = *req.Username
		connChanged = true
	}

	// The stored password is only needed to re-test a changed connection.
	// A rename must keep working when it can no longer be decrypted.
	var target upstream.Target
	if connChanged && req.Password == nil {
		if target, err = s.deps.Proxy.Target(inst); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.Password != nil {
		target.Password = *req.Password
		connChanged = true
		inst.PasswordEncrypted = ""
		if *req.Password != "" {
			if inst.PasswordEncrypted, err = s.deps.Codec.Encrypt(*req.Password); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
	}
	if inst.SkipAuth {
		inst.Username = ""
		inst.PasswordEncrypted = ""
	}

	if connChanged {
		target.InstanceID = inst.ID
		target.BaseURL = inst.URL
		target.Username = inst.Username
		target.SkipAuth = inst.SkipAuth
		if _, err := s.probe(r, target); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	if err := s.deps.Store.UpdateInstance(r.Context(), inst); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Upstream.Invalidate(inst.ID)

	writeJSON(w, http.StatusOK, newInstanceView(inst))
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.deps.Store.DeleteInstance(r.Context(), userID(r.Context()), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Upstream.Invalidate(id)

	w.WriteHeader(http.StatusNoContent)
}

type testResult struct {
	OK      bool   `json:"ok"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleTestConnection probes unsaved connection details.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	baseURL, err := validInstanceURL(deref(req.URL))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	version, err := s.deps.Upstream.Probe(r.Context(), upstream.Target{
		BaseURL:  baseURL,
		Username: deref(req.Username),
		Password: deref(req.Password),
		SkipAuth: deref(req.SkipAuth),
	})
	if err != nil {
		writeJSON(w, http.StatusOK, testResult{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, testResult{OK: true, Version: version})
}

// handleTestInstance probes a saved instance with its stored credentials.
func (s *Server) handleTestInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	inst, err := s.deps.Store.GetInstance(r.Context(), userID(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	target, err := s.deps.Proxy.Target(inst)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	version, err := s.deps.Upstream.Probe(r.Context(), target)
	if err != nil {
		writeJSON(w, http.StatusOK, testResult{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, testResult{OK: true, Version: version})
}

// handleProxy forwards /api/instances/{id}/qbt/{path} to the instance's
// WebUI API.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.deps.Proxy.Forward(r.Context(), proxy.Request{
		SessionID:   readSessionCookie(r),
		InstanceID:  id,
		Method:      r.Method,
		Path:        mux.Vars(r)["path"],
		RawQuery:    r.URL.RawQuery,
		Body:        r.Body,
		ContentType: r.Header.Get("Content-Type"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
