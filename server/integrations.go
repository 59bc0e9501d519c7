package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/s0up4200/qbitgate/integration"
	"github.com/s0up4200/qbitgate/store"
)

type integrationView struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Label     string `json:"label"`
	URL       string `json:"url"`
	CreatedAt int64  `json:"created_at"`
}

type integrationRequest struct {
	Type   string `json:"type"`
	Label  string `json:"label"`
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

func newIntegrationView(in *store.Integration) integrationView {
	return integrationView{ID: in.ID, Type: in.Type, Label: in.Label, URL: in.URL, CreatedAt: in.CreatedAt}
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListIntegrations(r.Context(), userID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]integrationView, 0, len(list))
	for i := range list {
		out = append(out, newIntegrationView(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateIntegration(w http.ResponseWriter, r *http.Request) {
	var req integrationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	typ, err := integration.ParseType(req.Type)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	label := strings.TrimSpace(req.Label)
	if label == "" {
		s.writeError(w, r, badRequest("label is required"))
		return
	}
	baseURL, err := validInstanceURL(req.URL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.APIKey == "" {
		s.writeError(w, r, badRequest("api_key is required"))
		return
	}

	enc, err := s.deps.Codec.Encrypt(req.APIKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	in := &store.Integration{
		UserID:          userID(r.Context()),
		Type:            string(typ),
		Label:           label,
		URL:             baseURL,
		APIKeyEncrypted: enc,
	}
	if err := s.deps.Store.CreateIntegration(r.Context(), in); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, newIntegrationView(in))
}

func (s *Server) handleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.deps.Store.DeleteIntegration(r.Context(), userID(r.Context()), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestIntegration(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status, err := s.deps.Integrations.Test(r.Context(), userID(r.Context()), id)
	if err != nil {
		if isProbeFailure(err) {
			writeJSON(w, http.StatusOK, testResult{Error: err.Error()})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, testResult{OK: true, Version: status.Version})
}

// isProbeFailure separates a service that answered badly from errors the
// caller must see as a status, like an unknown id or a corrupt key.
func isProbeFailure(err error) bool {
	status, _ := statusFor(err)
	return status == http.StatusInternalServerError || status == http.StatusBadGateway
}

func (s *Server) handleIntegrationProxy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		s.writeError(w, r, integration.ErrBodyTooLarge)
		return
	}

	resp, err := s.deps.Integrations.Forward(r.Context(), userID(r.Context()), id, integration.Request{
		Method:      r.Method,
		Path:        mux.Vars(r)["path"],
		RawQuery:    r.URL.RawQuery,
		Body:        body,
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
