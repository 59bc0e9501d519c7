package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/s0up4200/qbitgate/integration"
	"github.com/s0up4200/qbitgate/proxy"
	"github.com/s0up4200/qbitgate/secret"
	"github.com/s0up4200/qbitgate/session"
	"github.com/s0up4200/qbitgate/store"
	"github.com/s0up4200/qbitgate/upstream"
)

// httpError is an error with a status and a message safe to show.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &httpError{status: http.StatusBadRequest, msg: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to a status code and public message.
func statusFor(err error) (int, string) {
	var he *httpError
	if errors.As(err, &he) {
		return he.status, he.msg
	}

	switch {
	case errors.Is(err, proxy.ErrUnauthorized), errors.Is(err, session.ErrInvalid):
		return http.StatusUnauthorized, "not authenticated"
	case errors.Is(err, proxy.ErrNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, integration.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, secret.ErrCorruptSecret):
		return http.StatusUnprocessableEntity, "stored credential cannot be decrypted; re-enter it"
	case errors.Is(err, upstream.ErrAuthFailed):
		return http.StatusBadGateway, "upstream authentication failed"
	case errors.Is(err, proxy.ErrUpstreamUnavailable), errors.Is(err, integration.ErrNoConnection):
		return http.StatusBadGateway, "upstream unavailable"
	case errors.Is(err, proxy.ErrBadPath), errors.Is(err, integration.ErrBadPath), errors.Is(err, integration.ErrUnknownType):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, proxy.ErrBodyTooLarge), errors.Is(err, integration.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "body too large"
	case errors.Is(err, store.ErrUsernameTaken):
		return http.StatusConflict, "username already taken"
	case errors.Is(err, store.ErrLabelTaken):
		return http.StatusConflict, "label already in use"
	}

	return http.StatusInternalServerError, "internal server error"
}

// writeError answers with the status err maps to. Relay errors are passed
// through verbatim.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// Client went away; nobody is listening.
		return
	}

	var relay *proxy.RelayError
	if errors.As(err, &relay) {
		if relay.ContentType != "" {
			w.Header().Set("Content-Type", relay.ContentType)
		}
		w.WriteHeader(relay.Status)
		_, _ = w.Write(relay.Body)
		return
	}

	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request rejected")
	}

	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body")
	}
	return nil
}

// pathID parses the {id} route variable.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid id")
	}
	return id, nil
}
