package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/s0up4200/qbitgate/secret"
	"github.com/s0up4200/qbitgate/session"
	"github.com/s0up4200/qbitgate/store"
	"github.com/s0up4200/qbitgate/upstream"
)

// DefaultMaxBodyBytes bounds buffered request and response bodies.
const DefaultMaxBodyBytes = 64 << 20

// relayedHeaders are copied from upstream responses. Everything else,
// Set-Cookie in particular, stays on the proxy side.
var relayedHeaders = []string{"Content-Type", "Content-Disposition"}

// Validator resolves a dashboard session id to a user id.
type Validator interface {
	Validate(ctx context.Context, id string) (int64, error)
}

// InstanceStore looks up instance profiles scoped to their owner.
type InstanceStore interface {
	GetInstance(ctx context.Context, userID, id int64) (*store.Instance, error)
}

// Decrypter opens stored credentials.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// SessionCache supplies upstream sessions.
type SessionCache interface {
	Session(ctx context.Context, t upstream.Target) (*upstream.Session, error)
	Expire(s *upstream.Session)
	MarkValidated(s *upstream.Session)
}

// Request is a dashboard call scoped to one instance.
type Request struct {
	SessionID  string
	InstanceID int64
	Method     string
	// Path is relative to the WebUI API root, e.g. "torrents/info".
	Path        string
	RawQuery    string
	Body        io.Reader
	ContentType string
}

// Response is a relayed upstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Err returns a RelayError for non-2xx responses and nil otherwise.
func (r *Response) Err() error {
	if r.Status >= 200 && r.Status < 300 {
		return nil
	}
	return &RelayError{Status: r.Status, ContentType: r.Header.Get("Content-Type"), Body: r.Body}
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithHTTPClient sets the client used for forwarded requests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Proxy) {
		if client != nil {
			p.client = client
		}
	}
}

// WithMaxBodyBytes sets the request and response body limit.
func WithMaxBodyBytes(n int64) Option {
	return func(p *Proxy) {
		if n > 0 {
			p.maxBody = n
		}
	}
}

// Proxy forwards dashboard calls to the owning user's qBittorrent instances.
type Proxy struct {
	sessions  Validator
	instances InstanceStore
	secrets   Decrypter
	cache     SessionCache
	client    *http.Client
	maxBody   int64
	logger    zerolog.Logger
}

// New creates a Proxy.
func New(sessions Validator, instances InstanceStore, secrets Decrypter, cache SessionCache, logger zerolog.Logger, opts ...Option) *Proxy {
	p := &Proxy{
		sessions:  sessions,
		instances: instances,
		secrets:   secrets,
		cache:     cache,
		client:    &http.Client{Timeout: 30 * time.Second},
		maxBody:   DefaultMaxBodyBytes,
		logger:    logger.With().Str("component", "proxy").Logger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Forward validates the dashboard session in req and forwards the call.
func (p *Proxy) Forward(ctx context.Context, req Request) (*Response, error) {
	userID, err := p.sessions.Validate(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrInvalid) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("validate session: %w", err)
	}

	return p.ForwardAs(ctx, userID, req)
}

// ForwardAs forwards req on behalf of an already authenticated user.
//
// An upstream 401 or 403 is taken as an expired upstream session: the
// cached entry is dropped and the call is retried exactly once with a fresh
// login. A second rejection surfaces as an upstream.AuthError. Any other
// status is returned as-is; use Response.Err to turn non-2xx into a
// RelayError.
func (p *Proxy) ForwardAs(ctx context.Context, userID int64, req Request) (*Response, error) {
	endpoint, err := cleanPath(req.Path)
	if err != nil {
		return nil, err
	}

	inst, err := p.instances.GetInstance(ctx, userID, req.InstanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load instance: %w", err)
	}

	target, err := p.Target(inst)
	if err != nil {
		return nil, err
	}

	var body []byte
	if req.Body != nil {
		body, err = readLimited(req.Body, p.maxBody)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	log := p.logger.With().Int64("instance_id", inst.ID).Str("endpoint", endpoint).Logger()

	for attempt := 0; ; attempt++ {
		sess, err := p.cache.Session(ctx, target)
		if err != nil {
			return nil, err
		}

		resp, err := p.do(ctx, target, sess, req, endpoint, body)
		if err != nil {
			return nil, err
		}

		if resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden {
			p.cache.Expire(sess)
			if attempt == 0 {
				log.Debug().Int("status", resp.Status).Msg("Upstream session rejected, logging in again")
				continue
			}
			log.Warn().Int("status", resp.Status).Msg("Upstream rejected fresh session")
			return nil, &upstream.AuthError{InstanceID: inst.ID, Status: resp.Status, Err: upstream.ErrCredentialsRejected}
		}

		p.cache.MarkValidated(sess)
		return resp, nil
	}
}

// GetJSON issues a GET for endpoint with params and decodes a 2xx JSON
// response into out.
func (p *Proxy) GetJSON(ctx context.Context, userID, instanceID int64, endpoint string, params url.Values, out any) error {
	resp, err := p.ForwardAs(ctx, userID, Request{
		InstanceID: instanceID,
		Method:     http.MethodGet,
		Path:       endpoint,
		RawQuery:   params.Encode(),
	})
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

// Target builds the upstream login target for inst, decrypting its stored
// password. A password that cannot be decrypted yields secret.ErrCorruptSecret.
func (p *Proxy) Target(inst *store.Instance) (upstream.Target, error) {
	t := upstream.Target{
		InstanceID: inst.ID,
		BaseURL:    inst.URL,
		Username:   inst.Username,
		SkipAuth:   inst.SkipAuth,
	}

	if !inst.SkipAuth && inst.HasPassword() {
		password, err := p.secrets.Decrypt(inst.PasswordEncrypted)
		if err != nil {
			p.logger.Warn().Int64("instance_id", inst.ID).Msg("Stored upstream password cannot be decrypted")
			return upstream.Target{}, fmt.Errorf("instance %d: %w", inst.ID, secret.ErrCorruptSecret)
		}
		t.Password = password
	}

	return t, nil
}

func (p *Proxy) do(ctx context.Context, t upstream.Target, sess *upstream.Session, req Request, endpoint string, body []byte) (*Response, error) {
	target := upstream.Endpoint(t.BaseURL, compatPath(endpoint, sess.Version))
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}

	out, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if req.ContentType != "" {
		out.Header.Set("Content-Type", req.ContentType)
	}
	upstream.SetOrigin(out, t.BaseURL)
	sess.Apply(out)

	resp, err := p.client.Do(out)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: instance %d: %v", ErrUpstreamUnavailable, t.InstanceID, err)
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body, p.maxBody)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	header := make(http.Header)
	for _, k := range relayedHeaders {
		if v := resp.Header.Get(k); v != "" {
			header.Set(k, v)
		}
	}

	return &Response{Status: resp.StatusCode, Header: header, Body: data}, nil
}

// cleanPath normalizes a dashboard supplied API path. Paths escaping the
// API root and the upstream auth endpoints are refused; the proxy owns the
// upstream login.
func cleanPath(p string) (string, error) {
	if strings.Contains(p, "..") {
		return "", ErrBadPath
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" || cleaned == "auth" || strings.HasPrefix(cleaned, "auth/") {
		return "", ErrBadPath
	}
	return cleaned, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}
