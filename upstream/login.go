package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxSmallBody bounds login and version responses.
const maxSmallBody = 4 << 10

// Endpoint joins an instance base URL with a WebUI API path,
// e.g. ("http://host:8080/", "auth/login") -> "http://host:8080/api/v2/auth/login".
func Endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + "/api/v2/" + strings.TrimLeft(path, "/")
}

// SetOrigin sets the Referer and Origin headers qBittorrent's CSRF
// protection compares against its own host.
func SetOrigin(req *http.Request, baseURL string) {
	req.Header.Set("Referer", strings.TrimRight(baseURL, "/")+"/")
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		req.Header.Set("Origin", u.Scheme+"://"+u.Host)
	}
}

// login performs the WebUI login flow and returns a fresh session.
func (c *Cache) login(ctx context.Context, t Target) (*Session, error) {
	now := c.now()
	s := &Session{
		InstanceID:      t.InstanceID,
		ObtainedAt:      now,
		LastValidatedAt: now,
	}

	if t.SkipAuth {
		return s, nil
	}

	form := url.Values{
		"username": {t.Username},
		"password": {t.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, Endpoint(t.BaseURL, "auth/login"), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &AuthError{InstanceID: t.InstanceID, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	SetOrigin(req, t.BaseURL)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Int64("instance_id", t.InstanceID).Msg("Upstream login request failed")
		return nil, &AuthError{InstanceID: t.InstanceID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSmallBody))
	if err != nil {
		return nil, &AuthError{InstanceID: t.InstanceID, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "Ok." {
		c.logger.Warn().
			Int64("instance_id", t.InstanceID).
			Int("status", resp.StatusCode).
			Msg("Upstream rejected login")
		return nil, &AuthError{InstanceID: t.InstanceID, Status: resp.StatusCode, Err: ErrCredentialsRejected}
	}

	for _, ck := range resp.Cookies() {
		if ck.Value != "" {
			s.Cookies = append(s.Cookies, &http.Cookie{Name: ck.Name, Value: ck.Value})
		}
	}
	if len(s.Cookies) == 0 {
		return nil, &AuthError{InstanceID: t.InstanceID, Status: resp.StatusCode, Err: ErrNoSessionCookie}
	}

	c.logger.Debug().Int64("instance_id", t.InstanceID).Msg("Logged in to upstream instance")
	return s, nil
}

// version returns the WebUI version or "" when the probe fails.
func (c *Cache) version(ctx context.Context, t Target, s *Session) string {
	v, err := c.fetchVersion(ctx, t, s)
	if err != nil {
		c.logger.Debug().Err(err).Int64("instance_id", t.InstanceID).Msg("Version probe failed")
		return ""
	}
	return v
}

func (c *Cache) fetchVersion(ctx context.Context, t Target, s *Session) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint(t.BaseURL, "app/version"), nil)
	if err != nil {
		return "", err
	}
	SetOrigin(req, t.BaseURL)
	s.Apply(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSmallBody))
	if err != nil {
		return "", err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &AuthError{InstanceID: t.InstanceID, Status: resp.StatusCode, Err: ErrCredentialsRejected}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version probe returned status %d", resp.StatusCode)
	}

	return strings.TrimSpace(string(body)), nil
}

// Probe logs in with t without touching the cache and returns the WebUI
// version. It is used to test a connection before it is saved.
func (c *Cache) Probe(ctx context.Context, t Target) (string, error) {
	s, err := c.login(ctx, t)
	if err != nil {
		return "", err
	}
	return c.fetchVersion(ctx, t, s)
}
