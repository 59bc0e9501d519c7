package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/qbitgate/secret"
	"github.com/s0up4200/qbitgate/session"
	"github.com/s0up4200/qbitgate/store"
	"github.com/s0up4200/qbitgate/upstream"
)

// fakeQbit emulates the parts of the qBittorrent WebUI API the proxy uses.
type fakeQbit struct {
	mu       sync.Mutex
	version  string
	sids     map[string]bool
	logins   atomic.Int32
	lastForm url.Values
	// rejectAll makes every API call answer 403, even with a fresh cookie.
	rejectAll bool
	paused    []string
}

func newFakeQbit(version string) *fakeQbit {
	return &fakeQbit{version: version, sids: make(map[string]bool)}
}

// expireSessions forgets every issued SID, like a WebUI session timeout.
func (f *fakeQbit) expireSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sids = make(map[string]bool)
}

func (f *fakeQbit) loginForm() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastForm
}

func (f *fakeQbit) pausedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paused...)
}

func (f *fakeQbit) authorized(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectAll {
		return false
	}
	c, err := r.Cookie("SID")
	return err == nil && f.sids[c.Value]
}

func (f *fakeQbit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/v2/auth/login" {
		_ = r.ParseForm()
		f.mu.Lock()
		f.lastForm = r.PostForm
		f.mu.Unlock()
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
			_, _ = w.Write([]byte("Fails."))
			return
		}
		n := f.logins.Add(1)
		sid := "sid" + strings.Repeat("x", int(n))
		f.mu.Lock()
		f.sids[sid] = true
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: sid, Path: "/"})
		_, _ = w.Write([]byte("Ok."))
		return
	}

	if !f.authorized(r) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("Forbidden"))
		return
	}

	switch r.URL.Path {
	case "/api/v2/app/version":
		_, _ = w.Write([]byte(f.version))
	case "/api/v2/torrents/info":
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: "leaked"})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"hash":"abc","name":"ubuntu.iso","state":"uploading","size":100}]`))
	case "/api/v2/torrents/properties":
		if r.URL.Query().Get("hash") != "abc" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("Not Found"))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	case "/api/v2/torrents/pause", "/api/v2/torrents/stop":
		_ = r.ParseForm()
		f.mu.Lock()
		f.paused = append(f.paused, r.URL.Path+"="+r.PostForm.Get("hashes"))
		f.mu.Unlock()
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type env struct {
	proxy    *Proxy
	store    *store.Store
	sessions *session.Manager
	codec    *secret.Codec
	cache    *upstream.Cache
	fake     *fakeQbit
	srv      *httptest.Server
}

func setup(t *testing.T, version string) *env {
	t.Helper()

	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	codec, err := secret.New([]byte("test key material"))
	require.NoError(t, err)

	fake := newFakeQbit(version)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	sessions := session.NewManager(st, zerolog.Nop())
	cache := upstream.NewCache(zerolog.Nop())

	return &env{
		proxy:    New(sessions, st, codec, cache, zerolog.Nop()),
		store:    st,
		sessions: sessions,
		codec:    codec,
		cache:    cache,
		fake:     fake,
		srv:      srv,
	}
}

// addUser creates a user with an instance named "home" and returns the
// dashboard session id and the instance id.
func (e *env) addUser(t *testing.T, username string) (string, int64) {
	t.Helper()
	ctx := context.Background()

	userID, err := e.store.CreateUser(ctx, username, "$argon2id$placeholder")
	require.NoError(t, err)

	enc, err := e.codec.Encrypt("secret")
	require.NoError(t, err)

	inst := &store.Instance{UserID: userID, Label: "home", URL: e.srv.URL, Username: "admin", PasswordEncrypted: enc}
	require.NoError(t, e.store.CreateInstance(ctx, inst))

	sid, err := e.sessions.Create(ctx, userID)
	require.NoError(t, err)

	return sid, inst.ID
}

func TestForwardLogsInAndRelays(t *testing.T) {
	e := setup(t, "v5.0.3")
	sid, instID := e.addUser(t, "alice")

	inst, err := e.store.GetInstance(context.Background(), 1, instID)
	require.NoError(t, err)
	assert.NotEqual(t, "secret", inst.PasswordEncrypted)
	assert.NotContains(t, inst.PasswordEncrypted, "secret")

	resp, err := e.proxy.Forward(context.Background(), Request{
		SessionID:  sid,
		InstanceID: instID,
		Method:     http.MethodGet,
		Path:       "torrents/info",
	})
	require.NoError(t, err)
	require.NoError(t, resp.Err())

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Values("Set-Cookie"))
	assert.Contains(t, string(resp.Body), "ubuntu.iso")

	assert.Equal(t, int32(1), e.fake.logins.Load())
	assert.Equal(t, "admin", e.fake.loginForm().Get("username"))
	assert.Equal(t, "secret", e.fake.loginForm().Get("password"))
	assert.Equal(t, 1, e.cache.Len())

	_, err = e.proxy.Forward(context.Background(), Request{SessionID: sid, InstanceID: instID, Path: "torrents/info"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), e.fake.logins.Load())
}

func TestForwardRetriesAfterUpstreamExpiry(t *testing.T) {
	e := setup(t, "v5.0.3")
	sid, instID := e.addUser(t, "alice")

	_, err := e.proxy.Forward(context.Background(), Request{SessionID: sid, InstanceID: instID, Path: "torrents/info"})
	require.NoError(t, err)

	e.fake.expireSessions()

	resp, err := e.proxy.Forward(context.Background(), Request{SessionID: sid, InstanceID: instID, Path: "torrents/info"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int32(2), e.fake.logins.Load())
}

func TestForwardFailsAfterSecondRejection(t *testing.T) {
	e := setup(t, "v5.0.3")
	sid, instID := e.addUser(t, "alice")

	e.fake.mu.Lock()
	e.fake.rejectAll = true
	e.fake.mu.Unlock()

	_, err := e.proxy.Forward(context.Background(), Request{SessionID: sid, InstanceID: instID, Path: "torrents/info"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, upstream.ErrAuthFailed))
	assert.Equal(t, int32(2), e.fake.logins.Load())
	assert.Equal(t, 0, e.cache.Len())
}

func TestForwardRelaysNonAuthErrors(t *testing.T) {
	e := setup(t, "v5.0.3")
	sid, instID := e.addUser(t, "alice")

	resp, err := e.proxy.Forward(context.Background(), Request{
		SessionID:  sid,
		InstanceID: instID,
		Path:       "torrents/properties",
		RawQuery:   "hash=missing",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, "Not Found", string(resp.Body))

	var relay *RelayError
	require.True(t, errors.As(resp.Err(), &relay))
	assert.Equal(t, http.StatusNotFound, relay.Status)
	assert.Equal(t, int32(1), e.fake.logins.Load())
}

func TestForwardRejectsInvalidSession(t *testing.T) {
	e := setup(t, "v5.0.3")
	_, instID := e.addUser(t, "alice")

	_, err := e.proxy.Forward(context.Background(), Request{SessionID: "bogus", InstanceID: instID, Path: "torrents/info"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(0), e.fake.logins.Load())
}

func TestForwardEnforcesOwnership(t *testing.T) {
	e := setup(t, "v5.0.3")
	_, aliceInst := e.addUser(t, "alice")
	bobSID, bobInst := e.addUser(t, "bob")
	require.NotEqual(t, aliceInst, bobInst)

	_, err := e.proxy.Forward(context.Background(), Request{SessionID: bobSID, InstanceID: aliceInst, Path: "torrents/info"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.proxy.Forward(context.Background(), Request{SessionID: bobSID, InstanceID: 9999, Path: "torrents/info"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(0), e.fake.logins.Load())
}

func TestForwardCorruptSecret(t *testing.T) {
	e := setup(t, "v5.0.3")
	ctx := context.Background()

	userID, err := e.store.CreateUser(ctx, "carol", "x")
	require.NoError(t, err)
	inst := &store.Instance{UserID: userID, Label: "broken", URL: e.srv.URL, Username: "admin", PasswordEncrypted: "v1:garbage"}
	require.NoError(t, e.store.CreateInstance(ctx, inst))
	sid, err := e.sessions.Create(ctx, userID)
	require.NoError(t, err)

	_, err = e.proxy.Forward(ctx, Request{SessionID: sid, InstanceID: inst.ID, Path: "torrents/info"})
	assert.ErrorIs(t, err, secret.ErrCorruptSecret)
}

func TestForwardRejectsBadPaths(t *testing.T) {
	e := setup(t, "v5.0.3")
	sid, instID := e.addUser(t, "alice")

	for _, p := range []string{"", "/", "../app/version", "auth/logout", "/auth/login", "torrents/../../x"} {
		_, err := e.proxy.Forward(context.Background(), Request{SessionID: sid, InstanceID: instID, Path: p})
		assert.ErrorIs(t, err, ErrBadPath, p)
	}
}

func TestForwardBodyLimit(t *testing.T) {
	e := setup(t, "v5.0.3")
	sid, instID := e.addUser(t, "alice")
	e.proxy.maxBody = 8

	_, err := e.proxy.Forward(context.Background(), Request{
		SessionID:  sid,
		InstanceID: instID,
		Method:     http.MethodPost,
		Path:       "torrents/stop",
		Body:       strings.NewReader("hashes=abcdefghijkl"),
	})
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestForwardRewritesForLegacyVersions(t *testing.T) {
	tests := []struct {
		version string
		want    string
	}{
		{"v4.6.7", "/api/v2/torrents/pause=abc"},
		{"v5.0.3", "/api/v2/torrents/stop=abc"},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			e := setup(t, tt.version)
			sid, instID := e.addUser(t, "alice")

			resp, err := e.proxy.Forward(context.Background(), Request{
				SessionID:   sid,
				InstanceID:  instID,
				Method:      http.MethodPost,
				Path:        "torrents/stop",
				Body:        strings.NewReader("hashes=abc"),
				ContentType: "application/x-www-form-urlencoded",
			})
			require.NoError(t, err)
			require.NoError(t, resp.Err())
			assert.Equal(t, []string{tt.want}, e.fake.pausedCalls())
		})
	}
}

func TestGetJSON(t *testing.T) {
	e := setup(t, "v5.0.3")
	_, instID := e.addUser(t, "alice")

	var torrents []qbt.Torrent
	err := e.proxy.GetJSON(context.Background(), 1, instID, "torrents/info", nil, &torrents)
	require.NoError(t, err)
	require.Len(t, torrents, 1)
	assert.Equal(t, "abc", torrents[0].Hash)
	assert.Equal(t, "ubuntu.iso", torrents[0].Name)

	err = e.proxy.GetJSON(context.Background(), 1, instID, "torrents/properties", url.Values{"hash": {"nope"}}, &struct{}{})
	assert.True(t, IsRelayError(err))
}

func TestSameLabelForDifferentUsers(t *testing.T) {
	e := setup(t, "v5.0.3")
	aliceSID, aliceInst := e.addUser(t, "alice")
	bobSID, bobInst := e.addUser(t, "bob")

	for _, c := range []struct {
		sid  string
		inst int64
	}{{aliceSID, aliceInst}, {bobSID, bobInst}} {
		resp, err := e.proxy.Forward(context.Background(), Request{SessionID: c.sid, InstanceID: c.inst, Path: "torrents/info"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
	}
}

func TestLegacyAPI(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"", false},
		{"v4.6.7", true},
		{"v4.1", true},
		{"v5.0.0", false},
		{"5.1.2", false},
		{"garbage", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, legacyAPI(tt.version), tt.version)
	}
}
