package upstream

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultIdleRefresh is slightly below qBittorrent's default WebUI session
// timeout of one hour.
const DefaultIdleRefresh = 50 * time.Minute

// Target identifies an instance and the credentials to log in with.
type Target struct {
	InstanceID int64
	BaseURL    string
	Username   string
	Password   string
	SkipAuth   bool
}

// Session is an authenticated upstream session. Values returned by the cache
// are snapshots and safe to read without locking.
type Session struct {
	InstanceID int64
	Cookies    []*http.Cookie
	// Version is the WebUI application version, e.g. "v5.0.3". Empty when
	// the probe after login failed.
	Version         string
	ObtainedAt      time.Time
	LastValidatedAt time.Time

	seq uint64
}

// Apply attaches the session cookies to req.
func (s *Session) Apply(req *http.Request) {
	for _, c := range s.Cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient sets the client used for login and version probes. The
// client must not carry a cookie jar; cookies are managed per instance.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithIdleRefresh sets how long an entry may go unvalidated before it is
// dropped. Zero disables idle refresh.
func WithIdleRefresh(d time.Duration) Option {
	return func(c *Cache) {
		if d >= 0 {
			c.idleRefresh = d
		}
	}
}

// Cache is the process-wide upstream session store keyed by instance id.
type Cache struct {
	client      *http.Client
	now         func() time.Time
	idleRefresh time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	entries map[int64]*Session
	// gen is bumped by Invalidate so a login that started before the
	// invalidation cannot repopulate the entry.
	gen map[int64]uint64
	seq uint64

	group singleflight.Group
}

// NewCache creates an empty cache.
func NewCache(logger zerolog.Logger, opts ...Option) *Cache {
	c := &Cache{
		client:      &http.Client{Timeout: 30 * time.Second},
		now:         time.Now,
		idleRefresh: DefaultIdleRefresh,
		logger:      logger.With().Str("component", "upstream").Logger(),
		entries:     make(map[int64]*Session),
		gen:         make(map[int64]uint64),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Session returns a live session for t, logging in when there is none.
// At most one login per instance is in flight; concurrent callers wait for
// it. If ctx ends first the caller gets ctx.Err() while the login itself
// still completes and populates the cache.
func (c *Cache) Session(ctx context.Context, t Target) (*Session, error) {
	key := strconv.FormatInt(t.InstanceID, 10)
	detached := context.WithoutCancel(ctx)

	for {
		if s := c.lookup(t.InstanceID); s != nil {
			return s, nil
		}

		c.mu.Lock()
		want := c.gen[t.InstanceID]
		c.mu.Unlock()

		ch := c.group.DoChan(key, func() (any, error) {
			return c.loginFlight(detached, t), nil
		})

		var res *flight
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			res = r.Val.(*flight)
		}

		// The login began before an Invalidate this caller has seen; its
		// outcome belongs to the old settings.
		if res.gen < want {
			continue
		}
		if res.err != nil {
			return nil, res.err
		}
		s := *res.session
		return &s, nil
	}
}

// flight is the shared outcome of one login.
type flight struct {
	session *Session
	gen     uint64
	err     error
}

func (c *Cache) loginFlight(ctx context.Context, t Target) *flight {
	c.mu.Lock()
	gen := c.gen[t.InstanceID]
	c.mu.Unlock()

	if s := c.lookup(t.InstanceID); s != nil {
		return &flight{session: s, gen: gen}
	}

	s, err := c.login(ctx, t)
	if err != nil {
		return &flight{gen: gen, err: err}
	}
	s.Version = c.version(ctx, t, s)

	return &flight{session: c.put(s, gen), gen: gen}
}

// Invalidate drops the entry for instanceID, forcing the next Session call
// to log in. Use it when the instance's URL or credentials change. A login
// already in flight finishes but its session is not cached, and callers
// arriving after Invalidate wait for a new login instead of sharing it.
func (c *Cache) Invalidate(instanceID int64) {
	c.mu.Lock()
	delete(c.entries, instanceID)
	c.gen[instanceID]++
	c.mu.Unlock()

	c.logger.Debug().Int64("instance_id", instanceID).Msg("Invalidated upstream session")
}

// Expire drops s only if it is still the cached entry. A session that
// another caller already replaced is left alone, so a burst of requests
// rejected on the same stale cookie triggers one re-login, not many.
func (c *Cache) Expire(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[s.InstanceID]; ok && cur.seq == s.seq {
		delete(c.entries, s.InstanceID)
		c.logger.Debug().Int64("instance_id", s.InstanceID).Msg("Expired upstream session")
	}
}

// MarkValidated records that s was just accepted by the instance.
func (c *Cache) MarkValidated(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[s.InstanceID]; ok && cur.seq == s.seq {
		cur.LastValidatedAt = c.now()
	}
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// lookup returns a snapshot of the live entry, dropping it when idle.
func (c *Cache) lookup(instanceID int64) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.entries[instanceID]
	if !ok {
		return nil
	}

	if c.idleRefresh > 0 && c.now().Sub(cur.LastValidatedAt) >= c.idleRefresh {
		delete(c.entries, instanceID)
		c.logger.Debug().Int64("instance_id", instanceID).Msg("Dropped idle upstream session")
		return nil
	}

	s := *cur
	return &s
}

// put stores s unless the instance was invalidated while logging in. It
// returns the value the caller should hand out.
func (c *Cache) put(s *Session, gen uint64) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	s.seq = c.seq

	if c.gen[s.InstanceID] == gen {
		c.entries[s.InstanceID] = s
	}

	out := *s
	return &out
}
