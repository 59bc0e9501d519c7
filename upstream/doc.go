// Package upstream keeps one authenticated qBittorrent WebUI session per
// configured instance.
//
// The cache logs in on first use, hands the session cookie to callers and
// logs in again after the entry is invalidated or has been idle for longer
// than the configured refresh window. Entries live only in memory; they are
// rebuilt from stored credentials after a restart.
//
// Concurrent requests for the same instance share a single login. The login
// runs detached from the caller's context so a disconnecting dashboard
// request cannot abandon a half-finished entry that other callers wait on.
//
// # Usage
//
//	cache := upstream.NewCache(logger, upstream.WithHTTPClient(client))
//
//	sess, err := cache.Session(ctx, upstream.Target{
//	    InstanceID: inst.ID,
//	    BaseURL:    inst.URL,
//	    Username:   inst.Username,
//	    Password:   password,
//	})
//	if err != nil {
//	    // errors.Is(err, upstream.ErrAuthFailed)
//	}
//	sess.Apply(req)
package upstream
