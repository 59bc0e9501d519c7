// Package integration tests and proxies auxiliary services a user has
// connected to the dashboard: Prowlarr, Radarr, Sonarr, Overseerr and
// Tautulli.
//
// API keys are stored encrypted and only decrypted for the duration of a
// probe or a forwarded request. The *arr family is probed through
// golift.io/starr; Overseerr and Tautulli are plain JSON APIs.
//
// # Usage
//
//	svc := integration.NewService(st, codec, logger)
//
//	// Test a connection before saving it
//	status, err := svc.Probe(ctx, integration.TypeRadarr, url, apiKey)
//
//	// Forward a dashboard call to a stored integration
//	resp, err := svc.Forward(ctx, userID, id, integration.Request{
//	    Method: http.MethodGet,
//	    Path:   "api/v3/queue",
//	})
package integration
