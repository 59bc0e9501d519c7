package proxy

import (
	"github.com/blang/semver"
)

// v4Renames maps WebUI API v5 endpoint names to their 4.x equivalents.
var v4Renames = map[string]string{
	"torrents/stop":  "torrents/pause",
	"torrents/start": "torrents/resume",
}

// compatPath rewrites endpoint for the WebUI version reported by the
// instance. Unknown or unparsable versions are passed through.
func compatPath(endpoint, version string) string {
	if !legacyAPI(version) {
		return endpoint
	}
	if renamed, ok := v4Renames[endpoint]; ok {
		return renamed
	}
	return endpoint
}

// legacyAPI reports whether version is a 4.x (or older) WebUI.
func legacyAPI(version string) bool {
	if version == "" {
		return false
	}
	v, err := semver.ParseTolerant(version)
	if err != nil {
		return false
	}
	return v.Major < 5
}
