package qbittorrent

import (
	"strings"

	qbt "github.com/autobrr/go-qbittorrent"
)

// TorrentInfo is the environment orphan rules are evaluated against.
type TorrentInfo struct {
	Hash     string
	Name     string
	State    string
	Size     int64
	Progress float64
	Category string
	Tags     []string
	Trackers []TrackerInfo
}

// TrackerInfo describes one tracker of a torrent. Status follows the WebUI
// numbering: 0 disabled, 1 not contacted, 2 working, 3 updating, 4 not working.
type TrackerInfo struct {
	URL     string
	Status  int
	Message string
}

// newTorrentInfo converts a WebUI torrent into a rule environment.
func newTorrentInfo(t qbt.Torrent, trackers []qbt.TorrentTracker) TorrentInfo {
	info := TorrentInfo{
		Hash:     t.Hash,
		Name:     t.Name,
		State:    string(t.State),
		Size:     t.Size,
		Progress: t.Progress,
		Category: t.Category,
		Tags:     splitTags(t.Tags),
	}

	for _, tr := range trackers {
		info.Trackers = append(info.Trackers, TrackerInfo{
			URL:     tr.Url,
			Status:  int(tr.Status),
			Message: tr.Message,
		})
	}

	return info
}

// trackerMessage returns the message of the first failing tracker.
func (t *TorrentInfo) trackerMessage() string {
	for _, tr := range t.Trackers {
		if tr.Status == int(qbt.TrackerStatusNotWorking) && tr.Message != "" {
			return tr.Message
		}
	}
	return ""
}

func splitTags(tags string) []string {
	var out []string
	for _, tag := range strings.Split(tags, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

// Orphan is a torrent matched by an orphan rule.
type Orphan struct {
	InstanceID     int64  `json:"instanceId"`
	InstanceLabel  string `json:"instanceLabel"`
	Hash           string `json:"hash"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	Reason         string `json:"reason"`
	TrackerMessage string `json:"trackerMessage,omitempty"`
}

// ScanError reports an instance that could not be scanned.
type ScanError struct {
	InstanceID    int64  `json:"instanceId"`
	InstanceLabel string `json:"instanceLabel"`
	Error         string `json:"error"`
}

// ScanResult is the outcome of a scan over all of a user's instances.
type ScanResult struct {
	Orphans []Orphan    `json:"orphans"`
	Errors  []ScanError `json:"errors"`
}
