package qbittorrent

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/qbitgate/store"
)

type fakeLister struct {
	instances []store.Instance
}

func (f *fakeLister) ListInstances(_ context.Context, userID int64) ([]store.Instance, error) {
	var out []store.Instance
	for _, inst := range f.instances {
		if inst.UserID == userID {
			out = append(out, inst)
		}
	}
	return out, nil
}

// fakeFetcher serves canned JSON keyed by instance id and endpoint.
type fakeFetcher struct {
	mu       sync.Mutex
	torrents map[int64][]qbt.Torrent
	trackers map[string][]qbt.TorrentTracker
	failing  map[int64]error
	calls    map[string]int
}

func (f *fakeFetcher) GetJSON(_ context.Context, _ int64, instanceID int64, endpoint string, params url.Values, out any) error {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[endpoint]++
	f.mu.Unlock()

	if err := f.failing[instanceID]; err != nil {
		return err
	}

	var v any
	switch endpoint {
	case "torrents/info":
		v = f.torrents[instanceID]
	case "torrents/trackers":
		v = f.trackers[params.Get("hash")]
	default:
		return errors.New("unexpected endpoint " + endpoint)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func defaultRules(t *testing.T) []Rule {
	t.Helper()
	rules, err := CompileRules(DefaultRules())
	require.NoError(t, err)
	return rules
}

func TestCompileRules(t *testing.T) {
	tests := []struct {
		name    string
		rules   map[string]string
		wantErr bool
	}{
		{name: "defaults", rules: DefaultRules()},
		{name: "custom", rules: map[string]string{"stalled": `State == "stalledDL" && Progress < 0.5`}},
		{name: "tags", rules: map[string]string{"tagged": `"cross-seed" in Tags`}},
		{name: "empty set", rules: map[string]string{}, wantErr: true},
		{name: "empty expression", rules: map[string]string{"blank": "  "}, wantErr: true},
		{name: "syntax error", rules: map[string]string{"bad": `State ==`}, wantErr: true},
		{name: "unknown field", rules: map[string]string{"bad": `Ratio > 2`}, wantErr: true},
		{name: "not boolean", rules: map[string]string{"bad": `Size + 1`}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules, err := CompileRules(tt.rules)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, rules, len(tt.rules))
		})
	}
}

func TestCompileRulesReportsName(t *testing.T) {
	_, err := CompileRules(map[string]string{"broken": `State ==`})

	var ruleErr *RuleError
	require.True(t, errors.As(err, &ruleErr))
	assert.Equal(t, "broken", ruleErr.Name)
}

func TestDefaultRulesMatch(t *testing.T) {
	rules := defaultRules(t)

	tests := []struct {
		name string
		info TorrentInfo
		want string
	}{
		{
			name: "missing files",
			info: TorrentInfo{State: string(qbt.TorrentStateMissingFiles)},
			want: "missingFiles",
		},
		{
			name: "unregistered",
			info: TorrentInfo{State: "stalledUP", Trackers: []TrackerInfo{
				{URL: "** [DHT] **", Status: 0},
				{URL: "https://tracker.example/announce", Status: 4, Message: "Unregistered torrent"},
			}},
			want: "unregistered",
		},
		{
			name: "info hash not found",
			info: TorrentInfo{Trackers: []TrackerInfo{{Status: 4, Message: "Info Hash Not Found"}}},
			want: "unregistered",
		},
		{
			name: "tracker down is not an orphan",
			info: TorrentInfo{Trackers: []TrackerInfo{{Status: 4, Message: "Connection timed out"}}},
		},
		{
			name: "working tracker",
			info: TorrentInfo{Trackers: []TrackerInfo{{Status: 2, Message: "unregistered"}}},
		},
		{
			name: "healthy",
			info: TorrentInfo{State: "uploading"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ""
			for i := range rules {
				if rules[i].Match(tt.info) {
					got = rules[i].Name
					break
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScan(t *testing.T) {
	lister := &fakeLister{instances: []store.Instance{
		{ID: 1, UserID: 10, Label: "home"},
		{ID: 2, UserID: 10, Label: "seedbox"},
		{ID: 3, UserID: 20, Label: "other user"},
	}}

	fetcher := &fakeFetcher{
		torrents: map[int64][]qbt.Torrent{
			1: {
				{Hash: "aaa", Name: "healthy", State: qbt.TorrentStateUploading, Size: 10},
				{Hash: "bbb", Name: "gone", State: qbt.TorrentStateMissingFiles, Size: 20},
			},
			2: {
				{Hash: "ccc", Name: "dropped", State: qbt.TorrentStateStalledUp, Size: 30},
			},
			3: {
				{Hash: "ddd", Name: "not mine", State: qbt.TorrentStateMissingFiles},
			},
		},
		trackers: map[string][]qbt.TorrentTracker{
			"aaa": {{Url: "https://t.example/a", Status: qbt.TrackerStatusOK}},
			"ccc": {{Url: "https://t.example/a", Status: qbt.TrackerStatusNotWorking, Message: "Torrent not registered with this tracker"}},
		},
	}

	s := NewScanner(lister, fetcher, defaultRules(t), zerolog.Nop(), WithConcurrency(2))

	result, err := s.Scan(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Orphans, 2)

	assert.Equal(t, Orphan{
		InstanceID:    1,
		InstanceLabel: "home",
		Hash:          "bbb",
		Name:          "gone",
		Size:          20,
		Reason:        "missingFiles",
	}, result.Orphans[0])

	assert.Equal(t, Orphan{
		InstanceID:     2,
		InstanceLabel:  "seedbox",
		Hash:           "ccc",
		Name:           "dropped",
		Size:           30,
		Reason:         "unregistered",
		TrackerMessage: "Torrent not registered with this tracker",
	}, result.Orphans[1])

	// Trackers are not fetched for a torrent already matched by missingFiles.
	assert.Equal(t, 2, fetcher.calls["torrents/trackers"])
}

func TestScanReportsInstanceErrors(t *testing.T) {
	lister := &fakeLister{instances: []store.Instance{
		{ID: 1, UserID: 10, Label: "home"},
		{ID: 2, UserID: 10, Label: "offline"},
	}}

	fetcher := &fakeFetcher{
		torrents: map[int64][]qbt.Torrent{
			1: {{Hash: "bbb", Name: "gone", State: qbt.TorrentStateMissingFiles}},
		},
		failing: map[int64]error{2: errors.New("upstream unavailable")},
	}

	s := NewScanner(lister, fetcher, defaultRules(t), zerolog.Nop())

	result, err := s.Scan(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, result.Orphans, 1)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "offline", result.Errors[0].InstanceLabel)
	assert.Contains(t, result.Errors[0].Error, "upstream unavailable")
}

func TestScanNoInstances(t *testing.T) {
	s := NewScanner(&fakeLister{}, &fakeFetcher{}, defaultRules(t), zerolog.Nop())

	result, err := s.Scan(context.Background(), 10)
	require.NoError(t, err)
	assert.NotNil(t, result.Orphans)
	assert.Empty(t, result.Orphans)
}

func TestSplitTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b c"}, splitTags("a, b c,,"))
	assert.Nil(t, splitTags(""))
}
