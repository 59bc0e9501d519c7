package qbittorrent

import (
	"cmp"
	"context"
	"net/url"
	"slices"
	"sync"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/s0up4200/qbitgate/store"
)

// InstanceLister lists a user's instance profiles.
type InstanceLister interface {
	ListInstances(ctx context.Context, userID int64) ([]store.Instance, error)
}

// Fetcher issues proxied JSON calls against an instance.
type Fetcher interface {
	GetJSON(ctx context.Context, userID, instanceID int64, endpoint string, params url.Values, out any) error
}

// Scanner finds orphaned torrents.
type Scanner struct {
	instances InstanceLister
	fetcher   Fetcher
	rules     []Rule
	opts      scanOptions
	logger    zerolog.Logger
}

// NewScanner creates a Scanner evaluating rules, which should come from
// CompileRules.
func NewScanner(instances InstanceLister, fetcher Fetcher, rules []Rule, logger zerolog.Logger, opts ...Option) *Scanner {
	o := scanOptions{concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(&o)
	}

	return &Scanner{
		instances: instances,
		fetcher:   fetcher,
		rules:     rules,
		opts:      o,
		logger:    logger.With().Str("component", "orphans").Logger(),
	}
}

// Scan checks every instance owned by userID. An instance that cannot be
// scanned is reported in ScanResult.Errors and does not fail the scan.
func (s *Scanner) Scan(ctx context.Context, userID int64) (*ScanResult, error) {
	instances, err := s.instances.ListInstances(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &ScanResult{Orphans: []Orphan{}, Errors: []ScanError{}}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(s.opts.concurrency)

	for _, inst := range instances {
		g.Go(func() error {
			orphans, err := s.scanInstance(ctx, userID, inst)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				s.logger.Warn().Err(err).Int64("instance_id", inst.ID).Msg("Orphan scan failed for instance")
				result.Errors = append(result.Errors, ScanError{
					InstanceID:    inst.ID,
					InstanceLabel: inst.Label,
					Error:         err.Error(),
				})
				return nil
			}
			result.Orphans = append(result.Orphans, orphans...)
			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(result.Orphans, func(a, b Orphan) int {
		return cmp.Or(
			cmp.Compare(a.InstanceLabel, b.InstanceLabel),
			cmp.Compare(a.Name, b.Name),
			cmp.Compare(a.Hash, b.Hash),
		)
	})
	slices.SortFunc(result.Errors, func(a, b ScanError) int {
		return cmp.Compare(a.InstanceLabel, b.InstanceLabel)
	})

	s.logger.Debug().
		Int("instances", len(instances)).
		Int("orphans", len(result.Orphans)).
		Int("errors", len(result.Errors)).
		Msg("Orphan scan finished")

	return result, nil
}

func (s *Scanner) scanInstance(ctx context.Context, userID int64, inst store.Instance) ([]Orphan, error) {
	var torrents []qbt.Torrent
	if err := s.fetcher.GetJSON(ctx, userID, inst.ID, "torrents/info", nil, &torrents); err != nil {
		return nil, err
	}

	s.logger.Debug().Int64("instance_id", inst.ID).Msgf("Retrieved %d torrents", len(torrents))

	var (
		mu      sync.Mutex
		orphans []Orphan
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.concurrency)

	for _, t := range torrents {
		g.Go(func() error {
			info, reason := s.classify(gctx, userID, inst.ID, t)
			if reason == "" {
				return nil
			}

			mu.Lock()
			orphans = append(orphans, Orphan{
				InstanceID:     inst.ID,
				InstanceLabel:  inst.Label,
				Hash:           info.Hash,
				Name:           info.Name,
				Size:           info.Size,
				Reason:         reason,
				TrackerMessage: info.trackerMessage(),
			})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return orphans, nil
}

// classify returns the name of the first rule matching t, or "". Trackers
// are only fetched once a rule needs them.
func (s *Scanner) classify(ctx context.Context, userID, instanceID int64, t qbt.Torrent) (TorrentInfo, string) {
	info := newTorrentInfo(t, nil)
	fetched := false

	for i := range s.rules {
		rule := &s.rules[i]

		if rule.needsTrackers && !fetched {
			fetched = true

			var trackers []qbt.TorrentTracker
			err := s.fetcher.GetJSON(ctx, userID, instanceID, "torrents/trackers", url.Values{"hash": {t.Hash}}, &trackers)
			if err != nil {
				s.logger.Warn().
					Err(err).
					Int64("instance_id", instanceID).
					Str("hash", t.Hash).
					Msg("Failed to get torrent trackers")
			}
			info = newTorrentInfo(t, trackers)
		}

		if rule.Match(info) {
			return info, rule.Name
		}
	}

	return info, ""
}
