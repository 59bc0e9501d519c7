// Package qbittorrent finds orphaned torrents across all of a user's
// qBittorrent instances.
//
// A torrent is an orphan when one of the configured rules matches it.
// Rules are expr expressions evaluated against a TorrentInfo built from the
// autobrr/go-qbittorrent models; the defaults flag torrents whose files are
// missing and torrents a tracker no longer knows about.
//
// Every upstream call goes through the request proxy, so scans reuse the
// cached upstream sessions and the same retry behaviour as dashboard calls.
//
// # Usage
//
//	rules, err := qbittorrent.CompileRules(qbittorrent.DefaultRules())
//	if err != nil {
//	    return err
//	}
//
//	scanner := qbittorrent.NewScanner(st, px, rules, logger, qbittorrent.WithConcurrency(8))
//	result, err := scanner.Scan(ctx, userID)
//	for _, o := range result.Orphans {
//	    // o.Reason is the name of the first matching rule
//	}
package qbittorrent
