package qbittorrent

// DefaultConcurrency bounds parallel upstream calls per scan level.
const DefaultConcurrency = 8

// Option configures a Scanner.
type Option func(*scanOptions)

// scanOptions holds configuration options for the Scanner.
type scanOptions struct {
	concurrency int
}

// WithConcurrency sets how many instances, and how many torrents within an
// instance, are fetched in parallel.
func WithConcurrency(n int) Option {
	return func(o *scanOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}
