// Package fetcher downloads pages and asset files for the scrape and verify
// passes.
package fetcher

import (
	"context"
	"io"
)

// Fetcher retrieves remote resources. Implementations own retries, backoff,
// and rate limiting; a returned error means the resource could not be fetched
// this run.
type Fetcher interface {
	// Fetch returns the full response body.
	Fetch(ctx context.Context, url string) ([]byte, error)

	// Download returns the response body as a stream. The caller closes it.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile streams the body to path atomically and returns the
	// number of bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}
