package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openretro/retrohd/internal/resilience"
)

const snippetBytes = 4 << 10

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64 // per host
	Burst             int
	MaxBodyBytes      int64 // Fetch only; <= 0 means 64 MiB
	Retry             resilience.RetryConfig
	Breaker           resilience.CircuitBreakerConfig

	// Observe, if set, is called after every HTTP round trip. status is 0
	// when the request failed before a response arrived.
	Observe func(host string, status int, elapsed time.Duration)
}

// HTTPFetcher implements Fetcher over net/http with per-host adaptive rate
// limits, retries for transient failures, and a circuit breaker per host.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	breakers *resilience.Breakers

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates an HTTPFetcher, filling in defaults.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "retrohd/1.0"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 2
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 20
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.Breaker.ShouldTrip == nil {
		opts.Breaker.ShouldTrip = resilience.IsTransient
	}
	if opts.Breaker.OnStateChange == nil {
		opts.Breaker.OnStateChange = func(host string, from, to resilience.CircuitState) {
			zap.L().Warn("fetcher: circuit state change",
				zap.String("host", host),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		breakers: resilience.NewBreakers(opts.Breaker),
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// Breakers exposes the per-host circuit breakers.
func (f *HTTPFetcher) Breakers() *resilience.Breakers { return f.breakers }

func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(rate.Limit(f.opts.RequestsPerSecond), f.opts.Burst)
		f.limiters[host] = lim
	}
	return lim
}

// get returns a 200 response whose body the caller must close.
func (f *HTTPFetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, eris.Errorf("fetcher: invalid url %q", rawURL)
	}

	retry := f.opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("fetch", rawURL)
	}
	cb := f.breakers.Get(u.Host)
	lim := f.limiterFor(u.Host)

	return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*http.Response, error) {
		return resilience.DoVal(ctx, retry, func(ctx context.Context) (*http.Response, error) {
			return f.attempt(ctx, u, lim)
		})
	})
}

func (f *HTTPFetcher) attempt(ctx context.Context, u *url.URL, lim *AdaptiveLimiter) (*http.Response, error) {
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "fetcher: rate limiter wait")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.observe(u.Host, 0, start)
		if ctx.Err() != nil {
			return nil, eris.Wrap(err, "fetcher: request")
		}
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetcher: GET %s", u), 0)
	}
	f.observe(u.Host, resp.StatusCode, start)

	if resp.StatusCode == http.StatusOK {
		lim.OnSuccess()
		return resp, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		lim.OnRateLimit()
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, snippetBytes))
	_ = resp.Body.Close()
	return nil, &resilience.StatusError{
		URL:        u.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       snippet,
	}
}

func (f *HTTPFetcher) observe(host string, status int, start time.Time) {
	if f.opts.Observe != nil {
		f.opts.Observe(host, status, time.Since(start))
	}
}

// Fetch returns the body of rawURL. Bodies larger than MaxBodyBytes fail.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetcher: read %s", rawURL), 0)
	}
	if int64(len(data)) > f.opts.MaxBodyBytes {
		return nil, eris.Errorf("fetcher: %s exceeds %d bytes", rawURL, f.opts.MaxBodyBytes)
	}
	return data, nil
}

// Download returns the body of rawURL as a stream.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: download %s", rawURL)
	}
	return resp.Body, nil
}

// DownloadToFile streams rawURL into a temp file beside path and renames it
// into place, so path never holds a partial download.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	return WriteFileAtomic(path, body)
}

// WriteFileAtomic copies r into a temp file in path's directory, syncs it,
// and renames it to path.
func WriteFileAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, eris.Wrap(err, "fetcher: create directory")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create temp file")
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, eris.Wrapf(err, "fetcher: write %s", path)
	}
	return n, nil
}
