package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/sector-refresh/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	Attempts     int
	MaxBodyBytes int64
	// Spacing holds per-host request spacers keyed by host[:port]. Hosts
	// without an entry are not spaced.
	Spacing map[string]*Spacer
	// Jar keeps session cookies between requests (the Yahoo crumb flow needs one).
	Jar http.CookieJar
}

// Spacer enforces a minimum interval between requests to one host. A
// throttled response widens the interval (up to 8x the base) and honors any
// Retry-After; each success narrows it again by a fifth, never below base.
type Spacer struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	base      time.Duration
	interval  time.Duration
	holdUntil time.Time
}

const maxSpacingFactor = 8

// NewSpacer returns a Spacer allowing one request per interval.
func NewSpacer(interval time.Duration) *Spacer {
	return &Spacer{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		base:     interval,
		interval: interval,
	}
}

// Wait blocks until the next request may be sent.
func (s *Spacer) Wait(ctx context.Context) error {
	s.mu.Lock()
	hold := time.Until(s.holdUntil)
	s.mu.Unlock()

	if hold > 0 {
		t := time.NewTimer(hold)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return s.limiter.Wait(ctx)
}

// OnSuccess narrows the interval back toward base.
func (s *Spacer) OnSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interval == s.base {
		return
	}
	s.setInterval(max(s.base, s.interval*4/5))
}

// OnThrottle doubles the interval and, when retryAfter is positive, holds
// every request until it has elapsed.
func (s *Spacer) OnThrottle(retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setInterval(min(s.base*maxSpacingFactor, s.interval*2))
	if retryAfter > 0 {
		if until := time.Now().Add(retryAfter); until.After(s.holdUntil) {
			s.holdUntil = until
		}
	}
	zap.L().Warn("fetcher: throttled, widening request spacing",
		zap.Duration("interval", s.interval),
		zap.Duration("retry_after", retryAfter),
	)
}

// Interval returns the current spacing.
func (s *Spacer) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Spacer) setInterval(d time.Duration) {
	s.interval = d
	s.limiter.SetLimit(rate.Every(d))
}

// HTTPFetcher implements Fetcher on net/http. Throttling, 5xx and dropped
// connections are retried with backoff; other non-200 statuses fail at once.
type HTTPFetcher struct {
	client  *http.Client
	opts    HTTPOptions
	spacing map[string]*Spacer
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "sector-refresh/1.0"
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	spacing := make(map[string]*Spacer, len(opts.Spacing))
	for host, s := range opts.Spacing {
		spacing[host] = s
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
			Jar: opts.Jar,
		},
		opts:    opts,
		spacing: spacing,
	}
}

// Get fetches rawURL and returns its body. Bodies larger than MaxBodyBytes
// are rejected.
func (f *HTTPFetcher) Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse url")
	}
	spacer := f.spacing[u.Host]

	policy := resilience.RetryPolicy{
		Attempts: f.opts.Attempts,
		Initial:  time.Second,
		Max:      30 * time.Second,
		Name:     "fetch " + u.Host,
	}
	body, err := resilience.RetryVal(ctx, policy, func(ctx context.Context) ([]byte, error) {
		return f.once(ctx, rawURL, header, spacer)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: get %s", u.Redacted())
	}
	return body, nil
}

func (f *HTTPFetcher) once(ctx context.Context, rawURL string, header http.Header, spacer *Spacer) ([]byte, error) {
	if spacer != nil {
		if err := spacer.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "spacing wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		se := &StatusError{
			StatusCode: resp.StatusCode,
			URL:        req.URL.Redacted(),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
		if resp.StatusCode == http.StatusTooManyRequests && spacer != nil {
			spacer.OnThrottle(se.RetryAfter)
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(se, resp.StatusCode)
		}
		return nil, se
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, eris.Wrap(err, "read body")
	}
	if int64(len(data)) > f.opts.MaxBodyBytes {
		return nil, eris.Errorf("response body exceeds %d bytes", f.opts.MaxBodyBytes)
	}
	if spacer != nil {
		spacer.OnSuccess()
	}
	return data, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date. Anything else is
// zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
