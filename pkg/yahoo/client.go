// Package yahoo provides a minimal client for the Yahoo Finance sector and
// quote-summary endpoints used by the sector analysis.
package yahoo

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/sector-refresh/internal/fetcher"
	"github.com/sells-group/sector-refresh/internal/resilience"
)

// QuoteModules are the quoteSummary modules searched, in order, for a metric key.
var QuoteModules = []string{"summaryDetail", "financialData", "defaultKeyStatistics", "price"}

// Client defines the Yahoo Finance operations used by the collector.
type Client interface {
	// TopCompanies returns the ticker symbols of a sector's top companies.
	TopCompanies(ctx context.Context, sectorKey string) ([]string, error)
	// QuoteSummary returns the raw numeric fields for a ticker.
	QuoteSummary(ctx context.Context, ticker string) (*Quote, error)
}

// Quote holds the numeric fields of a quoteSummary response, keyed by the
// Yahoo field name (e.g. "beta", "trailingPE").
type Quote struct {
	Symbol string
	Values map[string]float64
}

// Get returns the value for key and whether it was present.
func (q *Quote) Get(key string) (float64, bool) {
	if q == nil {
		return 0, false
	}
	v, ok := q.Values[key]
	return v, ok
}

// Option configures the Yahoo client.
type Option func(*httpClient)

// WithBaseURL sets the API base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithCookieURL sets the URL hit to obtain a session cookie. Empty disables
// the cookie and crumb handshake.
func WithCookieURL(u string) Option {
	return func(c *httpClient) { c.cookieURL = u }
}

// WithFetcher replaces the underlying HTTP fetcher.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(c *httpClient) { c.fetch = f }
}

// WithRequestInterval spaces API requests at least d apart. Ignored when
// WithFetcher is given.
func WithRequestInterval(d time.Duration) Option {
	return func(c *httpClient) { c.interval = d }
}

// WithBreaker replaces the circuit breaker guarding API calls.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *httpClient) { c.breaker = cb }
}

type httpClient struct {
	baseURL   string
	cookieURL string
	fetch     fetcher.Fetcher
	breaker   *resilience.CircuitBreaker
	interval  time.Duration

	mu        sync.Mutex
	crumb     string
	handshake bool
}

// NewClient creates a Yahoo Finance client. Without WithFetcher it uses an
// HTTPFetcher with a cookie jar and the default Yahoo rate limits.
func NewClient(userAgent string, opts ...Option) Client {
	c := &httpClient{
		baseURL:   "https://query2.finance.yahoo.com",
		cookieURL: "https://fc.yahoo.com",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetch == nil {
		jar, _ := cookiejar.New(nil)
		opts := fetcher.HTTPOptions{
			UserAgent: userAgent,
			Timeout:   20 * time.Second,
			Attempts:  3,
			Jar:       jar,
		}
		if u, err := url.Parse(c.baseURL); err == nil && c.interval > 0 {
			opts.Spacing = map[string]*fetcher.Spacer{u.Host: fetcher.NewSpacer(c.interval)}
		}
		c.fetch = fetcher.NewHTTPFetcher(opts)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:      "yahoo",
			Threshold: 5,
			Cooldown:  30 * time.Second,
		})
	}
	return c
}

func (c *httpClient) TopCompanies(ctx context.Context, sectorKey string) ([]string, error) {
	endpoint := c.baseURL + "/v1/finance/sectors/" + url.PathEscape(sectorKey)

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, eris.Wrapf(err, "yahoo: top companies for %s", sectorKey)
	}
	if !gjson.ValidBytes(body) {
		return nil, eris.Errorf("yahoo: top companies for %s: invalid json", sectorKey)
	}

	var symbols []string
	for _, s := range gjson.GetBytes(body, "data.topCompanies.#.symbol").Array() {
		if sym := strings.TrimSpace(s.String()); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	return symbols, nil
}

func (c *httpClient) QuoteSummary(ctx context.Context, ticker string) (*Quote, error) {
	q := url.Values{"modules": {strings.Join(QuoteModules, ",")}}
	endpoint := c.baseURL + "/v10/finance/quoteSummary/" + url.PathEscape(ticker) + "?" + q.Encode()

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, eris.Wrapf(err, "yahoo: quote summary for %s", ticker)
	}
	if !gjson.ValidBytes(body) {
		return nil, eris.Errorf("yahoo: quote summary for %s: invalid json", ticker)
	}

	if desc := gjson.GetBytes(body, "quoteSummary.error.description"); desc.Exists() {
		return nil, eris.Errorf("yahoo: quote summary for %s: %s", ticker, desc.String())
	}
	result := gjson.GetBytes(body, "quoteSummary.result.0")
	if !result.Exists() {
		return nil, eris.Errorf("yahoo: quote summary for %s: empty result", ticker)
	}

	return parseQuote(ticker, result), nil
}

// parseQuote flattens the modules into key → raw value. A key found in an
// earlier module wins.
func parseQuote(ticker string, result gjson.Result) *Quote {
	quote := &Quote{Symbol: ticker, Values: make(map[string]float64)}
	for _, module := range QuoteModules {
		result.Get(module).ForEach(func(key, val gjson.Result) bool {
			k := key.String()
			if _, seen := quote.Values[k]; seen {
				return true
			}
			switch {
			case val.IsObject():
				if raw := val.Get("raw"); raw.Type == gjson.Number {
					quote.Values[k] = raw.Float()
				}
			case val.Type == gjson.Number:
				quote.Values[k] = val.Float()
			}
			return true
		})
	}
	return quote
}

// get performs a guarded GET, attaching the crumb when one is available.
// A 401 invalidates the crumb and the request is retried once.
func (c *httpClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	return resilience.Call(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
		body, err := c.fetch.Get(ctx, c.withCrumb(ctx, endpoint), jsonHeader)
		if isStatus(err, http.StatusUnauthorized) && c.cookieURL != "" {
			c.resetCrumb()
			body, err = c.fetch.Get(ctx, c.withCrumb(ctx, endpoint), jsonHeader)
		}
		return body, err
	})
}

var jsonHeader = http.Header{"Accept": {"application/json"}}

func (c *httpClient) withCrumb(ctx context.Context, endpoint string) string {
	crumb := c.ensureCrumb(ctx)
	if crumb == "" {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "crumb=" + url.QueryEscape(crumb)
}

func (c *httpClient) ensureCrumb(ctx context.Context) string {
	if c.cookieURL == "" {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handshake {
		return c.crumb
	}
	c.handshake = true

	log := zap.L().With(zap.String("component", "yahoo"))

	// The cookie endpoint answers 404 but still sets the session cookie.
	_, _ = c.fetch.Get(ctx, c.cookieURL, nil)

	crumb, err := resilience.RetryVal(ctx, resilience.RetryPolicy{Attempts: 2, Name: "yahoo.crumb"},
		func(ctx context.Context) ([]byte, error) {
			return c.fetch.Get(ctx, c.baseURL+"/v1/test/getcrumb", nil)
		})
	if err != nil {
		log.Warn("yahoo: crumb unavailable, continuing without", zap.Error(err))
		return ""
	}
	c.crumb = strings.TrimSpace(string(crumb))
	log.Debug("yahoo: obtained crumb")
	return c.crumb
}

func (c *httpClient) resetCrumb() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crumb = ""
	c.handshake = false
}

func isStatus(err error, code int) bool {
	var se *fetcher.StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
