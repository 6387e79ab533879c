// Package fetcher performs spaced, retrying HTTP GETs against the market
// data endpoints.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Fetcher retrieves a URL body.
type Fetcher interface {
	// Get fetches the URL with the extra headers and returns the full body.
	Get(ctx context.Context, url string, header http.Header) ([]byte, error)
}

// StatusError reports a non-200 response.
type StatusError struct {
	StatusCode int
	URL        string
	// RetryAfter is the server's requested wait on a 429 or 503, if any.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}
