package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/transitlake-data/internal/common/config"
)

const (
	// DefaultAPIKeyHeader carries the key for sources that don't name a header.
	DefaultAPIKeyHeader = "apikey"
	userAgent           = "transitlake-data/1.0"
)

// StatusError is returned when a source answers with a non-2xx status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d %s", e.Code, e.Status)
}

// FeedFetcher retrieves one raw feed snapshot for a source.
type FeedFetcher interface {
	Fetch(ctx context.Context, src config.FeedSource) ([]byte, error)
}

// HTTPFetcher fetches feeds over HTTP with a bounded timeout and a small
// shared connection pool.
type HTTPFetcher struct {
	httpClient *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, src config.FeedSource) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if src.APIKey != "" {
		header := src.APIKeyHeader
		if header == "" {
			header = DefaultAPIKeyHeader
		}
		req.Header.Set(header, src.APIKey)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/x-protobuf")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return body, nil
}
