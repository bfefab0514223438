package steps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultMaxFetchBytes caps the document size HTTPFetcher reads.
const defaultMaxFetchBytes = 2 << 20

// HTTPFetcher fetches documents over HTTP GET.
type HTTPFetcher struct {
	Client   *http.Client
	MaxBytes int64
}

// NewHTTPFetcher returns a fetcher with a bounded client timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}, MaxBytes: defaultMaxFetchBytes}
}

// Fetch implements Fetcher. Non-2xx responses are errors; bodies beyond
// MaxBytes are truncated.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = defaultMaxFetchBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
