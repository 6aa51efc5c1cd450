package meter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	StatusPath       = "getDashDataWS"
	DefaultUserAgent = "meterreader (+https://github.com/speedwagon-io/meterreader)"
)

// Fetcher performs a single request against the meter.
type Fetcher interface {
	Fetch(ctx context.Context, baseURL string) (Sample, error)
}

// HTTPFetcher fetches getDashDataWS over plain HTTP. Keep-alives are off so
// each call opens and closes its own connection.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		userAgent: userAgent,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, baseURL string) (Sample, error) {
	url := fmt.Sprintf("%s/%s", strings.TrimRight(baseURL, "/"), StatusPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	return decodeSample(url, body)
}

func (f *HTTPFetcher) Close() {
	f.client.CloseIdleConnections()
}

func decodeSample(url string, body []byte) (Sample, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, &EmptyResponseError{URL: url}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	if len(raw) == 0 {
		return nil, &EmptyResponseError{URL: url}
	}

	normalize(raw)
	return Sample(raw), nil
}
