package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const userAgent = "epm"

// HTTPTransport fetches http and https URLs.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport whose requests are traced.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// NewHTTPTransportWithClient creates a transport around client.
func NewHTTPTransportWithClient(client *http.Client) *HTTPTransport {
	return &HTTPTransport{client: client}
}

// Fetch implements Transport.
func (t *HTTPTransport) Fetch(ctx context.Context, u *url.URL, w io.Writer, report func(written, total int64)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	n, err := copyWithContext(ctx, w, resp.Body, resp.ContentLength, report)
	if err != nil {
		return n, fmt.Errorf("failed to download: %w", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("short download: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, nil
}
