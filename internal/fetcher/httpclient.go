package fetcher

import (
	"context"
	"log/slog"
	"time"

	"resty.dev/v3"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "tokenfeed/1.0"
)

// Request describes a single upstream GET call.
type Request struct {
	Path    string
	Query   map[string]string
	Headers map[string]string
}

// Client issues exactly one HTTP attempt per call. Retries are driven by
// Retry so that every attempt passes through the caller's rate limiter.
type Client struct {
	http *resty.Client
}

// NewHTTPClient creates a new HTTP client for one upstream base URL
func NewHTTPClient(baseURL string) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", defaultUserAgent).
		SetTimeout(defaultTimeout).
		SetRetryCount(0)

	return &Client{http: client}
}

// SetHeader sets a header sent with every request, typically an API key.
func (c *Client) SetHeader(name, value string) *Client {
	if value != "" {
		c.http.SetHeader(name, value)
	}
	return c
}

// SetTimeout overrides the per-attempt timeout.
func (c *Client) SetTimeout(d time.Duration) *Client {
	c.http.SetTimeout(d)
	return c
}

// Get performs the request and returns the raw body of a 2xx response.
// Any other outcome is returned as a *FetchError.
func (c *Client) Get(ctx context.Context, req Request) ([]byte, error) {
	r := c.http.R().SetContext(ctx)
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}

	resp, err := r.Get(req.Path)
	if err != nil {
		return nil, ClassifyTransportError(err)
	}

	if !resp.IsSuccess() {
		slog.Debug("upstream returned non-success status",
			"url", resp.Request.URL,
			"status_code", resp.StatusCode())
		return nil, ClassifyHTTPError(resp.StatusCode())
	}

	return resp.Bytes(), nil
}

// Close releases idle connections held by the underlying client.
func (c *Client) Close() error {
	return c.http.Close()
}
