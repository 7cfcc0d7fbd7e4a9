package fetcher

import "context"

// Getter is the upstream transport every provider fetches through.
// *Client implements it; tests substitute canned responses.
type Getter interface {
	// Get performs a single attempt and returns the raw response body.
	// Failures are reported as *FetchError.
	Get(ctx context.Context, req Request) ([]byte, error)
}

var _ Getter = (*Client)(nil)
