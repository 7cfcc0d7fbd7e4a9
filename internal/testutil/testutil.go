package testutil

import (
	"context"
	"sync/atomic"

	"tokenfeed/internal/market"
	"tokenfeed/internal/ratelimit"
)

// MockSource is a mock implementation of source.Descriptor for testing
type MockSource struct {
	SourceID      string
	EndpointClass ratelimit.EndpointClass
	SupportsFunc  func(q market.Query) bool
	FetchFunc     func(ctx context.Context, q market.Query) ([]byte, error)
	NormalizeFunc func(q market.Query, raw []byte) (any, error)
	ValidFunc     func(payload any) bool

	calls atomic.Int64
}

// ID implements source.Descriptor
func (m *MockSource) ID() string {
	if m.SourceID != "" {
		return m.SourceID
	}
	return "mock"
}

// Class implements source.Descriptor
func (m *MockSource) Class() ratelimit.EndpointClass {
	if m.EndpointClass != "" {
		return m.EndpointClass
	}
	return ratelimit.EndpointClass(m.ID())
}

// Supports implements source.Descriptor. Without a SupportsFunc every
// query is supported.
func (m *MockSource) Supports(q market.Query) bool {
	if m.SupportsFunc != nil {
		return m.SupportsFunc(q)
	}
	return true
}

// Fetch implements source.Descriptor
func (m *MockSource) Fetch(ctx context.Context, q market.Query) ([]byte, error) {
	m.calls.Add(1)
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, q)
	}
	return []byte(`{}`), nil
}

// Normalize implements source.Descriptor. Without a NormalizeFunc the raw
// body is returned as a string payload.
func (m *MockSource) Normalize(q market.Query, raw []byte) (any, error) {
	if m.NormalizeFunc != nil {
		return m.NormalizeFunc(q, raw)
	}
	return string(raw), nil
}

// Valid implements source.Descriptor
func (m *MockSource) Valid(payload any) bool {
	if m.ValidFunc != nil {
		return m.ValidFunc(payload)
	}
	return true
}

// Calls is how many times Fetch was invoked
func (m *MockSource) Calls() int {
	return int(m.calls.Load())
}

// NewMockSource creates a simple mock source returning body or err from every fetch
func NewMockSource(id string, body string, err error) *MockSource {
	return &MockSource{
		SourceID: id,
		FetchFunc: func(ctx context.Context, q market.Query) ([]byte, error) {
			if err != nil {
				return nil, err
			}
			return []byte(body), nil
		},
	}
}
