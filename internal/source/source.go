// Package source defines upstream source descriptors and the ordered chain
// that tries them until one yields a valid payload.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tokenfeed/internal/market"
	"tokenfeed/internal/ratelimit"
)

// ErrUnsupported is returned by Fetch when a source cannot serve a query at
// all, e.g. a token it does not list. The chain skips such sources quietly.
// Sources report it up front through Supports so that no rate-limit slot is
// spent on a query they would refuse.
var ErrUnsupported = errors.New("query not supported by source")

// Descriptor is one upstream provider's view of a query type: how to fetch
// the raw response, how to normalize it, and whether the result is usable.
type Descriptor interface {
	// ID names the source in logs, cache entries and responses.
	ID() string

	// Class is the rate-limit bucket this source's calls share.
	Class() ratelimit.EndpointClass

	// Supports reports whether the source can serve q at all. It must not
	// touch the network.
	Supports(q market.Query) bool

	// Fetch performs one upstream attempt for q and returns the raw body.
	Fetch(ctx context.Context, q market.Query) ([]byte, error)

	// Normalize decodes raw into the query type's payload.
	Normalize(q market.Query, raw []byte) (any, error)

	// Valid is the final gate on a normalized payload.
	Valid(payload any) bool
}

// Resolved is a normalized payload tagged with the source that produced it.
type Resolved struct {
	Payload  any
	SourceID string
}

// Failure records why one source did not produce a payload.
type Failure struct {
	SourceID string
	Err      error
}

// AllSourcesFailedError is returned when every source in a chain failed.
// The failures are for diagnostics; callers should not branch on them.
type AllSourcesFailedError struct {
	Key      string
	Failures []Failure
}

func (e *AllSourcesFailedError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("all sources failed for %s: no sources configured", e.Key)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.SourceID, f.Err))
	}
	return fmt.Sprintf("all sources failed for %s: %s", e.Key, strings.Join(parts, "; "))
}

// Unwrap exposes every per-source error to errors.Is and errors.As.
func (e *AllSourcesFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Ordered returns the descriptors named in order, in that order. An empty
// order keeps all descriptors in their registered order.
func Ordered(all []Descriptor, order []string) ([]Descriptor, error) {
	if len(order) == 0 {
		return all, nil
	}

	byID := make(map[string]Descriptor, len(all))
	for _, d := range all {
		byID[d.ID()] = d
	}

	out := make([]Descriptor, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		d, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown source %q", id)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate source %q", id)
		}
		seen[id] = true
		out = append(out, d)
	}
	return out, nil
}
