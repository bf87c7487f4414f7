// Package upstream defines the one-shot client contract the router speaks
// to provider backends. Adapters for the concrete API shapes live in the
// sub-packages and are constructed fresh for every attempt from the provider
// record's kind, endpoint, and key.
package upstream

import (
	"context"
	"fmt"
	"time"
)

// Timeout bounds a single upstream attempt end to end.
const Timeout = 10 * time.Second

// Result is one completed upstream call.
type Result struct {
	Text      string
	LatencyMs int64
}

// Error is the single error type crossing the upstream boundary. StatusCode
// carries the vendor HTTP status when one was received, zero otherwise, and
// Message preserves the vendor's own wording for client display.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: %s", e.Provider, e.Message)
}

// HTTPStatus reports the vendor status code for response mapping.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// Client sends one prompt to one provider and reports the generated text
// plus the wall-clock latency of the call.
type Client interface {
	Name() string
	Send(ctx context.Context, content, modelID string) (*Result, error)
}

// Factory builds a client for a single attempt. The kind selects the adapter
// sub-package; name identifies the provider in errors; endpoint and key come
// from the provider record.
type Factory func(ctx context.Context, kind, name, endpointURL, apiKey string) (Client, error)
