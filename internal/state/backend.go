package state

import "context"

// Backend is one place a document can live. Get reports presence: a missing
// or empty document is (nil, false, nil); transport failures are errors.
// Either way the store treats the document as absent on that backend.
type Backend interface {
	// Name identifies the backend in logs ("redis", "filesystem").
	Name() string
	Get(ctx context.Context, doc string) ([]byte, bool, error)
	Set(ctx context.Context, doc string, raw []byte) error
}
