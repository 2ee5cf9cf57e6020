package schemaindex

import (
	"errors"
	"fmt"
)

// ErrIndexNotFound indicates no index has been built yet for the tenant.
// The store reacts by building one, so callers rarely see this.
var ErrIndexNotFound = errors.New("schema index not found")

// BackendError wraps a vector backend failure that survived the store's
// rebuild-and-retry attempt.
type BackendError struct {
	Backend string // "chromem" or "pgvector"
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("vector backend %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
