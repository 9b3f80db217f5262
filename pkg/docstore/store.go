// Package docstore is the collaboration engine's view of the workflow
// document store. The engine never caches document content; it only needs to
// durably apply structural patches and, on demand, load current content.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound = errors.New("document not found")
	// ErrConflict means the store rejected a patch. The caller reports it to
	// the sender; in-memory room state is not rolled back.
	ErrConflict = errors.New("patch conflicts with stored document")
)

// Store persists workflow documents. Implementations must be safe for
// concurrent use; callers dispatch ApplyPatch off the room's critical path.
type Store interface {
	Load(ctx context.Context, documentID string) (json.RawMessage, error)
	ApplyPatch(ctx context.Context, documentID string, patch json.RawMessage, byUserID string) error
	Close() error
}
