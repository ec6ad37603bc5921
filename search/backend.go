// Package search defines the document-search boundary the orchestration core
// consumes. The core treats every backend call as fallible and asynchronous
// with a caller-supplied deadline.
package search

import (
	"context"

	"github.com/seekr-io/seekr/agent/message"
)

// Backend is the external full-text search collaborator.
type Backend interface {
	// Search returns sources ranked by descending score, at most max
	// records. Backends that can distinguish already-known documents leave
	// Fresh false on those; all other backends return every record fresh.
	Search(ctx context.Context, query string, max int) ([]message.SourceRecord, error)
}

// DefaultMaxResults caps a search when the caller does not specify a limit.
const DefaultMaxResults = 100

// Unavailable is the backend used when no search index is configured. Every
// call fails with ErrSearchUnavailable, which the pipeline degrades into a
// sourceless answer.
type Unavailable struct{}

var _ Backend = Unavailable{}

func (Unavailable) Search(context.Context, string, int) ([]message.SourceRecord, error) {
	return nil, message.ErrSearchUnavailable
}
