// Package remote talks to the artifact service hosting uploaded file contents
// and retrieval-searchable collections. The assembler drives it; the cache
// records what it returns.
package remote

import (
	"context"
	"fmt"
	"time"
)

// Client is the remote artifact service surface the assembler needs.
// Implementations must distinguish quota exhaustion (QuotaError) and vanished
// resources (NotFoundError) from generic failures, because callers react
// differently: quota degrades to inline-only, not-found triggers cache repair.
type Client interface {
	// Upload stores one file's bytes and returns its remote file id.
	Upload(ctx context.Context, name string, data []byte) (string, error)
	// CreateCollection groups already-uploaded files into a searchable
	// collection and returns its id.
	CreateCollection(ctx context.Context, fileIDs []string) (string, error)
	// Associate adds an existing remote file to an existing collection.
	// Metadata only; no bytes move.
	Associate(ctx context.Context, collectionID, fileID string) error
	// DeleteCollection removes a collection (loser cleanup after a lost
	// registration race, or lifecycle expiry).
	DeleteCollection(ctx context.Context, collectionID string) error
	// DeleteFile removes an uploaded file (best-effort cleanup when a
	// commit fails after upload).
	DeleteFile(ctx context.Context, fileID string) error
}

// QuotaError reports the service's hard per-account ceiling. Callers fall
// back to inline-only output instead of failing the request.
type QuotaError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: quota exceeded, retry after %v", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("%s: quota exceeded", e.Op)
}

// NotFoundError reports a remote resource that no longer exists, typically a
// collection expired by the service's TTL while our cache still references it.
type NotFoundError struct {
	Op string
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: remote resource %s not found", e.Op, e.ID)
}

// CapacityError reports the maximum-files-per-collection ceiling. It surfaces
// upward rather than being silently split.
type CapacityError struct {
	Op    string
	Count int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: collection capacity exceeded (%d files)", e.Op, e.Count)
}
