package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a cache failure so callers can decide between retrying,
// degrading, and failing the request.
type ErrorKind string

const (
	// KindRead means the embedded store could not be read.
	KindRead ErrorKind = "read"
	// KindWrite means a mutation did not fully apply.
	KindWrite ErrorKind = "write"
	// KindConflict means the operation contradicts already-persisted state,
	// e.g. committing an artifact with a different remote id than the one
	// already committed.
	KindConflict ErrorKind = "conflict"
)

// ErrBusy is reported when the database stayed locked through every retry
// attempt. Callers can use errors.Is to detect it and treat the failure as
// transient.
var ErrBusy = errors.New("database busy after retries")

// CacheError is the typed failure for every store operation. Cache failures
// are never swallowed: a silently lost write later reappears as a duplicate
// upload or a dangling remote reference.
type CacheError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s failure in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

func readErr(op string, err error) error {
	return &CacheError{Op: op, Kind: KindRead, Err: err}
}

func writeErr(op string, err error) error {
	return &CacheError{Op: op, Kind: KindWrite, Err: err}
}

func conflictErr(op string, format string, args ...interface{}) error {
	return &CacheError{Op: op, Kind: KindConflict, Err: fmt.Errorf(format, args...)}
}

// isBusy reports whether err is SQLite telling us another connection holds the
// write lock. modernc.org/sqlite surfaces these as SQLITE_BUSY / "database is
// locked" errors.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
