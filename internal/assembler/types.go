package assembler

import (
	"time"

	"packrat/internal/hashing"
)

// FileInput is one candidate source file, resolved by the out-of-scope
// file-gathering collaborator. Size and ModTime reflect the file as gathered;
// the assembler reads bytes itself only when they are actually needed.
type FileInput struct {
	AbsPath string
	RelPath string
	Size    int64
	ModTime time.Time
}

// Attachment is a one-shot blob that joins the external fileset without
// living on disk.
type Attachment struct {
	Name string
	Data []byte
}

// Result is what one assembly call hands to the provider-adapter layer.
type Result struct {
	// Inline is the prompt fragment: ordered file contents with headers.
	// Empty when nothing changed since the last call.
	Inline string

	// InlinePaths lists the files actually transmitted in Inline this call.
	InlinePaths []string

	// PartitionPaths is the session's full inline partition, whether or not
	// each member was resent.
	PartitionPaths []string

	// CollectionID is the remote collection holding the external subset, or
	// "" when the external subset is empty or external placement degraded.
	CollectionID string

	// FilesetID identifies the external subset; callers report stale
	// collection handles against it.
	FilesetID hashing.FilesetIdentity

	// Degraded is set when quota or repeated upload failure made external
	// retrieval unavailable. The inline portion is still valid.
	Degraded bool

	// DegradedReason carries the failure that forced degradation.
	DegradedReason error
}
