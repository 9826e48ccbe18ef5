// Package hashing computes stable content identities for single files and
// ordered file collections. Identities drive artifact deduplication and
// collection reuse, so they must be insensitive to line-ending differences
// and insertion order, while still separating identical content stored under
// different paths.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// ContentHash identifies one file's logical content: a hex-encoded SHA256 of
// the bytes after line-ending normalization.
type ContentHash string

// FilesetIdentity identifies an unordered set of (content, path) pairs.
type FilesetIdentity string

// FileEntry pairs a file's content hash with its project-relative path.
type FileEntry struct {
	Hash    ContentHash
	RelPath string
}

// HashContent returns the ContentHash of data. CRLF and lone CR sequences are
// normalized to LF first, so the same logical file hashes identically whether
// it was checked out on Windows, macOS, or Linux.
func HashContent(data []byte) ContentHash {
	sum := sha256.Sum256(normalizeLineEndings(data))
	return ContentHash(hex.EncodeToString(sum[:]))
}

// HashFileset returns the FilesetIdentity for entries. The result is
// independent of the order entries are supplied in: pairs are sorted by
// (hash, path) before digesting. The path participates in the digest, so two
// filesets with identical content under different paths never collide.
// An empty input yields a well-defined sentinel digest (the hash of zero
// frames); callers that treat "no external files" specially should check for
// emptiness before calling.
func HashFileset(entries []FileEntry) FilesetIdentity {
	sorted := make([]FileEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Hash != sorted[j].Hash {
			return sorted[i].Hash < sorted[j].Hash
		}
		return sorted[i].RelPath < sorted[j].RelPath
	})

	h := sha256.New()
	for _, e := range sorted {
		// NUL-framed fields so (ab, c) and (a, bc) cannot produce the
		// same byte stream.
		h.Write([]byte(e.Hash))
		h.Write([]byte{0})
		h.Write([]byte(e.RelPath))
		h.Write([]byte{0})
	}
	return FilesetIdentity(hex.EncodeToString(h.Sum(nil)))
}

// normalizeLineEndings rewrites CRLF and bare CR to LF. The input slice is
// never modified; a copy is made only when a CR is actually present.
func normalizeLineEndings(data []byte) []byte {
	if !bytes.ContainsRune(data, '\r') {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '\r' {
			if i+1 < len(data) && data[i+1] == '\n' {
				i++
			}
			out = append(out, '\n')
			continue
		}
		out = append(out, data[i])
	}
	return out
}
