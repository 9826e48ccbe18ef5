// Package assembler partitions a session's candidate files into an inline
// prompt fragment and an external retrieval collection, and drives the
// artifact cache so external bytes exist remotely exactly once.
//
// The partition is a per-session state machine: Unestablished until the first
// call whose candidates overflow the token budget, then Established and
// immutable until an explicit reset. Placement therefore stays stable across
// a multi-turn conversation regardless of which files change.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"packrat/internal/hashing"
	"packrat/internal/remote"
	"packrat/internal/store"
)

// Params are the explicit tunables of one assembler instance.
type Params struct {
	// TokenBudget is the inline budget derived from the target model's
	// context window.
	TokenBudget int

	// CharsPerToken calibrates the token estimator; <= 0 selects 4.0.
	CharsPerToken float64

	// UploadConcurrency bounds parallel uploads per fileset; <= 0
	// selects 8.
	UploadConcurrency int
}

// Assembler computes and serves session partitions. All shared state lives in
// the store; instances hold only configuration, so any number of them (in any
// number of processes) may serve the same installation.
type Assembler struct {
	store  *store.Store
	client remote.Client
	tokens *TokenCounter
	budget int
	limit  int
	log    *zap.Logger

	// Bounds for waiting out another caller's in-flight upload of the
	// same content.
	claimPollInterval time.Duration
	claimWaitBudget   time.Duration
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger attaches a logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(a *Assembler) { a.log = l }
}

// WithClaimWait overrides how a caller polls a rival's pending upload claim.
func WithClaimWait(interval, budget time.Duration) Option {
	return func(a *Assembler) {
		a.claimPollInterval = interval
		a.claimWaitBudget = budget
	}
}

// New builds an Assembler over the given cache and remote client.
func New(st *store.Store, client remote.Client, p Params, opts ...Option) *Assembler {
	limit := p.UploadConcurrency
	if limit <= 0 {
		limit = 8
	}
	a := &Assembler{
		store:             st,
		client:            client,
		tokens:            NewTokenCounter(p.CharsPerToken),
		budget:            p.TokenBudget,
		limit:             limit,
		log:               zap.NewNop(),
		claimPollInterval: 100 * time.Millisecond,
		claimWaitBudget:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble runs one call for sessionID: resolves (or establishes) the inline
// partition, builds the inline fragment from files that changed since their
// markers, and guarantees the external subset plus attachments exists
// remotely as a collection.
//
// Quota exhaustion and upload failure degrade the result to inline-only
// (Degraded + DegradedReason carry the unmodified failure); cache failures
// propagate, because continuing against an inconsistent cache turns into
// duplicate uploads later.
func (a *Assembler) Assemble(ctx context.Context, sessionID string, files []FileInput, attachments []Attachment) (*Result, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id required")
	}

	partitionPaths, err := a.resolvePartition(ctx, sessionID, files)
	if err != nil {
		return nil, err
	}
	inlineSet := make(map[string]bool, len(partitionPaths))
	for _, p := range partitionPaths {
		inlineSet[p] = true
	}

	inline, sentPaths, markers, err := a.buildInline(ctx, sessionID, partitionPaths, files)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Inline:         inline,
		InlinePaths:    sentPaths,
		PartitionPaths: partitionPaths,
	}

	items, err := a.externalItems(files, inlineSet, attachments)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		entries := make([]hashing.FileEntry, len(items))
		for i, it := range items {
			entries[i] = hashing.FileEntry{Hash: it.hash, RelPath: it.name}
		}
		result.FilesetID = hashing.HashFileset(entries)

		collectionID, err := a.ensureCollection(ctx, result.FilesetID, items)
		switch {
		case err == nil:
			result.CollectionID = collectionID
		case isCacheFailure(err) || errors.Is(err, context.Canceled):
			return nil, err
		default:
			// Quota, upload, or capacity failure: serve the inline
			// portion without external retrieval. The caller sees the
			// unmodified failure and decides whether that is enough.
			a.log.Warn("external placement degraded",
				zap.String("session", sessionID), zap.Error(err))
			result.Degraded = true
			result.DegradedReason = err
		}
	}

	// Markers flush last so a hard failure above leaves changed files
	// marked unsent and they are retransmitted next call.
	for _, m := range markers {
		if err := a.store.SaveMarker(ctx, sessionID, m.path, m.marker); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Reset clears the session's partition and markers so the next call
// recomputes placement, e.g. after a refactor reshapes the tree.
func (a *Assembler) Reset(ctx context.Context, sessionID string) error {
	return a.store.ResetSession(ctx, sessionID)
}

// InvalidateCollection drops the cache record for a collection the remote
// service reported as gone, so the next assembly recreates it. Callers detect
// this lazily from a "not found" response while using the handle.
func (a *Assembler) InvalidateCollection(ctx context.Context, filesetID hashing.FilesetIdentity) error {
	return a.store.DeleteCollection(ctx, filesetID)
}

// resolvePartition loads the established partition, or establishes one when
// this call's candidates overflow the budget. While everything fits, no
// partition is persisted and every candidate is inline.
func (a *Assembler) resolvePartition(ctx context.Context, sessionID string, files []FileInput) ([]string, error) {
	if partition, ok, err := a.store.LoadPartition(ctx, sessionID); err != nil {
		return nil, err
	} else if ok {
		return partition, nil
	}

	total := 0
	for _, f := range files {
		total += a.tokens.CountBytes(f.Size)
	}
	if total <= a.budget {
		paths := make([]string, len(files))
		for i, f := range files {
			paths[i] = f.RelPath
		}
		return paths, nil
	}

	// First overflow: cheapest files first, fill the budget, persist.
	// The stable sort keeps input order among equal-cost files so the
	// partition is deterministic.
	ranked := make([]FileInput, len(files))
	copy(ranked, files)
	sort.SliceStable(ranked, func(i, j int) bool {
		return a.tokens.CountBytes(ranked[i].Size) < a.tokens.CountBytes(ranked[j].Size)
	})

	var chosen []string
	used := 0
	for _, f := range ranked {
		cost := a.tokens.CountBytes(f.Size)
		if used+cost > a.budget {
			break
		}
		used += cost
		chosen = append(chosen, f.RelPath)
	}
	// Restore input order inside the partition.
	chosenSet := make(map[string]bool, len(chosen))
	for _, p := range chosen {
		chosenSet[p] = true
	}
	ordered := make([]string, 0, len(chosen))
	for _, f := range files {
		if chosenSet[f.RelPath] {
			ordered = append(ordered, f.RelPath)
		}
	}

	stored, err := a.store.SavePartition(ctx, sessionID, ordered)
	if err != nil {
		return nil, err
	}
	a.log.Info("session partition established",
		zap.String("session", sessionID),
		zap.Int("inline", len(stored)),
		zap.Int("candidates", len(files)),
		zap.Int("budget", a.budget))
	return stored, nil
}

type pendingMarker struct {
	path   string
	marker store.SentMarker
}

// buildInline renders the prompt fragment for partition members that changed
// since their sent-file marker. Unchanged files contribute zero bytes.
func (a *Assembler) buildInline(ctx context.Context, sessionID string, partition []string, files []FileInput) (string, []string, []pendingMarker, error) {
	markers, err := a.store.LoadMarkers(ctx, sessionID)
	if err != nil {
		return "", nil, nil, err
	}
	byPath := make(map[string]FileInput, len(files))
	for _, f := range files {
		byPath[f.RelPath] = f
	}

	var blob strings.Builder
	var sent []string
	var pending []pendingMarker
	for _, path := range partition {
		f, present := byPath[path]
		if !present {
			// Partition member absent from this call's candidates;
			// nothing to transmit.
			continue
		}
		if m, ok := markers[path]; ok &&
			m.ByteLen == f.Size && m.ModTime == f.ModTime.UnixNano() {
			continue
		}
		data, err := os.ReadFile(f.AbsPath)
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to read inline file %s: %w", f.RelPath, err)
		}
		fmt.Fprintf(&blob, "== %s (%d bytes) ==\n", f.RelPath, len(data))
		blob.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			blob.WriteByte('\n')
		}
		sent = append(sent, path)
		pending = append(pending, pendingMarker{
			path:   path,
			marker: store.SentMarker{ByteLen: f.Size, ModTime: f.ModTime.UnixNano()},
		})
	}
	return blob.String(), sent, pending, nil
}

func isCacheFailure(err error) bool {
	var ce *store.CacheError
	return errors.As(err, &ce)
}
