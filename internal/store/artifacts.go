package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"packrat/internal/hashing"
)

// Artifact statuses persisted in the artifacts table.
const (
	statusPending   = "pending"
	statusCommitted = "committed"
)

// ClaimState is the outcome of ClaimArtifact.
type ClaimState int

const (
	// ClaimWinner: the caller holds the pending slot and must upload, then
	// commit or abandon. No other caller wins until one of those happens.
	ClaimWinner ClaimState = iota
	// ClaimExisting: the artifact is committed; RemoteID is valid.
	ClaimExisting
	// ClaimPending: another caller holds a live pending slot. Back off and
	// re-claim later.
	ClaimPending
)

// ClaimResult reports who owns an artifact slot after a claim attempt.
type ClaimResult struct {
	State    ClaimState
	RemoteID string
}

// ClaimArtifact atomically reserves the upload slot for hash. Exactly one
// caller wins per hash at a time; everyone else observes either the committed
// remote id or a live pending reservation. Pending reservations older than the
// store's claim timeout are treated as crashed owners and stolen.
func (s *Store) ClaimArtifact(ctx context.Context, hash hashing.ContentHash) (ClaimResult, error) {
	var result ClaimResult
	err := s.withRetry(ctx, "ClaimArtifact", func() error {
		now := time.Now().Unix()
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO artifacts (content_hash, status, claimed_at)
			VALUES (?, ?, ?)
			ON CONFLICT(content_hash) DO NOTHING`,
			string(hash), statusPending, now)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 1 {
			result = ClaimResult{State: ClaimWinner}
			return nil
		}

		var status, remoteID string
		var claimedAt int64
		row := s.db.QueryRowContext(ctx,
			"SELECT status, remote_id, claimed_at FROM artifacts WHERE content_hash = ?",
			string(hash))
		if err := row.Scan(&status, &remoteID, &claimedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Row vanished between insert and select (concurrent
				// abandon); report pending so the caller re-claims.
				result = ClaimResult{State: ClaimPending}
				return nil
			}
			return err
		}
		if status == statusCommitted {
			result = ClaimResult{State: ClaimExisting, RemoteID: remoteID}
			return nil
		}

		cutoff := time.Now().Add(-s.pendingTimeout).Unix()
		if claimedAt <= cutoff {
			// Stale reservation: the guarded update ensures only one
			// stealer wins even when several observe the same stale row.
			steal, err := s.db.ExecContext(ctx, `
				UPDATE artifacts SET claimed_at = ?
				WHERE content_hash = ? AND status = ? AND claimed_at = ?`,
				now, string(hash), statusPending, claimedAt)
			if err != nil {
				return err
			}
			stolen, err := steal.RowsAffected()
			if err != nil {
				return err
			}
			if stolen == 1 {
				s.log.Warn("stole stale pending claim",
					zap.String("hash", string(hash)),
					zap.Int64("claimed_at", claimedAt))
				result = ClaimResult{State: ClaimWinner}
				return nil
			}
		}
		result = ClaimResult{State: ClaimPending}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return result, nil
}

// CommitArtifact transitions hash from pending to committed with its remote
// file id. Re-committing with the same id is a no-op; committing a different
// id over a committed row is a conflict.
func (s *Store) CommitArtifact(ctx context.Context, hash hashing.ContentHash, remoteID string) error {
	return s.withRetry(ctx, "CommitArtifact", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE artifacts
			SET status = ?, remote_id = ?, committed_at = ?
			WHERE content_hash = ? AND (status = ? OR remote_id = ?)`,
			statusCommitted, remoteID, time.Now().Unix(),
			string(hash), statusPending, remoteID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 1 {
			return nil
		}

		var existing string
		row := s.db.QueryRowContext(ctx,
			"SELECT remote_id FROM artifacts WHERE content_hash = ?", string(hash))
		if err := row.Scan(&existing); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return conflictErr("CommitArtifact", "commit without claim for %s", hash)
			}
			return err
		}
		return conflictErr("CommitArtifact",
			"artifact %s already committed as %s, refusing %s", hash, existing, remoteID)
	})
}

// AbandonArtifact releases a pending claim so future claimants can retry.
// Committed rows are never touched.
func (s *Store) AbandonArtifact(ctx context.Context, hash hashing.ContentHash) error {
	return s.withRetry(ctx, "AbandonArtifact", func() error {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM artifacts WHERE content_hash = ? AND status = ?",
			string(hash), statusPending)
		return err
	})
}

// ForgetArtifact removes the record for hash regardless of status. This is
// stale-reference repair: the committed remote file has vanished server-side,
// so the record must go before a re-upload can be claimed. Not for normal
// release of a claim; that is AbandonArtifact.
func (s *Store) ForgetArtifact(ctx context.Context, hash hashing.ContentHash) error {
	return s.withRetry(ctx, "ForgetArtifact", func() error {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM artifacts WHERE content_hash = ?", string(hash))
		return err
	})
}

// LookupArtifact returns the committed remote id for hash, if any.
func (s *Store) LookupArtifact(ctx context.Context, hash hashing.ContentHash) (string, bool, error) {
	var remoteID string
	row := s.db.QueryRowContext(ctx,
		"SELECT remote_id FROM artifacts WHERE content_hash = ? AND status = ?",
		string(hash), statusCommitted)
	if err := row.Scan(&remoteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, readErr("LookupArtifact", err)
	}
	return remoteID, true, nil
}
