package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"packrat/internal/hashing"
)

// CollectionRecord maps a fileset identity to its remote collection.
type CollectionRecord struct {
	FilesetID  hashing.FilesetIdentity
	RemoteID   string
	FileCount  int
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// LookupCollection returns the remote collection id registered for filesetID.
func (s *Store) LookupCollection(ctx context.Context, filesetID hashing.FilesetIdentity) (string, bool, error) {
	var remoteID string
	row := s.db.QueryRowContext(ctx,
		"SELECT remote_id FROM collections WHERE fileset_hash = ?", string(filesetID))
	if err := row.Scan(&remoteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, readErr("LookupCollection", err)
	}
	return remoteID, true, nil
}

// RegisterCollection records filesetID -> remoteID. First writer wins: when a
// concurrent writer already registered a different remote id, that id is
// returned and the caller must discard its own collection (best-effort delete
// on the remote side). The winning id is always returned.
func (s *Store) RegisterCollection(ctx context.Context, filesetID hashing.FilesetIdentity, remoteID string, fileCount int) (string, error) {
	var winner string
	err := s.withRetry(ctx, "RegisterCollection", func() error {
		now := time.Now().Unix()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO collections (fileset_hash, remote_id, file_count, created_at, last_used_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(fileset_hash) DO NOTHING`,
			string(filesetID), remoteID, fileCount, now, now)
		if err != nil {
			return err
		}
		row := s.db.QueryRowContext(ctx,
			"SELECT remote_id FROM collections WHERE fileset_hash = ?", string(filesetID))
		if err := row.Scan(&winner); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if winner != remoteID {
		s.log.Info("lost collection registration race",
			zap.String("fileset", string(filesetID)),
			zap.String("winner", winner),
			zap.String("loser", remoteID))
	}
	return winner, nil
}

// TouchCollection refreshes the TTL timestamp consumed by the external
// lifecycle manager.
func (s *Store) TouchCollection(ctx context.Context, filesetID hashing.FilesetIdentity) error {
	return s.withRetry(ctx, "TouchCollection", func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE collections SET last_used_at = ? WHERE fileset_hash = ?",
			time.Now().Unix(), string(filesetID))
		return err
	})
}

// DeleteCollection removes a registration whose remote target has vanished,
// so the next assembly recreates it.
func (s *Store) DeleteCollection(ctx context.Context, filesetID hashing.FilesetIdentity) error {
	return s.withRetry(ctx, "DeleteCollection", func() error {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM collections WHERE fileset_hash = ?", string(filesetID))
		return err
	})
}

// PruneCollections deletes registrations unused since cutoff and returns the
// pruned records so the caller can delete their remote counterparts.
func (s *Store) PruneCollections(ctx context.Context, cutoff time.Time) ([]CollectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fileset_hash, remote_id, file_count, created_at, last_used_at
		FROM collections WHERE last_used_at < ?`, cutoff.Unix())
	if err != nil {
		return nil, readErr("PruneCollections", err)
	}
	defer rows.Close()

	var pruned []CollectionRecord
	for rows.Next() {
		var rec CollectionRecord
		var fileset string
		var created, lastUsed int64
		if err := rows.Scan(&fileset, &rec.RemoteID, &rec.FileCount, &created, &lastUsed); err != nil {
			return nil, readErr("PruneCollections", err)
		}
		rec.FilesetID = hashing.FilesetIdentity(fileset)
		rec.CreatedAt = time.Unix(created, 0)
		rec.LastUsedAt = time.Unix(lastUsed, 0)
		pruned = append(pruned, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("PruneCollections", err)
	}

	for _, rec := range pruned {
		if err := s.DeleteCollection(ctx, rec.FilesetID); err != nil {
			return nil, err
		}
	}
	return pruned, nil
}
