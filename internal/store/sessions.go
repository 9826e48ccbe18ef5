package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SentMarker records what was last transmitted inline for one (session, path)
// pair. A file is resent only when its size or modification time changed.
type SentMarker struct {
	ByteLen int64
	ModTime int64 // unix nanoseconds
}

// SavePartition persists the inline path list for a session. First writer
// wins: the returned slice is the partition actually stored, which may be a
// concurrent writer's. The partition is immutable until ResetSession.
func (s *Store) SavePartition(ctx context.Context, sessionID string, inlinePaths []string) ([]string, error) {
	encoded, err := json.Marshal(inlinePaths)
	if err != nil {
		return nil, writeErr("SavePartition", err)
	}
	var stored []string
	err = s.withRetry(ctx, "SavePartition", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_partitions (session_id, inline_paths, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(session_id) DO NOTHING`,
			sessionID, string(encoded), time.Now().Unix())
		if err != nil {
			return err
		}
		var raw string
		row := s.db.QueryRowContext(ctx,
			"SELECT inline_paths FROM session_partitions WHERE session_id = ?", sessionID)
		if err := row.Scan(&raw); err != nil {
			return err
		}
		stored = stored[:0]
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			return fmt.Errorf("corrupt partition for session %s: %w", sessionID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// LoadPartition returns the established inline paths for sessionID, if any.
func (s *Store) LoadPartition(ctx context.Context, sessionID string) ([]string, bool, error) {
	var raw string
	row := s.db.QueryRowContext(ctx,
		"SELECT inline_paths FROM session_partitions WHERE session_id = ?", sessionID)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, readErr("LoadPartition", err)
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		return nil, false, readErr("LoadPartition",
			fmt.Errorf("corrupt partition for session %s: %w", sessionID, err))
	}
	return paths, true, nil
}

// ResetSession clears the partition and all sent-file markers in one
// transaction, allowing the next call to recompute placement from scratch.
func (s *Store) ResetSession(ctx context.Context, sessionID string) error {
	return s.withRetry(ctx, "ResetSession", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM session_partitions WHERE session_id = ?", sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM sent_files WHERE session_id = ?", sessionID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// LoadMarkers returns every sent-file marker for a session, keyed by relative
// path.
func (s *Store) LoadMarkers(ctx context.Context, sessionID string) (map[string]SentMarker, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT rel_path, byte_len, mod_time FROM sent_files WHERE session_id = ?", sessionID)
	if err != nil {
		return nil, readErr("LoadMarkers", err)
	}
	defer rows.Close()

	markers := make(map[string]SentMarker)
	for rows.Next() {
		var path string
		var m SentMarker
		if err := rows.Scan(&path, &m.ByteLen, &m.ModTime); err != nil {
			return nil, readErr("LoadMarkers", err)
		}
		markers[path] = m
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("LoadMarkers", err)
	}
	return markers, nil
}

// SaveMarker upserts the marker for one transmitted inline file.
func (s *Store) SaveMarker(ctx context.Context, sessionID, relPath string, m SentMarker) error {
	return s.withRetry(ctx, "SaveMarker", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sent_files (session_id, rel_path, byte_len, mod_time, sent_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id, rel_path) DO UPDATE SET
				byte_len = excluded.byte_len,
				mod_time = excluded.mod_time,
				sent_at  = excluded.sent_at`,
			sessionID, relPath, m.ByteLen, m.ModTime, time.Now().Unix())
		return err
	})
}

// DeleteMarker drops the marker for one path, forcing a resend on the next
// assembly. Used by the partition watcher when a file changes on disk.
func (s *Store) DeleteMarker(ctx context.Context, sessionID, relPath string) error {
	return s.withRetry(ctx, "DeleteMarker", func() error {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM sent_files WHERE session_id = ? AND rel_path = ?",
			sessionID, relPath)
		return err
	})
}
