package store

import (
	"fmt"

	"go.uber.org/zap"
)

// Schema versions:
// v1: baseline tables (artifacts, collections, session_partitions, sent_files)
// v2: collections.file_count column for stats and prune reporting
const CurrentSchemaVersion = 2

// Migration adds one column to an existing table. Fresh databases get the
// full schema from initialize() plus these migrations in one pass, so each
// migration is checked against the live table before applying.
type Migration struct {
	Table  string
	Column string
	Def    string
}

var pendingMigrations = []Migration{
	{"collections", "file_count", "INTEGER NOT NULL DEFAULT 0"},
}

// runMigrations upgrades an existing database to the current schema version.
func (s *Store) runMigrations() error {
	current, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if current >= CurrentSchemaVersion {
		return nil
	}

	applied := 0
	for _, m := range pendingMigrations {
		if s.columnExists(m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		applied++
	}

	if err := s.setSchemaVersion(CurrentSchemaVersion); err != nil {
		return err
	}
	if applied > 0 {
		s.log.Info("schema migrated",
			zap.Int("from", current), zap.Int("to", CurrentSchemaVersion), zap.Int("applied", applied))
	}
	return nil
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil {
		// No row yet: fresh database.
		return 0, nil
	}
	return version, nil
}

func (s *Store) setSchemaVersion(v int) error {
	if _, err := s.db.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("failed to clear schema version: %w", err)
	}
	if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

func (s *Store) columnExists(table, column string) bool {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
