package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/pders01/fss/internal/submission"
)

// SQLiteStore keeps the snapshot in an SQLite file, one row per submission.
type SQLiteStore struct {
	conn *sql.DB
}

// NewSQLiteStore opens or creates an SQLite snapshot at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Writes are serialized by the cache; one connection keeps WAL simple.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, classify(fmt.Errorf("set wal mode: %w", err))
	}
	s := &SQLiteStore{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, classify(fmt.Errorf("migrate: %w", err))
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY,
		data TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return err
	}
	if _, err := s.conn.Exec(
		"INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', ?)", SchemaVersion,
	); err != nil {
		return err
	}

	var version string
	if err := s.conn.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&version); err != nil {
		return err
	}
	if version != SchemaVersion {
		return fmt.Errorf("%w: schema version %q, want %q", ErrCorrupt, version, SchemaVersion)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (map[int64]submission.Record, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT id, data FROM submissions")
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	records := make(map[int64]submission.Record)
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, classify(err)
		}
		var rec submission.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorrupt, id, err)
		}
		records[rec.ID()] = rec
	}
	return records, classify(rows.Err())
}

func (s *SQLiteStore) Save(ctx context.Context, records []submission.Record) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO submissions (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, rec.ID(), string(data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// classify tags errors that mean the file is not a usable database.
func classify(err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return err
}
