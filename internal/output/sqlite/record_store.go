// Package sqlite keeps crawl records in a local SQLite database so a single
// binary can persist results without an external server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS crawl_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	url TEXT NOT NULL,
	depth INTEGER NOT NULL,
	title TEXT,
	strategy TEXT,
	data TEXT,
	reason TEXT,
	recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_crawl_records_session ON crawl_records(session_id);
`

// RecordStore writes crawl records into one SQLite file.
type RecordStore struct {
	db   *sql.DB
	path string
}

// Open creates the database file and schema at path if needed.
func Open(ctx context.Context, path string) (*RecordStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &RecordStore{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *RecordStore) Path() string {
	return s.path
}

// Close releases the database handle.
func (s *RecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Emit inserts rec. Page content is stored as JSON text.
func (s *RecordStore) Emit(ctx context.Context, rec crawler.Record) error {
	if rec.SessionID == "" {
		return errors.New("session id is required")
	}
	var data sql.NullString
	if rec.Data != nil {
		encoded, err := json.Marshal(rec.Data)
		if err != nil {
			return fmt.Errorf("marshal page data: %w", err)
		}
		data = sql.NullString{String: string(encoded), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO crawl_records (session_id, kind, url, depth, title, strategy, data, reason, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID,
		string(rec.Kind),
		rec.URL,
		rec.Depth,
		rec.Title,
		string(rec.Strategy),
		data,
		rec.Reason,
		rec.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert crawl record: %w", err)
	}
	return nil
}

// Records returns every record of sessionID in insertion order.
func (s *RecordStore) Records(ctx context.Context, sessionID string) ([]crawler.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, kind, url, depth, title, strategy, data, reason, recorded_at
FROM crawl_records WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query crawl records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []crawler.Record
	for rows.Next() {
		var (
			rec                    crawler.Record
			kind, strategy, ts     string
			title, reason, payload sql.NullString
		)
		if err := rows.Scan(&rec.SessionID, &kind, &rec.URL, &rec.Depth, &title, &strategy, &payload, &reason, &ts); err != nil {
			return nil, fmt.Errorf("scan crawl record: %w", err)
		}
		rec.Kind = crawler.RecordKind(kind)
		rec.Strategy = crawler.Strategy(strategy)
		rec.Title = title.String
		rec.Reason = reason.String
		if payload.Valid {
			var content crawler.ExtractedContent
			if err := json.Unmarshal([]byte(payload.String), &content); err != nil {
				return nil, fmt.Errorf("decode page data: %w", err)
			}
			rec.Data = &content
		}
		recordedAt, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		rec.RecordedAt = recordedAt
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl records: %w", err)
	}
	return out, nil
}
