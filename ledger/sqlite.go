package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nmoreau/permitwatch/dbopen"
	"github.com/nmoreau/permitwatch/permit"
)

// Schema is the ledger schema. Timestamps are Unix milliseconds.
const Schema = `
-- Per-source fetch checkpoints
CREATE TABLE IF NOT EXISTS ledger_entries (
    source_id            TEXT PRIMARY KEY,
    last_run_at          INTEGER NOT NULL DEFAULT 0,
    last_success_at      INTEGER NOT NULL DEFAULT 0,
    cursor               TEXT NOT NULL DEFAULT '',
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    flagged              INTEGER NOT NULL DEFAULT 0,
    last_error           TEXT NOT NULL DEFAULT ''
);

-- Seen record identities per source
CREATE TABLE IF NOT EXISTS known_records (
    source_id    TEXT NOT NULL,
    record_id    TEXT NOT NULL,
    fingerprint  TEXT NOT NULL,
    first_seen_at INTEGER NOT NULL,
    last_seen_at  INTEGER NOT NULL,
    PRIMARY KEY (source_id, record_id)
);
CREATE INDEX IF NOT EXISTS idx_known_last_seen ON known_records(source_id, last_seen_at);

-- Canonical records, keyed by record_id within source_id namespace
CREATE TABLE IF NOT EXISTS records (
    source_id           TEXT NOT NULL,
    record_id           TEXT NOT NULL,
    source_kind         TEXT NOT NULL,
    record_type         TEXT NOT NULL,
    fields_json         TEXT NOT NULL,
    raw_payload         BLOB,
    content_fingerprint TEXT NOT NULL,
    first_seen_at       INTEGER NOT NULL,
    last_seen_at        INTEGER NOT NULL,
    PRIMARY KEY (source_id, record_id)
);

-- Fetch attempts (observability)
CREATE TABLE IF NOT EXISTS fetch_log (
    id            TEXT PRIMARY KEY,
    source_id     TEXT NOT NULL,
    status        TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    new_count     INTEGER NOT NULL DEFAULT 0,
    changed_count INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    fetched_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_log_source ON fetch_log(source_id, fetched_at DESC);
`

// SQLiteStore persists ledger state in SQLite.
type SQLiteStore struct {
	DB *sql.DB
}

// NewSQLiteStore wraps an already-opened database and applies the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	return &SQLiteStore{DB: db}, nil
}

// GetEntry loads an entry with its known-record set. Nil when absent.
func (s *SQLiteStore) GetEntry(ctx context.Context, sourceID string) (*Entry, error) {
	e := &Entry{SourceID: sourceID, Known: make(map[string]KnownRecord)}
	var flagged int
	err := s.DB.QueryRowContext(ctx,
		`SELECT last_run_at, last_success_at, cursor, consecutive_failures, flagged, last_error
		FROM ledger_entries WHERE source_id = ?`, sourceID).
		Scan(&e.LastRunAt, &e.LastSuccessAt, &e.Cursor, &e.ConsecutiveFailures, &flagged, &e.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	e.Flagged = flagged != 0

	rows, err := s.DB.QueryContext(ctx,
		`SELECT record_id, fingerprint, first_seen_at, last_seen_at
		FROM known_records WHERE source_id = ?`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var k KnownRecord
		if err := rows.Scan(&id, &k.Fingerprint, &k.FirstSeenAt, &k.LastSeenAt); err != nil {
			return nil, fmt.Errorf("%w: known record: %v", ErrCorrupt, err)
		}
		e.Known[id] = k
	}
	return e, rows.Err()
}

// PutEntry persists the entry and its known set in one transaction,
// retrying on SQLITE_BUSY.
func (s *SQLiteStore) PutEntry(ctx context.Context, e *Entry) error {
	flagged := 0
	if e.Flagged {
		flagged = 1
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (source_id, last_run_at, last_success_at, cursor, consecutive_failures, flagged, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_id) DO UPDATE SET
			last_run_at=excluded.last_run_at, last_success_at=excluded.last_success_at,
			cursor=excluded.cursor, consecutive_failures=excluded.consecutive_failures,
			flagged=excluded.flagged, last_error=excluded.last_error`,
			e.SourceID, e.LastRunAt, e.LastSuccessAt, e.Cursor, e.ConsecutiveFailures, flagged, e.LastError)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM known_records WHERE source_id = ?`, e.SourceID); err != nil {
			return err
		}
		for id, k := range e.Known {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO known_records (source_id, record_id, fingerprint, first_seen_at, last_seen_at)
				VALUES (?, ?, ?, ?, ?)`,
				e.SourceID, id, k.Fingerprint, k.FirstSeenAt, k.LastSeenAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResetEntry clears failure state and the operator flag.
func (s *SQLiteStore) ResetEntry(ctx context.Context, sourceID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE ledger_entries SET consecutive_failures=0, flagged=0, last_error=''
		WHERE source_id = ?`, sourceID)
	return err
}

// GetRecord returns one canonical record, or nil when absent.
func (s *SQLiteStore) GetRecord(ctx context.Context, sourceID, recordID string) (*permit.Record, error) {
	rec := &permit.Record{SourceID: sourceID, RecordID: recordID}
	var fieldsJSON string
	var rawPayload []byte // raw_payload is nullable; scan via []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT source_kind, record_type, fields_json, raw_payload, content_fingerprint, first_seen_at, last_seen_at
		FROM records WHERE source_id = ? AND record_id = ?`, sourceID, recordID).
		Scan(&rec.SourceKind, &rec.RecordType, &fieldsJSON, &rawPayload,
			&rec.ContentFingerprint, &rec.FirstSeenAt, &rec.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(rawPayload) > 0 {
		rec.RawPayload = json.RawMessage(rawPayload)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("ledger: decode fields for %s/%s: %w", sourceID, recordID, err)
	}
	return rec, nil
}

// PutRecord upserts a canonical record.
func (s *SQLiteStore) PutRecord(ctx context.Context, rec *permit.Record) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("ledger: encode fields: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO records (source_id, record_id, source_kind, record_type, fields_json,
		raw_payload, content_fingerprint, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, record_id) DO UPDATE SET
		fields_json=excluded.fields_json, raw_payload=excluded.raw_payload,
		content_fingerprint=excluded.content_fingerprint, last_seen_at=excluded.last_seen_at`,
		rec.SourceID, rec.RecordID, rec.SourceKind, rec.RecordType, string(fieldsJSON),
		[]byte(rec.RawPayload), rec.ContentFingerprint, rec.FirstSeenAt, rec.LastSeenAt)
	return err
}

// ListRecords returns recent records for a source, newest last-seen first.
func (s *SQLiteStore) ListRecords(ctx context.Context, sourceID string, limit int) ([]*permit.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT record_id, source_kind, record_type, fields_json, raw_payload,
		content_fingerprint, first_seen_at, last_seen_at
		FROM records WHERE source_id = ? ORDER BY last_seen_at DESC LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*permit.Record
	for rows.Next() {
		rec := &permit.Record{SourceID: sourceID}
		var fieldsJSON string
		var rawPayload []byte
		if err := rows.Scan(&rec.RecordID, &rec.SourceKind, &rec.RecordType, &fieldsJSON,
			&rawPayload, &rec.ContentFingerprint, &rec.FirstSeenAt, &rec.LastSeenAt); err != nil {
			return nil, err
		}
		if len(rawPayload) > 0 {
			rec.RawPayload = json.RawMessage(rawPayload)
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return nil, fmt.Errorf("ledger: decode fields for %s/%s: %w", sourceID, rec.RecordID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertFetchLog records one fetch attempt.
func (s *SQLiteStore) InsertFetchLog(ctx context.Context, e *FetchLogEntry) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO fetch_log (id, source_id, status, error_message, new_count, changed_count, duration_ms, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SourceID, e.Status, e.ErrorMessage, e.NewCount, e.ChangedCount, e.DurationMs, e.FetchedAt)
	return err
}

// FetchHistory returns recent fetch attempts for a source, newest first.
func (s *SQLiteStore) FetchHistory(ctx context.Context, sourceID string, limit int) ([]*FetchLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, source_id, status, error_message, new_count, changed_count, duration_ms, fetched_at
		FROM fetch_log WHERE source_id = ? ORDER BY fetched_at DESC LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FetchLogEntry
	for rows.Next() {
		e := &FetchLogEntry{}
		if err := rows.Scan(&e.ID, &e.SourceID, &e.Status, &e.ErrorMessage,
			&e.NewCount, &e.ChangedCount, &e.DurationMs, &e.FetchedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
