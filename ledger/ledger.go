// Package ledger tracks previously-seen record identities and per-source
// fetch checkpoints, so repeated ingestion runs surface only new or changed
// data.
//
// The ledger is the only mutable shared state in the core. It is owned by
// the orchestrator and mutated solely through Advance and RecordFailure;
// Advance is the commit point of a source's run — fully applied or not
// applied at all.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nmoreau/permitwatch/permit"
)

// Classification of one record against the ledger.
type Classification string

const (
	New       Classification = "NEW"
	Changed   Classification = "CHANGED"
	Unchanged Classification = "UNCHANGED"
)

// KnownRecord is the ledger's memory of one record identity.
type KnownRecord struct {
	Fingerprint string
	FirstSeenAt int64 // unix ms
	LastSeenAt  int64 // unix ms
}

// Entry is the per-source ledger state.
type Entry struct {
	SourceID            string
	LastRunAt           int64 // unix ms
	LastSuccessAt       int64 // unix ms
	Cursor              string
	ConsecutiveFailures int
	// Flagged marks the source for operator attention. Set on permanent
	// failure or when failures exceed the threshold; cleared by Reset.
	Flagged   bool
	LastError string
	Known     map[string]KnownRecord
}

// ErrCorrupt wraps a stored entry that cannot be decoded. Callers treat it
// as "no ledger" and log loudly — never silently swallowed.
var ErrCorrupt = errors.New("ledger: corrupt entry")

// Store is the persistence contract. The core assumes no particular engine.
type Store interface {
	// GetEntry returns the entry for a source, or nil when none exists.
	GetEntry(ctx context.Context, sourceID string) (*Entry, error)
	PutEntry(ctx context.Context, e *Entry) error
	// ResetEntry clears failure state and the flag (operator action).
	ResetEntry(ctx context.Context, sourceID string) error

	GetRecord(ctx context.Context, sourceID, recordID string) (*permit.Record, error)
	PutRecord(ctx context.Context, rec *permit.Record) error
	ListRecords(ctx context.Context, sourceID string, limit int) ([]*permit.Record, error)

	// InsertFetchLog records one fetch attempt for observability.
	InsertFetchLog(ctx context.Context, e *FetchLogEntry) error
	FetchHistory(ctx context.Context, sourceID string, limit int) ([]*FetchLogEntry, error)
}

// FetchLogEntry is one fetch attempt, success or failure.
type FetchLogEntry struct {
	ID           string
	SourceID     string
	Status       string // "ok", "transient_failure", "permanent_failure"
	ErrorMessage string
	NewCount     int
	ChangedCount int
	DurationMs   int64
	FetchedAt    int64 // unix ms
}

// Config configures the Ledger.
type Config struct {
	// Retention bounds known-record memory. Ids whose LastSeenAt is older
	// are pruned. Default: 180 days.
	Retention time.Duration
	// FailThreshold flags a source after this many consecutive transient
	// failures. Default: 10.
	FailThreshold int
}

func (c *Config) defaults() {
	if c.Retention <= 0 {
		c.Retention = 180 * 24 * time.Hour
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 10
	}
}

// Ledger applies dedup and checkpoint policy on top of a Store.
type Ledger struct {
	store  Store
	config Config
	logger *slog.Logger
	now    func() time.Time // injectable clock for tests
}

// NewLedger creates a Ledger. The name avoids the package's New
// classification constant.
func NewLedger(store Store, cfg Config, logger *slog.Logger) *Ledger {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, config: cfg, logger: logger, now: time.Now}
}

// Load fetches the entry for a source, creating a fresh one on first run.
// A corrupt stored entry degrades to a fresh entry: every record will
// classify NEW, which is safe, and the event is logged as a data-quality
// problem.
func (l *Ledger) Load(ctx context.Context, sourceID string) (*Entry, error) {
	e, err := l.store.GetEntry(ctx, sourceID)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			l.logger.Error("ledger: corrupt entry, proceeding as first run",
				"source_id", sourceID, "error", err)
			return l.fresh(sourceID), nil
		}
		return nil, fmt.Errorf("ledger: load %s: %w", sourceID, err)
	}
	if e == nil {
		return l.fresh(sourceID), nil
	}
	if e.Known == nil {
		e.Known = make(map[string]KnownRecord)
	}
	return e, nil
}

func (l *Ledger) fresh(sourceID string) *Entry {
	return &Entry{SourceID: sourceID, Known: make(map[string]KnownRecord)}
}

// Classify compares a canonical record against the entry's known ids:
// NEW when the id is unseen, CHANGED when seen with a different
// fingerprint, UNCHANGED otherwise. Pure — no state is mutated.
func Classify(e *Entry, rec *permit.Record) Classification {
	known, ok := e.Known[rec.RecordID]
	if !ok {
		return New
	}
	if known.Fingerprint != rec.ContentFingerprint {
		return Changed
	}
	return Unchanged
}

// Processed is one record id committed by a successful run.
type Processed struct {
	RecordID    string
	Fingerprint string
}

// Advance commits a successful run: updates the cursor, merges processed
// ids into the known set, prunes ids past retention, resets the failure
// counter, and persists — the single atomic commit point for the source.
func (l *Ledger) Advance(ctx context.Context, e *Entry, cursor string, processed []Processed) error {
	now := l.now().UnixMilli()

	for _, p := range processed {
		known, ok := e.Known[p.RecordID]
		if !ok {
			known = KnownRecord{FirstSeenAt: now}
		}
		known.Fingerprint = p.Fingerprint
		known.LastSeenAt = now
		e.Known[p.RecordID] = known
	}

	// Prune: ids unseen for the retention window age out. A record that
	// ages out of both the source and the ledger together re-classifies
	// NEW if it ever returns — accepted false-negative at long horizons.
	cutoff := now - l.config.Retention.Milliseconds()
	for id, known := range e.Known {
		if known.LastSeenAt < cutoff {
			delete(e.Known, id)
		}
	}

	e.Cursor = cursor
	e.LastRunAt = now
	e.LastSuccessAt = now
	e.ConsecutiveFailures = 0
	e.LastError = ""

	if err := l.store.PutEntry(ctx, e); err != nil {
		return fmt.Errorf("ledger: advance %s: %w", e.SourceID, err)
	}
	return nil
}

// RecordFailure registers a failed run. The cursor is untouched so the
// next run resumes from the same checkpoint. Permanent failures and
// threshold breaches flag the source for operator attention; disabling is
// left to the orchestrator, explicitly and logged.
func (l *Ledger) RecordFailure(ctx context.Context, e *Entry, failErr error, permanent bool) error {
	now := l.now().UnixMilli()
	e.LastRunAt = now
	e.ConsecutiveFailures++
	if failErr != nil {
		e.LastError = failErr.Error()
	}

	if permanent || e.ConsecutiveFailures >= l.config.FailThreshold {
		if !e.Flagged {
			l.logger.Warn("ledger: source flagged for operator attention",
				"source_id", e.SourceID,
				"permanent", permanent,
				"consecutive_failures", e.ConsecutiveFailures)
		}
		e.Flagged = true
	}

	if err := l.store.PutEntry(ctx, e); err != nil {
		return fmt.Errorf("ledger: record failure %s: %w", e.SourceID, err)
	}
	return nil
}

// Store exposes the underlying store for read paths (history, records).
func (l *Ledger) Store() Store { return l.store }
