// Package ingest drives one fetch cycle across configured sources.
//
// Each source runs an explicit state machine — IDLE → FETCHING → (SUCCESS |
// TRANSIENT_FAILURE | PERMANENT_FAILURE) → IDLE — with retry/backoff inside
// a run, bounded concurrency across sources, and mutual exclusion per
// source id. Sources are isolated: one source's failure never blocks or
// corrupts another's run.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nmoreau/permitwatch/fieldmap"
	"github.com/nmoreau/permitwatch/idgen"
	"github.com/nmoreau/permitwatch/ledger"
	"github.com/nmoreau/permitwatch/permit"
	"github.com/nmoreau/permitwatch/registry"
	"github.com/nmoreau/permitwatch/strategy"
)

// Status is the terminal state of one source's run.
type Status string

const (
	StatusSuccess          Status = "SUCCESS"
	StatusTransientFailure Status = "TRANSIENT_FAILURE"
	StatusPermanentFailure Status = "PERMANENT_FAILURE"
)

// SourceResult summarizes one source's run for the operator.
type SourceResult struct {
	SourceID   string `json:"source_id"`
	Status     Status `json:"status"`
	New        int    `json:"new"`
	Changed    int    `json:"changed"`
	Unchanged  int    `json:"unchanged"`
	Skipped    int    `json:"skipped"` // raw records dropped within the run
	Err        string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Sink receives NEW and CHANGED canonical records — the boundary to the
// external enrichment pipeline. Each qualifying record is delivered at
// least once per run and never duplicated within a run.
type Sink interface {
	Emit(ctx context.Context, rec *permit.Record, cls ledger.Classification) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec *permit.Record, cls ledger.Classification) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, rec *permit.Record, cls ledger.Classification) error {
	return f(ctx, rec, cls)
}

// Config configures the orchestrator.
type Config struct {
	// MaxConcurrent bounds sources fetched in parallel. Default: 4.
	MaxConcurrent int
	// MaxAttempts per source within one run. Default: 3.
	MaxAttempts int
	// BaseBackoff between retries, doubled per attempt. Default: 2s.
	BaseBackoff time.Duration
}

func (c *Config) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
}

// Orchestrator runs ingestion cycles.
type Orchestrator struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	sink     Sink
	config   Config
	logger   *slog.Logger
	newID    func() string

	// locks serializes runs per source id: at most one in-flight run per
	// source, preventing races on its ledger entry.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an Orchestrator.
func New(reg *registry.Registry, led *ledger.Ledger, sink Sink, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: reg,
		ledger:   led,
		sink:     sink,
		config:   cfg,
		logger:   logger,
		newID:    idgen.Prefixed("fetch_", idgen.Default),
		locks:    make(map[string]*sync.Mutex),
	}
}

// RunCycle fetches every enabled source (or just sourceFilter when set) and
// returns a per-source result summary. It only errors for run-level
// problems; per-source failures are reported in the results.
func (o *Orchestrator) RunCycle(ctx context.Context, sources []*permit.SourceConfig, sourceFilter string) (map[string]*SourceResult, error) {
	var selected []*permit.SourceConfig
	for _, sc := range sources {
		if sourceFilter != "" && sc.SourceID != sourceFilter {
			continue
		}
		if !sc.Enabled && sourceFilter == "" {
			continue
		}
		selected = append(selected, sc)
	}
	if sourceFilter != "" && len(selected) == 0 {
		return nil, fmt.Errorf("ingest: unknown source %q", sourceFilter)
	}

	results := make(map[string]*SourceResult, len(selected))
	var resultsMu sync.Mutex
	sem := make(chan struct{}, o.config.MaxConcurrent)
	var wg sync.WaitGroup

	for _, sc := range selected {
		wg.Add(1)
		go func(sc *permit.SourceConfig) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res := o.runSource(ctx, sc)
			resultsMu.Lock()
			results[sc.SourceID] = res
			resultsMu.Unlock()
		}(sc)
	}
	wg.Wait()

	return results, nil
}

// sourceLock returns the mutex guarding one source id.
func (o *Orchestrator) sourceLock(sourceID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	mu, ok := o.locks[sourceID]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[sourceID] = mu
	}
	return mu
}

// runSource executes the full state machine for one source. Failures stay
// inside the returned result; panics from a strategy are contained so a
// misbehaving scraper cannot take down the cycle.
func (o *Orchestrator) runSource(ctx context.Context, sc *permit.SourceConfig) (res *SourceResult) {
	mu := o.sourceLock(sc.SourceID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	log := o.logger.With("source_id", sc.SourceID, "kind", sc.Kind)
	res = &SourceResult{SourceID: sc.SourceID}
	defer func() {
		if r := recover(); r != nil {
			log.Error("ingest: panic in source run", "panic", r)
			res.Status = StatusTransientFailure
			res.Err = fmt.Sprintf("panic: %v", r)
		}
		res.DurationMs = time.Since(start).Milliseconds()
	}()

	// Resolution failures are configuration errors: permanent, no retry.
	strat, err := o.registry.Resolve(sc)
	if err != nil {
		log.Error("ingest: resolve strategy", "error", err)
		res.Status = StatusPermanentFailure
		res.Err = err.Error()
		o.finishFailure(ctx, sc, err, true, res, start)
		return res
	}

	entry, err := o.ledger.Load(ctx, sc.SourceID)
	if err != nil {
		// Ledger storage unreachable — transient, nothing to corrupt.
		log.Error("ingest: load ledger", "error", err)
		res.Status = StatusTransientFailure
		res.Err = err.Error()
		return res
	}

	var fetched *strategy.Result
	fetchErr := withRetry(ctx, o.config.MaxAttempts, o.config.BaseBackoff, log,
		func(ctx context.Context) error {
			fetchCtx := ctx
			if sc.Timeout > 0 {
				var cancel context.CancelFunc
				fetchCtx, cancel = context.WithTimeout(ctx, time.Duration(sc.Timeout)*time.Millisecond)
				defer cancel()
			}
			r, err := strat.Fetch(fetchCtx, sc, entry.Cursor)
			if err != nil {
				return err
			}
			fetched = r
			return nil
		})

	if fetchErr != nil {
		permanent := strategy.IsPermanent(fetchErr)
		if permanent {
			res.Status = StatusPermanentFailure
		} else {
			// Cursor untouched: the next scheduled run re-attempts from the
			// same checkpoint (at-least-once).
			res.Status = StatusTransientFailure
		}
		res.Err = fetchErr.Error()
		log.Warn("ingest: fetch failed", "status", res.Status, "error", fetchErr)
		o.finishFailure(ctx, sc, fetchErr, permanent, res, start)
		return res
	}

	if err := o.commit(ctx, sc, entry, fetched, res, log); err != nil {
		res.Status = StatusTransientFailure
		res.Err = err.Error()
		log.Warn("ingest: commit failed", "error", err)
		o.finishFailure(ctx, sc, err, false, res, start)
		return res
	}

	res.Status = StatusSuccess
	o.logFetch(ctx, sc.SourceID, "ok", "", res, start)
	log.Info("ingest: source done",
		"new", res.New, "changed", res.Changed, "unchanged", res.Unchanged,
		"skipped", res.Skipped, "duration_ms", res.DurationMs)
	return res
}

// commit normalizes, classifies, persists, and emits — then advances the
// ledger as the single commit point. Record order from the strategy is
// preserved; duplicates within the batch collapse to their first
// occurrence.
func (o *Orchestrator) commit(ctx context.Context, sc *permit.SourceConfig,
	entry *ledger.Entry, fetched *strategy.Result, res *SourceResult, log *slog.Logger) error {

	now := time.Now().UnixMilli()
	seen := make(map[string]bool, len(fetched.Records))
	processed := make([]ledger.Processed, 0, len(fetched.Records))

	for i, raw := range fetched.Records {
		mapped, notes := fieldmap.Normalize(raw.Fields, sc.Mapping)
		for _, n := range notes {
			log.Warn("ingest: field note", "row", i, "field", n.Field, "reason", n.Reason)
		}

		fields := permit.Fields(mapped)
		recordID := permit.ComputeRecordID(sc.Kind, raw.NaturalKey, fields)
		if seen[recordID] {
			res.Skipped++
			continue
		}
		seen[recordID] = true

		rec := &permit.Record{
			RecordID:           recordID,
			SourceKind:         sc.Kind,
			SourceID:           sc.SourceID,
			RecordType:         sc.RecordType,
			Fields:             fields,
			RawPayload:         raw.Raw,
			ContentFingerprint: permit.Fingerprint(fields),
			LastSeenAt:         now,
		}

		cls := ledger.Classify(entry, rec)
		if known, ok := entry.Known[recordID]; ok {
			rec.FirstSeenAt = known.FirstSeenAt
		} else {
			rec.FirstSeenAt = now
		}

		if err := o.ledger.Store().PutRecord(ctx, rec); err != nil {
			return fmt.Errorf("put record %s: %w", recordID, err)
		}

		switch cls {
		case ledger.New:
			res.New++
		case ledger.Changed:
			res.Changed++
		case ledger.Unchanged:
			res.Unchanged++
		}

		if cls != ledger.Unchanged && o.sink != nil {
			if err := o.sink.Emit(ctx, rec, cls); err != nil {
				// Emission failure means the run did not deliver; leaving
				// the cursor alone makes the next run re-attempt.
				return fmt.Errorf("emit %s: %w", recordID, err)
			}
		}

		processed = append(processed, ledger.Processed{
			RecordID:    recordID,
			Fingerprint: rec.ContentFingerprint,
		})
	}

	return o.ledger.Advance(ctx, entry, fetched.Cursor, processed)
}

// finishFailure records the failure in the ledger and the fetch log.
func (o *Orchestrator) finishFailure(ctx context.Context, sc *permit.SourceConfig,
	failErr error, permanent bool, res *SourceResult, start time.Time) {

	entry, err := o.ledger.Load(ctx, sc.SourceID)
	if err == nil {
		if err := o.ledger.RecordFailure(ctx, entry, failErr, permanent); err != nil {
			o.logger.Error("ingest: record failure", "source_id", sc.SourceID, "error", err)
		}
	}
	status := "transient_failure"
	if permanent {
		status = "permanent_failure"
	}
	o.logFetch(ctx, sc.SourceID, status, failErr.Error(), res, start)
}

func (o *Orchestrator) logFetch(ctx context.Context, sourceID, status, errMsg string, res *SourceResult, start time.Time) {
	err := o.ledger.Store().InsertFetchLog(ctx, &ledger.FetchLogEntry{
		ID:           o.newID(),
		SourceID:     sourceID,
		Status:       status,
		ErrorMessage: errMsg,
		NewCount:     res.New,
		ChangedCount: res.Changed,
		DurationMs:   time.Since(start).Milliseconds(),
		FetchedAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		o.logger.Warn("ingest: fetch log insert failed", "source_id", sourceID, "error", err)
	}
}
