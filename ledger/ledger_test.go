package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nmoreau/permitwatch/permit"
)

func testLedger(t *testing.T, store Store, cfg Config) *Ledger {
	t.Helper()
	return NewLedger(store, cfg, nil)
}

func rec(id, fingerprint string) *permit.Record {
	return &permit.Record{RecordID: id, ContentFingerprint: fingerprint}
}

func TestNewLedger_Defaults(t *testing.T) {
	// WHAT: A zero-value config gets retention and threshold defaults, and
	// the constructor is usable alongside the New classification constant.
	l := NewLedger(NewMemoryStore(), Config{}, nil)
	if l.config.Retention != 180*24*time.Hour {
		t.Errorf("Retention = %v", l.config.Retention)
	}
	if l.config.FailThreshold != 10 {
		t.Errorf("FailThreshold = %d", l.config.FailThreshold)
	}
	if got := Classify(l.fresh("s"), rec("feed:a", "f1")); got != New {
		t.Errorf("fresh-entry classification = %q", got)
	}
}

func TestClassify_Transitions(t *testing.T) {
	// WHAT: Unseen id → NEW, seen with different fingerprint → CHANGED,
	// same fingerprint → UNCHANGED.
	// WHY: These three answers are the whole point of the ledger.
	e := &Entry{SourceID: "s", Known: map[string]KnownRecord{
		"rest_api:BP-1": {Fingerprint: "f1"},
	}}

	if got := Classify(e, rec("rest_api:BP-2", "f9")); got != New {
		t.Errorf("unseen = %q", got)
	}
	if got := Classify(e, rec("rest_api:BP-1", "f2")); got != Changed {
		t.Errorf("changed fingerprint = %q", got)
	}
	if got := Classify(e, rec("rest_api:BP-1", "f1")); got != Unchanged {
		t.Errorf("same fingerprint = %q", got)
	}
}

func TestLoad_FirstRun(t *testing.T) {
	// WHAT: Loading an unseen source yields a fresh entry with an empty
	// known set and empty cursor.
	l := testLedger(t, NewMemoryStore(), Config{})
	e, err := l.Load(context.Background(), "new-source")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e.Cursor != "" || len(e.Known) != 0 {
		t.Errorf("fresh entry not empty: %+v", e)
	}
}

func TestLoad_CorruptDegradesToFirstRun(t *testing.T) {
	// WHAT: A corrupt stored entry loads as a fresh entry instead of failing.
	// WHY: Every record re-classifying NEW is safe; blocking the source on
	// unreadable state is not. The event is logged loudly, not swallowed.
	store := NewMemoryStore()
	store.CorruptEntries = map[string]bool{"s": true}
	l := testLedger(t, store, Config{})

	e, err := l.Load(context.Background(), "s")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(e.Known) != 0 || e.Cursor != "" {
		t.Errorf("corrupt entry not degraded to fresh: %+v", e)
	}
}

func TestAdvance_CommitsCursorAndKnown(t *testing.T) {
	// WHAT: Advance persists the new cursor, merges processed ids, resets
	// the failure counter, and stamps success.
	// WHY: Advance is the single commit point of a successful run.
	store := NewMemoryStore()
	l := testLedger(t, store, Config{})
	ctx := context.Background()

	e, _ := l.Load(ctx, "s")
	e.ConsecutiveFailures = 3
	err := l.Advance(ctx, e, "cursor-v2", []Processed{
		{RecordID: "feed:a", Fingerprint: "f1"},
		{RecordID: "feed:b", Fingerprint: "f2"},
	})
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	stored, _ := l.Load(ctx, "s")
	if stored.Cursor != "cursor-v2" {
		t.Errorf("cursor = %q", stored.Cursor)
	}
	if len(stored.Known) != 2 {
		t.Errorf("known = %v", stored.Known)
	}
	if stored.ConsecutiveFailures != 0 {
		t.Errorf("failures not reset: %d", stored.ConsecutiveFailures)
	}
	if stored.LastSuccessAt == 0 {
		t.Error("LastSuccessAt not stamped")
	}
}

func TestAdvance_PrunesOldIdentities(t *testing.T) {
	// WHAT: Ids unseen past the retention window age out on Advance; ids
	// refreshed by the run survive.
	// WHY: Known-id memory must stay bounded for sources that churn.
	store := NewMemoryStore()
	l := testLedger(t, store, Config{Retention: 30 * 24 * time.Hour})
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }

	e, _ := l.Load(ctx, "s")
	if err := l.Advance(ctx, e, "c1", []Processed{
		{RecordID: "feed:old", Fingerprint: "f"},
		{RecordID: "feed:fresh", Fingerprint: "f"},
	}); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	// 40 days later only "fresh" shows up again.
	l.now = func() time.Time { return base.Add(40 * 24 * time.Hour) }
	e, _ = l.Load(ctx, "s")
	if err := l.Advance(ctx, e, "c2", []Processed{
		{RecordID: "feed:fresh", Fingerprint: "f"},
	}); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	stored, _ := l.Load(ctx, "s")
	if _, ok := stored.Known["feed:old"]; ok {
		t.Error("stale id survived retention")
	}
	if _, ok := stored.Known["feed:fresh"]; !ok {
		t.Error("refreshed id pruned")
	}
}

func TestAdvance_PreservesFirstSeen(t *testing.T) {
	// WHAT: Re-processing a known id keeps its original FirstSeenAt.
	// WHY: First-seen is provenance; it must not drift on every run.
	store := NewMemoryStore()
	l := testLedger(t, store, Config{})
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }
	e, _ := l.Load(ctx, "s")
	_ = l.Advance(ctx, e, "c1", []Processed{{RecordID: "feed:a", Fingerprint: "f1"}})

	l.now = func() time.Time { return base.Add(time.Hour) }
	e, _ = l.Load(ctx, "s")
	_ = l.Advance(ctx, e, "c2", []Processed{{RecordID: "feed:a", Fingerprint: "f2"}})

	stored, _ := l.Load(ctx, "s")
	k := stored.Known["feed:a"]
	if k.FirstSeenAt != base.UnixMilli() {
		t.Errorf("FirstSeenAt drifted: %d vs %d", k.FirstSeenAt, base.UnixMilli())
	}
	if k.Fingerprint != "f2" {
		t.Errorf("fingerprint not updated: %q", k.Fingerprint)
	}
}

func TestRecordFailure_KeepsCursor(t *testing.T) {
	// WHAT: A failed run increments the counter but leaves the cursor alone.
	// WHY: The next run must resume from the last good checkpoint
	// (at-least-once delivery).
	store := NewMemoryStore()
	l := testLedger(t, store, Config{})
	ctx := context.Background()

	e, _ := l.Load(ctx, "s")
	_ = l.Advance(ctx, e, "good-cursor", nil)

	e, _ = l.Load(ctx, "s")
	if err := l.RecordFailure(ctx, e, errors.New("http 500"), false); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	stored, _ := l.Load(ctx, "s")
	if stored.Cursor != "good-cursor" {
		t.Errorf("cursor moved on failure: %q", stored.Cursor)
	}
	if stored.ConsecutiveFailures != 1 {
		t.Errorf("failures = %d", stored.ConsecutiveFailures)
	}
	if stored.Flagged {
		t.Error("flagged after a single transient failure")
	}
}

func TestRecordFailure_FlagsOnThreshold(t *testing.T) {
	// WHAT: Crossing the consecutive-failure threshold flags the source.
	// WHY: Silent perpetual failure is the worst operator experience.
	store := NewMemoryStore()
	l := testLedger(t, store, Config{FailThreshold: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e, _ := l.Load(ctx, "s")
		_ = l.RecordFailure(ctx, e, errors.New("http 500"), false)
	}
	stored, _ := l.Load(ctx, "s")
	if !stored.Flagged {
		t.Errorf("not flagged after %d failures", stored.ConsecutiveFailures)
	}
}

func TestRecordFailure_FlagsImmediatelyOnPermanent(t *testing.T) {
	// WHAT: One permanent failure flags the source right away.
	// WHY: A 403 will not heal with retries; the operator has to act.
	store := NewMemoryStore()
	l := testLedger(t, store, Config{})
	ctx := context.Background()

	e, _ := l.Load(ctx, "s")
	_ = l.RecordFailure(ctx, e, errors.New("http 403"), true)

	stored, _ := l.Load(ctx, "s")
	if !stored.Flagged {
		t.Error("permanent failure did not flag")
	}
	if stored.LastError == "" {
		t.Error("LastError empty")
	}
}

func TestResetEntry_ClearsFailureState(t *testing.T) {
	// WHAT: Operator reset clears the flag, counter, and last error.
	// WHY: After fixing credentials the source must rejoin the schedule.
	store := NewMemoryStore()
	l := testLedger(t, store, Config{})
	ctx := context.Background()

	e, _ := l.Load(ctx, "s")
	_ = l.RecordFailure(ctx, e, errors.New("http 403"), true)
	if err := store.ResetEntry(ctx, "s"); err != nil {
		t.Fatalf("ResetEntry: %v", err)
	}

	stored, _ := l.Load(ctx, "s")
	if stored.Flagged || stored.ConsecutiveFailures != 0 || stored.LastError != "" {
		t.Errorf("reset incomplete: %+v", stored)
	}
}
