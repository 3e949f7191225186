// Package strategy defines the extraction contract every source kind
// implements, and the typed error taxonomy the orchestrator's retry policy
// keys on.
//
// A Strategy is polymorphic over one capability: fetch raw records for a
// configured source from a cursor. New source kinds are added by
// registering another implementation, not by extending a switch.
package strategy

import (
	"context"
	"encoding/json"

	"github.com/nmoreau/permitwatch/permit"
)

// RawRecord is one opaque source record before normalization.
type RawRecord struct {
	// Fields is the decoded source-shaped record the field mapper walks.
	Fields map[string]any
	// NaturalKey is the source-assigned identifier (permit number, feed
	// GUID, API row id). Empty when the source has none.
	NaturalKey string
	// Raw is the original payload, retained on the canonical record for
	// audit. Never parsed downstream.
	Raw json.RawMessage
}

// Result is a successful fetch outcome. An empty Records slice is a valid,
// non-error result.
type Result struct {
	Records []RawRecord
	// Cursor is the new incremental-fetch checkpoint. The orchestrator
	// persists it only after the whole run for the source commits.
	Cursor string
}

// Strategy fetches raw records for one configured source.
//
// Implementations must be idempotent with respect to the cursor: fetching
// twice from the same cursor returns the same records or a superset, never
// fewer. Transient failures (timeouts, rate limits, 5xx) and permanent
// failures (auth rejected, resource gone, incompatible schema) must be
// distinguished via Transient/Permanent error wrapping.
type Strategy interface {
	Fetch(ctx context.Context, cfg *permit.SourceConfig, cursor string) (*Result, error)
}

// Func adapts a plain function to the Strategy interface.
type Func func(ctx context.Context, cfg *permit.SourceConfig, cursor string) (*Result, error)

// Fetch implements Strategy.
func (f Func) Fetch(ctx context.Context, cfg *permit.SourceConfig, cursor string) (*Result, error) {
	return f(ctx, cfg, cursor)
}
