package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/nmoreau/permitwatch/permit"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	records map[string]map[string]*permit.Record // source_id → record_id → record
	log     []*FetchLogEntry

	// CorruptEntries simulates unreadable stored state: GetEntry for a
	// listed source returns ErrCorrupt.
	CorruptEntries map[string]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		records: make(map[string]map[string]*permit.Record),
	}
}

func (s *MemoryStore) GetEntry(_ context.Context, sourceID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CorruptEntries[sourceID] {
		return nil, ErrCorrupt
	}
	e, ok := s.entries[sourceID]
	if !ok {
		return nil, nil
	}
	return copyEntry(e), nil
}

func (s *MemoryStore) PutEntry(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.SourceID] = copyEntry(e)
	return nil
}

func (s *MemoryStore) ResetEntry(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[sourceID]; ok {
		e.ConsecutiveFailures = 0
		e.Flagged = false
		e.LastError = ""
	}
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, sourceID, recordID string) (*permit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[sourceID][recordID]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) PutRecord(_ context.Context, rec *permit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.records[rec.SourceID]
	if !ok {
		byID = make(map[string]*permit.Record)
		s.records[rec.SourceID] = byID
	}
	cp := *rec
	byID[rec.RecordID] = &cp
	return nil
}

func (s *MemoryStore) ListRecords(_ context.Context, sourceID string, limit int) ([]*permit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*permit.Record
	for _, rec := range s.records[sourceID] {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt > out[j].LastSeenAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertFetchLog(_ context.Context, e *FetchLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.log = append(s.log, &cp)
	return nil
}

func (s *MemoryStore) FetchHistory(_ context.Context, sourceID string, limit int) ([]*FetchLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*FetchLogEntry
	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].SourceID == sourceID {
			cp := *s.log[i]
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	cp.Known = make(map[string]KnownRecord, len(e.Known))
	for k, v := range e.Known {
		cp.Known[k] = v
	}
	return &cp
}
