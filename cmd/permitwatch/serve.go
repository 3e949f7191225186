package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nmoreau/permitwatch/permit"
)

// pollTick is how often the scheduler checks for due sources.
const pollTick = 30 * time.Second

// serve runs the scheduler loop alongside the ops HTTP surface until the
// context is cancelled.
func (a *app) serve(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("ops listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()

	// First pass immediately so a fresh deployment does not idle a tick.
	a.runDue(ctx)

	for {
		select {
		case <-ctx.Done():
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		case err := <-errCh:
			return err
		case <-ticker.C:
			a.runDue(ctx)
		}
	}
}

// runDue fetches every enabled source whose poll interval has elapsed.
// Flagged sources are skipped until an operator resets them.
func (a *app) runDue(ctx context.Context) {
	now := time.Now().UnixMilli()
	var due []*permit.SourceConfig
	for _, sc := range a.sources {
		if !sc.Enabled {
			continue
		}
		entry, err := a.ledger.Load(ctx, sc.SourceID)
		if err != nil {
			a.logger.Warn("scheduler: load entry", "source_id", sc.SourceID, "error", err)
			continue
		}
		if entry.Flagged {
			a.logger.Debug("scheduler: skipping flagged source", "source_id", sc.SourceID)
			continue
		}
		if now-entry.LastRunAt >= sc.PollInterval {
			due = append(due, sc)
		}
	}
	if len(due) == 0 {
		return
	}

	results, err := a.orchestrator.RunCycle(ctx, due, "")
	if err != nil {
		a.logger.Error("scheduler: cycle failed", "error", err)
		return
	}
	a.logger.Info("scheduler: cycle done", "sources", len(results))
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/sources", a.handleListSources)
	r.Post("/run", a.handleRun)
	r.Get("/sources/{id}/history", a.handleHistory)
	r.Get("/sources/{id}/records", a.handleRecords)
	r.Post("/sources/{id}/reset", a.handleReset)

	return r
}

type sourceStatus struct {
	*permit.SourceConfig
	LastRunAt           int64  `json:"last_run_at"`
	LastSuccessAt       int64  `json:"last_success_at"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Flagged             bool   `json:"flagged"`
	LastError           string `json:"last_error,omitempty"`
}

func (a *app) handleListSources(w http.ResponseWriter, r *http.Request) {
	out := make([]sourceStatus, 0, len(a.sources))
	for _, sc := range a.sources {
		st := sourceStatus{SourceConfig: sc}
		if entry, err := a.ledger.Load(r.Context(), sc.SourceID); err == nil {
			st.LastRunAt = entry.LastRunAt
			st.LastSuccessAt = entry.LastSuccessAt
			st.ConsecutiveFailures = entry.ConsecutiveFailures
			st.Flagged = entry.Flagged
			st.LastError = entry.LastError
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRun triggers a cycle synchronously. ?source=<id> restricts to one
// source and ignores its enabled flag.
func (a *app) handleRun(w http.ResponseWriter, r *http.Request) {
	results, err := a.orchestrator.RunCycle(r.Context(), a.sources, r.URL.Query().Get("source"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (a *app) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := a.ledger.Store().FetchHistory(r.Context(), id, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *app) handleRecords(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := a.ledger.Store().ListRecords(r.Context(), id, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleReset clears a source's failure state and flag so the scheduler
// picks it up again.
func (a *app) handleReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.ledger.Store().ResetEntry(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	a.logger.Info("operator reset", "source_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
