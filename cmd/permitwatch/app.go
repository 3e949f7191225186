package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/nmoreau/permitwatch/dbopen"
	"github.com/nmoreau/permitwatch/ingest"
	"github.com/nmoreau/permitwatch/ledger"
	"github.com/nmoreau/permitwatch/permit"
	"github.com/nmoreau/permitwatch/registry"
	"github.com/nmoreau/permitwatch/strategy"
	"github.com/nmoreau/permitwatch/strategy/browserscrape"
	"github.com/nmoreau/permitwatch/strategy/feedpoll"
	"github.com/nmoreau/permitwatch/strategy/restapi"
)

// app holds the wired components for one process.
type app struct {
	sources      []*permit.SourceConfig
	db           *sql.DB
	ledger       *ledger.Ledger
	orchestrator *ingest.Orchestrator
	browser      *browserscrape.Manager
	logger       *slog.Logger
}

func newApp(ctx context.Context) (*app, error) {
	logger := slog.Default()

	sources, err := permit.LoadSources(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}

	db, err := dbopen.Open(flagDB, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store, err := ledger.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	led := ledger.NewLedger(store, ledger.Config{}, logger)

	browser := browserscrape.NewManager(browserscrape.ManagerConfig{
		RemoteURL: flagBrowserURL,
		Logger:    logger,
	})

	reg := registry.New()
	reg.Register(permit.KindRESTAPI, func(cfg *permit.SourceConfig) (strategy.Strategy, error) {
		return restapi.New(cfg, nil, logger), nil
	})
	feedReader := feedpoll.New(nil, logger)
	reg.Register(permit.KindFeed, func(cfg *permit.SourceConfig) (strategy.Strategy, error) {
		return feedReader, nil
	})
	scraper := browserscrape.New(browser, logger)
	reg.Register(permit.KindBrowserScrape, func(cfg *permit.SourceConfig) (strategy.Strategy, error) {
		return scraper, nil
	})

	orch := ingest.New(reg, led, newStdoutSink(), ingest.Config{}, logger)

	return &app{
		sources:      sources,
		db:           db,
		ledger:       led,
		orchestrator: orch,
		browser:      browser,
		logger:       logger,
	}, nil
}

func (a *app) Close() {
	if err := a.browser.Close(); err != nil {
		a.logger.Warn("close browser", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close database", "error", err)
	}
}

// stdoutSink writes qualifying records as NDJSON, one object per line.
// Downstream enrichment consumes this stream.
type stdoutSink struct {
	enc *json.Encoder
}

func newStdoutSink() *stdoutSink {
	return &stdoutSink{enc: json.NewEncoder(os.Stdout)}
}

type sinkEvent struct {
	Classification ledger.Classification `json:"classification"`
	Record         *permit.Record        `json:"record"`
}

func (s *stdoutSink) Emit(_ context.Context, rec *permit.Record, cls ledger.Classification) error {
	return s.enc.Encode(sinkEvent{Classification: cls, Record: rec})
}
