package browserscrape

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/microcosm-cc/bluemonday"

	"github.com/nmoreau/permitwatch/permit"
	"github.com/nmoreau/permitwatch/strategy"
)

const (
	defaultMaxPages = 5
	formWait        = 10 * time.Second
)

// Scraper is the browser-driven extraction strategy.
type Scraper struct {
	manager  *Manager
	sanitize *bluemonday.Policy
	logger   *slog.Logger
}

// New constructs a Scraper sharing the given browser Manager. The strict
// sanitizer strips every tag from scraped cell values so markup inside
// result tables never leaks into canonical fields.
func New(manager *Manager, logger *slog.Logger) *Scraper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{
		manager:  manager,
		sanitize: bluemonday.StrictPolicy(),
		logger:   logger,
	}
}

// Fetch renders the portal, submits the configured search form, and walks
// the paginated results table, one raw record per row. Result-set schema
// drift (a missing column) yields an absent key for that row, never a
// failed fetch; a single unreadable row is skipped and logged.
//
// Portal search views are not resumable, so the cursor passes through
// unchanged and repeated runs rely on the ledger for dedup.
func (s *Scraper) Fetch(ctx context.Context, cfg *permit.SourceConfig, cursor string) (*strategy.Result, error) {
	portal := cfg.Portal
	log := s.logger.With("source_id", cfg.SourceID, "url", portal.URL)

	page, err := s.manager.openPage(ctx, portal.URL, portal.Stealth)
	if err != nil {
		return nil, strategy.ClassifyNetwork(err)
	}
	defer page.Close()

	if err := s.submitSearch(ctx, page, portal); err != nil {
		return nil, err
	}

	maxPages := portal.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	var records []strategy.RawRecord
	for pageNum := 0; pageNum < maxPages; pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, strategy.ClassifyNetwork(err)
		}

		rows, err := page.Context(ctx).Elements(portal.RowSelector)
		if err != nil {
			return nil, strategy.Transientf("browserscrape: query rows: %v", err)
		}
		if pageNum == 0 && len(rows) == 0 {
			// An empty result set is a valid outcome; the selector simply
			// matched nothing.
			log.Info("browserscrape: no result rows", "selector", portal.RowSelector)
			break
		}

		for i, row := range rows {
			rec, ok := s.extractRow(ctx, row, portal)
			if !ok {
				log.Warn("browserscrape: skipping unreadable row", "page", pageNum, "row", i)
				continue
			}
			records = append(records, rec)
		}
		log.Debug("browserscrape: page scraped", "page", pageNum, "rows", len(rows))

		if portal.NextSelector == "" || pageNum == maxPages-1 {
			break
		}
		if !s.nextPage(ctx, page, portal.NextSelector) {
			break
		}
	}

	return &strategy.Result{Records: records, Cursor: cursor}, nil
}

// submitSearch fills the declared form fields and clicks submit. A portal
// whose search form no longer exists is structurally incompatible.
func (s *Scraper) submitSearch(ctx context.Context, page *rod.Page, portal *permit.PortalConfig) error {
	if len(portal.Form) == 0 && portal.SubmitSelector == "" {
		return nil // results page needs no query
	}

	p := page.Context(ctx).Timeout(formWait)
	for sel, value := range portal.Form {
		el, err := p.Element(sel)
		if err != nil {
			return strategy.Permanentf("browserscrape: form field %q not found: %v", sel, err)
		}
		if err := el.Input(value); err != nil {
			return strategy.Transientf("browserscrape: fill %q: %v", sel, err)
		}
	}

	if portal.SubmitSelector != "" {
		btn, err := p.Element(portal.SubmitSelector)
		if err != nil {
			return strategy.Permanentf("browserscrape: submit button %q not found: %v", portal.SubmitSelector, err)
		}
		if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return strategy.Transientf("browserscrape: submit click: %v", err)
		}
		if err := page.Context(ctx).WaitLoad(); err != nil {
			s.logger.Debug("browserscrape: post-submit wait", "error", err)
		}
	}
	return nil
}

// extractRow pulls one raw record from a result row. Missing cells leave
// the key absent so the field mapper yields nil for it.
func (s *Scraper) extractRow(ctx context.Context, row *rod.Element, portal *permit.PortalConfig) (strategy.RawRecord, bool) {
	fields := make(map[string]any, len(portal.Columns))
	found := 0

	for key, sel := range portal.Columns {
		cells, err := row.Context(ctx).Elements(sel)
		if err != nil || len(cells) == 0 {
			continue
		}
		text, err := cells[0].Text()
		if err != nil {
			continue
		}
		text = strings.TrimSpace(s.sanitize.Sanitize(text))
		fields[key] = text
		found++
	}
	if found == 0 {
		return strategy.RawRecord{}, false
	}

	var naturalKey string
	if portal.KeyColumn != "" {
		if v, ok := fields[portal.KeyColumn].(string); ok {
			naturalKey = v
		}
	}

	raw, _ := json.Marshal(fields)
	return strategy.RawRecord{Fields: fields, NaturalKey: naturalKey, Raw: raw}, true
}

// nextPage clicks the pagination control. Returns false when there is no
// next page.
func (s *Scraper) nextPage(ctx context.Context, page *rod.Page, nextSelector string) bool {
	nexts, err := page.Context(ctx).Elements(nextSelector)
	if err != nil || len(nexts) == 0 {
		return false
	}
	if err := nexts[0].Click(proto.InputMouseButtonLeft, 1); err != nil {
		s.logger.Debug("browserscrape: next click failed", "error", err)
		return false
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		s.logger.Debug("browserscrape: next wait", "error", err)
	}
	return true
}

// Probe fetches the portal's rendered HTML for classification sampling.
func (s *Scraper) Probe(ctx context.Context, url string) (string, error) {
	page, err := s.manager.openPage(ctx, url, false)
	if err != nil {
		return "", err
	}
	defer page.Close()
	html, err := page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("browserscrape: html: %w", err)
	}
	return html, nil
}
