package feedpoll

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"

	"github.com/nmoreau/permitwatch/permit"
	"github.com/nmoreau/permitwatch/strategy"
)

const defaultMaxEntries = 100

// cursorState is the opaque cursor token, JSON-encoded. It carries both
// the HTTP cache validators and the newest-entry watermark.
type cursorState struct {
	ETag    string `json:"etag,omitempty"`
	LastMod string `json:"last_mod,omitempty"`
	// Newest is the publish time (unix ms) of the newest entry seen.
	Newest int64 `json:"newest,omitempty"`
}

func decodeCursor(cursor string) cursorState {
	var cs cursorState
	if cursor != "" {
		// A cursor we can't decode is treated as empty: the fetch degrades
		// to a full read, which the ledger dedups.
		_ = json.Unmarshal([]byte(cursor), &cs)
	}
	return cs
}

func (cs cursorState) encode() string {
	b, _ := json.Marshal(cs)
	return string(b)
}

// Reader is the feed extraction strategy.
type Reader struct {
	fetcher *fetcher
	md      *converter.Converter
	logger  *slog.Logger
}

// New constructs a feed Reader.
func New(httpClient *http.Client, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		fetcher: newFetcher(httpClient, "permitwatch/1.0"),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
		logger: logger,
	}
}

// Fetch downloads and parses the feed. A 304 Not Modified yields an empty
// result with the cursor unchanged. On a full read every entry in the
// window is emitted, even ones older than the watermark: the body is
// already downloaded, the ledger classifies replays UNCHANGED, and an
// entry edited in place (same pubDate, new content) can still classify
// CHANGED.
func (r *Reader) Fetch(ctx context.Context, cfg *permit.SourceConfig, cursor string) (*strategy.Result, error) {
	cs := decodeCursor(cursor)
	log := r.logger.With("source_id", cfg.SourceID, "url", cfg.Feed.URL)

	res, err := r.fetcher.fetch(ctx, cfg.Feed.URL, cs.ETag, cs.LastMod)
	if err != nil {
		if res != nil && res.StatusCode != 0 {
			return nil, strategy.ClassifyHTTP(res.StatusCode, err)
		}
		return nil, strategy.ClassifyNetwork(err)
	}
	if res.NotModified {
		log.Debug("feedpoll: not modified")
		return &strategy.Result{Cursor: cursor}, nil
	}

	f, err := Parse(res.Body)
	if err != nil {
		// A document that no longer parses as a feed is a schema
		// incompatibility, not a retryable blip.
		return nil, strategy.Permanent(err)
	}

	maxEntries := cfg.Feed.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if maxEntries > len(f.Entries) {
		maxEntries = len(f.Entries)
	}

	next := cursorState{ETag: res.ETag, LastMod: res.LastMod, Newest: cs.Newest}
	var records []strategy.RawRecord

	for _, entry := range f.Entries[:maxEntries] {
		pub := entry.PublishedTime()
		if pubMs := pub.UnixMilli(); !pub.IsZero() && pubMs > next.Newest {
			next.Newest = pubMs
		}
		records = append(records, r.entryRecord(cfg, entry, pub))
	}

	log.Debug("feedpoll: parsed", "entries", len(f.Entries), "emitted", len(records))
	return &strategy.Result{Records: records, Cursor: next.encode()}, nil
}

// entryRecord shapes one feed entry into the raw-record form the field
// mapper walks. HTML bodies are converted to markdown so mapped text is
// readable downstream.
func (r *Reader) entryRecord(cfg *permit.SourceConfig, entry Entry, pub time.Time) strategy.RawRecord {
	body := entry.Content
	if body == "" {
		body = entry.Description
	}
	body = r.htmlToMarkdown(body, entry.Link)

	fields := map[string]any{
		"guid":        entry.GUID,
		"title":       entry.Title,
		"link":        entry.Link,
		"description": body,
		"published":   entry.Published,
		"author":      entry.Author,
	}
	if !pub.IsZero() {
		fields["published_date"] = pub.Format("2006-01-02")
	}

	raw, _ := json.Marshal(fields)
	return strategy.RawRecord{Fields: fields, NaturalKey: entry.GUID, Raw: raw}
}

func (r *Reader) htmlToMarkdown(body, link string) string {
	if body == "" || !strings.Contains(body, "<") {
		return strings.TrimSpace(body)
	}
	out, err := r.md.ConvertString(body, converter.WithDomain(link))
	if err != nil || strings.TrimSpace(out) == "" {
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(out)
}
