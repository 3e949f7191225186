// Package restapi fetches permit records from JSON open-data endpoints.
//
// One implementation serves many differently-shaped catalogs: per-source
// configuration declares the endpoint, fixed filter params in the API's own
// query language, a result path for enveloped responses, the pagination
// dialect, and a watermark field for incremental fetch. Headers support
// ${ENV_VAR} expansion for API tokens.
package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nmoreau/permitwatch/fieldmap"
	"github.com/nmoreau/permitwatch/permit"
	"github.com/nmoreau/permitwatch/strategy"
)

const (
	defaultPageSize = 100
	defaultMaxPages = 10
	maxBodyBytes    = 10 * 1024 * 1024
)

// Client is the REST API extraction strategy for one configured source.
type Client struct {
	cfg     *permit.SourceConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New constructs a Client for the given source config.
func New(cfg *permit.SourceConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.API != nil && cfg.API.RateLimitMs > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Duration(cfg.API.RateLimitMs)*time.Millisecond), 1)
	}
	return &Client{cfg: cfg, http: httpClient, limiter: limiter, logger: logger}
}

// Fetch pages through the endpoint from the cursor watermark, preserving
// source order across pages. The returned cursor is the maximum observed
// watermark value, or the input cursor when nothing new arrived.
func (c *Client) Fetch(ctx context.Context, cfg *permit.SourceConfig, cursor string) (*strategy.Result, error) {
	api := cfg.API
	pageSize := api.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxPages := api.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	log := c.logger.With("source_id", cfg.SourceID, "url", api.URL)

	var records []strategy.RawRecord
	newCursor := cursor

	for page := 0; page < maxPages; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, strategy.ClassifyNetwork(err)
		}

		pageURL, err := c.buildPageURL(api, cursor, page, pageSize)
		if err != nil {
			return nil, strategy.Permanentf("restapi: build url: %v", err)
		}

		items, err := c.fetchPage(ctx, api, pageURL)
		if err != nil {
			return nil, err
		}

		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				// One malformed row never aborts the batch.
				log.Warn("restapi: skipping non-object item", "page", page)
				continue
			}
			raw, _ := json.Marshal(obj)
			rec := strategy.RawRecord{
				Fields:     obj,
				NaturalKey: naturalKey(obj, api.KeyField),
				Raw:        raw,
			}
			records = append(records, rec)

			if api.WatermarkField != "" {
				if v, ok := fieldmap.Lookup(obj, api.WatermarkField); ok {
					if s := asString(v); watermarkAfter(s, newCursor) {
						newCursor = s
					}
				}
			}
		}

		log.Debug("restapi: page fetched", "page", page, "items", len(items))
		if len(items) < pageSize {
			break
		}
	}

	return &strategy.Result{Records: records, Cursor: newCursor}, nil
}

// buildPageURL assembles the endpoint URL with fixed params, pagination
// params for the configured dialect, and the watermark filter when a
// cursor is present.
func (c *Client) buildPageURL(api *permit.APIConfig, cursor string, page, pageSize int) (string, error) {
	u, err := url.Parse(api.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range api.Params {
		q.Set(k, expandEnv(v))
	}

	offset := page * pageSize
	switch api.Dialect {
	case "socrata":
		q.Set("$limit", strconv.Itoa(pageSize))
		q.Set("$offset", strconv.Itoa(offset))
		if cursor != "" && api.WatermarkField != "" {
			q.Set("$where", fmt.Sprintf("%s >= '%s'", api.WatermarkField, cursor))
		}
	default: // "plain"
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))
		if cursor != "" && api.WatermarkField != "" {
			q.Set(api.WatermarkField+"_gte", cursor)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// fetchPage issues one GET and walks the result path to the item array.
func (c *Client) fetchPage(ctx context.Context, api *permit.APIConfig, pageURL string) ([]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, strategy.Permanentf("restapi: new request: %v", err)
	}
	for k, v := range api.Headers {
		req.Header.Set(k, expandEnv(v))
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, strategy.ClassifyNetwork(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, strategy.ClassifyHTTP(resp.StatusCode, fmt.Errorf("restapi: http %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, strategy.Transientf("restapi: read body: %v", err)
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		// Non-JSON from a JSON endpoint is a schema incompatibility.
		return nil, strategy.Permanentf("restapi: json decode: %v", err)
	}

	items, err := walkPath(raw, api.ResultPath)
	if err != nil {
		return nil, strategy.Permanentf("restapi: walk path %q: %v", api.ResultPath, err)
	}
	return items, nil
}

// walkPath walks a dot-notation path to the array of items. An empty path
// means the root is the array.
func walkPath(v any, path string) ([]any, error) {
	if path == "" {
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("root is not an array")
		}
		return arr, nil
	}
	current := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object at %q, got %T", part, current)
		}
		current, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("key %q not found", part)
		}
	}
	arr, ok := current.([]any)
	if !ok {
		return nil, fmt.Errorf("path %q is not an array", path)
	}
	return arr, nil
}

func naturalKey(obj map[string]any, keyField string) string {
	if keyField == "" {
		return ""
	}
	v, ok := fieldmap.Lookup(obj, keyField)
	if !ok {
		return ""
	}
	return asString(v)
}

// watermarkAfter reports whether candidate sorts after current. Values
// that both parse as numbers compare numerically (sequence ids, epoch
// timestamps); everything else compares as strings, which is correct for
// ISO-8601 dates.
func watermarkAfter(candidate, current string) bool {
	if current == "" {
		return candidate != ""
	}
	a, errA := strconv.ParseFloat(candidate, 64)
	b, errB := strconv.ParseFloat(current, 64)
	if errA == nil && errB == nil {
		return a > b
	}
	return candidate > current
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// expandEnv replaces ${ENV_VAR} patterns with their values.
func expandEnv(s string) string {
	return os.Expand(s, os.Getenv)
}
