package permit

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nmoreau/permitwatch/fieldmap"
)

// ErrInvalidConfig is returned when a source configuration fails validation.
var ErrInvalidConfig = errors.New("permit: invalid source config")

const (
	minPollIntervalMs = 60_000          // 1 minute
	maxPollIntervalMs = 604_800_000     // 7 days
	defaultPollMs     = 3_600_000       // 1 hour
	defaultTimeoutMs  = 120_000         // 2 minutes per fetch
)

// PortalConfig holds browser-scrape parameters for one municipal portal.
type PortalConfig struct {
	URL string `yaml:"url" json:"url"`
	// Form maps input CSS selectors to the value typed into them before
	// submitting the search.
	Form map[string]string `yaml:"form,omitempty" json:"form,omitempty"`
	// SubmitSelector is the search/submit button.
	SubmitSelector string `yaml:"submit_selector" json:"submit_selector"`
	// RowSelector matches one result row; Columns maps canonical-ish source
	// keys to per-row cell selectors.
	RowSelector string            `yaml:"row_selector" json:"row_selector"`
	Columns     map[string]string `yaml:"columns" json:"columns"`
	// NextSelector advances pagination. Empty = single page.
	NextSelector string `yaml:"next_selector,omitempty" json:"next_selector,omitempty"`
	// KeyColumn names the column holding the source-assigned identifier
	// (permit number). Empty = content-hash identity.
	KeyColumn string `yaml:"key_column,omitempty" json:"key_column,omitempty"`
	MaxPages  int    `yaml:"max_pages,omitempty" json:"max_pages,omitempty"`
	// Stealth requests a stealth page for bot-hostile portals.
	Stealth bool `yaml:"stealth,omitempty" json:"stealth,omitempty"`
}

// APIConfig holds REST open-data catalog parameters.
type APIConfig struct {
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"` // ${ENV_VAR} expanded
	// Params are fixed filter params appended to every page request,
	// expressed in the API's own query language.
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	// ResultPath walks enveloped responses ("data.results"). Empty = root array.
	ResultPath string `yaml:"result_path,omitempty" json:"result_path,omitempty"`
	// Dialect selects pagination parameter names: "socrata" ($limit/$offset)
	// or "plain" (limit/offset). Default: plain.
	Dialect  string `yaml:"dialect,omitempty" json:"dialect,omitempty"`
	PageSize int    `yaml:"page_size,omitempty" json:"page_size,omitempty"`
	MaxPages int    `yaml:"max_pages,omitempty" json:"max_pages,omitempty"`
	// KeyField names the source field carrying the natural record id.
	KeyField string `yaml:"key_field,omitempty" json:"key_field,omitempty"`
	// WatermarkField enables incremental fetch: the cursor stores the max
	// observed value and is sent back as a >= filter on the next run.
	WatermarkField string `yaml:"watermark_field,omitempty" json:"watermark_field,omitempty"`
	RateLimitMs    int64  `yaml:"rate_limit_ms,omitempty" json:"rate_limit_ms,omitempty"`
}

// FeedConfig holds RSS/Atom feed parameters.
type FeedConfig struct {
	URL        string `yaml:"url" json:"url"`
	MaxEntries int    `yaml:"max_entries,omitempty" json:"max_entries,omitempty"`
}

// SourceConfig declares one scrapeable/queryable source.
//
// Lifecycle: created from configuration at process start or handed over by
// portal discovery; mutated only for Enabled/PollInterval; soft-disabled
// rather than deleted while ledger entries reference it.
type SourceConfig struct {
	SourceID   string     `yaml:"source_id" json:"source_id"`
	Kind       SourceKind `yaml:"kind" json:"kind"`
	RecordType RecordType `yaml:"record_type" json:"record_type"`
	Enabled    bool       `yaml:"enabled" json:"enabled"`

	// PollInterval and Timeout in milliseconds.
	PollInterval int64 `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
	Timeout      int64 `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	Portal *PortalConfig `yaml:"portal,omitempty" json:"portal,omitempty"`
	API    *APIConfig    `yaml:"api,omitempty" json:"api,omitempty"`
	Feed   *FeedConfig   `yaml:"feed,omitempty" json:"feed,omitempty"`

	Mapping fieldmap.Mapping `yaml:"mapping" json:"mapping"`
}

// Defaults applies zero-value fallbacks in place.
func (c *SourceConfig) Defaults() {
	if c.RecordType == "" {
		c.RecordType = TypePermit
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollMs
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeoutMs
	}
}

// Validate checks the config at registration time. Failures here are
// configuration errors: fatal for the source, never retried.
func (c *SourceConfig) Validate() error {
	if c.SourceID == "" {
		return fmt.Errorf("%w: source_id is required", ErrInvalidConfig)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidConfig, c.SourceID, c.Kind)
	}
	if c.RecordType != TypePermit && c.RecordType != TypeRegulatoryUpdate {
		return fmt.Errorf("%w: %s: unknown record_type %q", ErrInvalidConfig, c.SourceID, c.RecordType)
	}
	if c.PollInterval < minPollIntervalMs || c.PollInterval > maxPollIntervalMs {
		return fmt.Errorf("%w: %s: poll_interval must be between %d and %d ms",
			ErrInvalidConfig, c.SourceID, minPollIntervalMs, maxPollIntervalMs)
	}

	switch c.Kind {
	case KindBrowserScrape:
		if c.Portal == nil || c.Portal.URL == "" {
			return fmt.Errorf("%w: %s: browser_scrape requires portal.url", ErrInvalidConfig, c.SourceID)
		}
		if c.Portal.RowSelector == "" || len(c.Portal.Columns) == 0 {
			return fmt.Errorf("%w: %s: browser_scrape requires row_selector and columns", ErrInvalidConfig, c.SourceID)
		}
	case KindRESTAPI:
		if c.API == nil || c.API.URL == "" {
			return fmt.Errorf("%w: %s: rest_api requires api.url", ErrInvalidConfig, c.SourceID)
		}
		if d := c.API.Dialect; d != "" && d != "socrata" && d != "plain" {
			return fmt.Errorf("%w: %s: unknown api dialect %q", ErrInvalidConfig, c.SourceID, d)
		}
	case KindFeed:
		if c.Feed == nil || c.Feed.URL == "" {
			return fmt.Errorf("%w: %s: feed requires feed.url", ErrInvalidConfig, c.SourceID)
		}
	}

	if err := c.Mapping.Validate(CanonicalFields); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, c.SourceID, err)
	}
	return nil
}

// sourcesFile is the YAML document shape for LoadSources.
type sourcesFile struct {
	Sources []*SourceConfig `yaml:"sources"`
}

// LoadSources reads source configurations from a YAML file, applies
// defaults, and validates every entry. One bad source fails the load —
// configuration errors surface at startup, not mid-run.
func LoadSources(path string) ([]*SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("permit: read sources: %w", err)
	}
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("permit: parse sources: %w", err)
	}
	seen := make(map[string]bool, len(f.Sources))
	for _, sc := range f.Sources {
		sc.Defaults()
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		if seen[sc.SourceID] {
			return nil, fmt.Errorf("%w: duplicate source_id %q", ErrInvalidConfig, sc.SourceID)
		}
		seen[sc.SourceID] = true
	}
	return f.Sources, nil
}
