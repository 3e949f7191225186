package permit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nmoreau/permitwatch/fieldmap"
)

func validAPISource() *SourceConfig {
	return &SourceConfig{
		SourceID:   "austin-permits",
		Kind:       KindRESTAPI,
		RecordType: TypePermit,
		Enabled:    true,
		API:        &APIConfig{URL: "https://data.austintexas.gov/resource/3syk.json", Dialect: "socrata"},
		Mapping: fieldmap.Mapping{
			FieldPermitNumber: {Path: "permit_number"},
			FieldTitle:        {Path: "description", Transform: fieldmap.TransformTrim},
		},
	}
}

func TestSourceConfig_Defaults(t *testing.T) {
	// WHAT: Defaults fills record type, poll interval, and timeout.
	// WHY: Config files should only need to state what differs from sane
	// operational defaults.
	sc := &SourceConfig{SourceID: "s"}
	sc.Defaults()
	if sc.RecordType != TypePermit {
		t.Errorf("record_type = %q", sc.RecordType)
	}
	if sc.PollInterval != 3_600_000 {
		t.Errorf("poll_interval = %d", sc.PollInterval)
	}
	if sc.Timeout != 120_000 {
		t.Errorf("timeout = %d", sc.Timeout)
	}
}

func TestSourceConfig_Validate(t *testing.T) {
	// WHAT: Validate rejects structurally-broken configs with ErrInvalidConfig.
	// WHY: Config errors must surface at registration, not as mid-run fetch
	// failures that would be retried pointlessly.
	cases := []struct {
		name   string
		mutate func(*SourceConfig)
	}{
		{"missing source_id", func(sc *SourceConfig) { sc.SourceID = "" }},
		{"unknown kind", func(sc *SourceConfig) { sc.Kind = "carrier_pigeon" }},
		{"unknown record type", func(sc *SourceConfig) { sc.RecordType = "invoice" }},
		{"poll interval too short", func(sc *SourceConfig) { sc.PollInterval = 1000 }},
		{"rest_api without api block", func(sc *SourceConfig) { sc.API = nil }},
		{"unknown dialect", func(sc *SourceConfig) { sc.API.Dialect = "graphql" }},
		{"empty mapping", func(sc *SourceConfig) { sc.Mapping = nil }},
		{"non-canonical mapping field", func(sc *SourceConfig) {
			sc.Mapping = fieldmap.Mapping{"parcel_id": {Path: "x"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc := validAPISource()
			sc.Defaults()
			tc.mutate(sc)
			err := sc.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got: %v", err)
			}
		})
	}
}

func TestSourceConfig_ValidateKindRequirements(t *testing.T) {
	// WHAT: Each kind demands its own config block with required selectors/URLs.
	// WHY: A browser_scrape source without a row selector can never extract
	// anything; failing early beats an empty scrape loop.
	portal := &SourceConfig{
		SourceID:   "county-portal",
		Kind:       KindBrowserScrape,
		RecordType: TypePermit,
		Portal:     &PortalConfig{URL: "https://permits.example.gov/search"},
		Mapping:    fieldmap.Mapping{FieldTitle: {Path: "title"}},
	}
	portal.Defaults()
	if err := portal.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("portal without selectors: %v", err)
	}

	portal.Portal.RowSelector = "table.results tr"
	portal.Portal.Columns = map[string]string{"title": "td.desc"}
	if err := portal.Validate(); err != nil {
		t.Errorf("complete portal config rejected: %v", err)
	}

	feed := &SourceConfig{
		SourceID:   "state-register",
		Kind:       KindFeed,
		RecordType: TypeRegulatoryUpdate,
		Mapping:    fieldmap.Mapping{FieldTitle: {Path: "title"}},
	}
	feed.Defaults()
	if err := feed.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("feed without url: %v", err)
	}
}

func TestLoadSources(t *testing.T) {
	// WHAT: LoadSources parses YAML, applies defaults, and validates.
	// WHY: This is the single entry point for operator configuration.
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	doc := `
sources:
  - source_id: austin-permits
    kind: rest_api
    enabled: true
    api:
      url: https://data.austintexas.gov/resource/3syk.json
      dialect: socrata
      key_field: permit_number
    mapping:
      permit_number: {path: permit_number}
      issued_date: {path: issued_date, transform: parse_date, date_formats: ["2006-01-02T15:04:05.000"]}
  - source_id: state-register
    kind: feed
    record_type: regulatory_update
    enabled: false
    feed:
      url: https://register.example.gov/rss
    mapping:
      title: {path: title}
      link: {path: link}
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	sources, err := LoadSources(path)
	if err != nil {
		t.Fatalf("LoadSources: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("got %d sources", len(sources))
	}
	if sources[0].RecordType != TypePermit {
		t.Errorf("default record_type not applied: %q", sources[0].RecordType)
	}
	if sources[1].PollInterval != 3_600_000 {
		t.Errorf("default poll_interval not applied: %d", sources[1].PollInterval)
	}
}

func TestLoadSources_DuplicateID(t *testing.T) {
	// WHAT: Two sources sharing a source_id fail the load.
	// WHY: The ledger keys state by source_id; duplicates would silently
	// interleave checkpoints.
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	doc := `
sources:
  - source_id: dup
    kind: feed
    feed: {url: https://a.example.gov/rss}
    mapping:
      title: {path: title}
  - source_id: dup
    kind: feed
    feed: {url: https://b.example.gov/rss}
    mapping:
      title: {path: title}
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSources(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got: %v", err)
	}
}
