package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/nmoreau/permitwatch/fieldmap"
	"github.com/nmoreau/permitwatch/permit"
	"github.com/nmoreau/permitwatch/strategy"
)

func apiSource(url string) *permit.SourceConfig {
	sc := &permit.SourceConfig{
		SourceID: "test-api",
		Kind:     permit.KindRESTAPI,
		API: &permit.APIConfig{
			URL:      url,
			Dialect:  "socrata",
			KeyField: "permit_number",
		},
		Mapping: fieldmap.Mapping{permit.FieldPermitNumber: {Path: "permit_number"}},
	}
	sc.Defaults()
	return sc
}

// permitsHandler serves `total` fake permits honoring $limit/$offset.
func permitsHandler(t *testing.T, total int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("$limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("$offset"))
		if limit <= 0 {
			t.Errorf("missing $limit in %s", r.URL.RawQuery)
			limit = 100
		}

		var items []map[string]any
		for i := offset; i < offset+limit && i < total; i++ {
			items = append(items, map[string]any{
				"permit_number": fmt.Sprintf("BP-%05d", i),
				"issued_date":   fmt.Sprintf("2024-01-%02dT00:00:00.000", i%28+1),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(items)
	}
}

func TestFetch_PaginatesUntilShortPage(t *testing.T) {
	// WHAT: Fetch walks pages until a short page, returning every record once
	// in source order.
	// WHY: Socrata-style catalogs cap page size; a 150-row dataset must come
	// back complete from a 100-row page limit.
	srv := httptest.NewServer(permitsHandler(t, 150))
	defer srv.Close()

	cfg := apiSource(srv.URL)
	c := New(cfg, srv.Client(), nil)

	res, err := c.Fetch(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Records) != 150 {
		t.Fatalf("got %d records, want 150", len(res.Records))
	}

	seen := make(map[string]bool, len(res.Records))
	for i, rec := range res.Records {
		want := fmt.Sprintf("BP-%05d", i)
		if rec.NaturalKey != want {
			t.Fatalf("record %d: key %q, want %q (order lost)", i, rec.NaturalKey, want)
		}
		if seen[rec.NaturalKey] {
			t.Fatalf("duplicate record %q", rec.NaturalKey)
		}
		seen[rec.NaturalKey] = true
	}
}

func TestFetch_WatermarkCursor(t *testing.T) {
	// WHAT: With a watermark field, the new cursor is the max observed value
	// and the previous cursor is sent as a filter.
	// WHY: Incremental fetch is what keeps hourly polls cheap.
	var gotWhere string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWhere = r.URL.Query().Get("$where")
		json.NewEncoder(w).Encode([]map[string]any{
			{"permit_number": "BP-1", "issued_date": "2024-03-01"},
			{"permit_number": "BP-2", "issued_date": "2024-03-05"},
			{"permit_number": "BP-3", "issued_date": "2024-03-02"},
		})
	}))
	defer srv.Close()

	cfg := apiSource(srv.URL)
	cfg.API.WatermarkField = "issued_date"
	c := New(cfg, srv.Client(), nil)

	res, err := c.Fetch(context.Background(), cfg, "2024-02-20")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotWhere != "issued_date >= '2024-02-20'" {
		t.Errorf("$where = %q", gotWhere)
	}
	if res.Cursor != "2024-03-05" {
		t.Errorf("cursor = %q, want max watermark", res.Cursor)
	}
}

func TestWatermarkAfter(t *testing.T) {
	// WHAT: Numeric watermarks compare numerically, date strings
	// lexicographically, and anything beats an empty cursor.
	// WHY: Sequence-id watermarks like "9" vs "10" would go backwards under
	// a plain string compare.
	cases := []struct {
		candidate, current string
		want               bool
	}{
		{"10", "9", true},
		{"9", "10", false},
		{"2024-03-05", "2024-02-20", true},
		{"2024-02-20", "2024-03-05", false},
		{"BP-2", "BP-10", true}, // mixed text stays lexicographic
		{"anything", "", true},
		{"", "", false},
	}
	for _, tc := range cases {
		if got := watermarkAfter(tc.candidate, tc.current); got != tc.want {
			t.Errorf("watermarkAfter(%q, %q) = %v, want %v", tc.candidate, tc.current, got, tc.want)
		}
	}
}

func TestFetch_NumericWatermarkCursor(t *testing.T) {
	// WHAT: A numeric watermark field advances the cursor to the numeric
	// maximum, not the lexicographic one.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"permit_number": "BP-1", "seq": 9},
			{"permit_number": "BP-2", "seq": 10},
		})
	}))
	defer srv.Close()

	cfg := apiSource(srv.URL)
	cfg.API.WatermarkField = "seq"
	c := New(cfg, srv.Client(), nil)

	res, err := c.Fetch(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Cursor != "10" {
		t.Errorf("cursor = %q, want 10", res.Cursor)
	}
}

func TestFetch_EnvelopedResults(t *testing.T) {
	// WHAT: result_path walks an envelope to the item array.
	// WHY: CKAN wraps rows under result.records.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result": map[string]any{
				"records": []map[string]any{{"permit_number": "BP-9"}},
			},
		})
	}))
	defer srv.Close()

	cfg := apiSource(srv.URL)
	cfg.API.ResultPath = "result.records"
	c := New(cfg, srv.Client(), nil)

	res, err := c.Fetch(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].NaturalKey != "BP-9" {
		t.Errorf("records = %+v", res.Records)
	}
}

func TestFetch_ErrorClassification(t *testing.T) {
	// WHAT: 404 surfaces as a permanent failure, 500 as transient, non-JSON
	// bodies as permanent.
	// WHY: The orchestrator retries transient failures only; misclassifying
	// a dead endpoint as transient would hammer it forever.
	cases := []struct {
		name      string
		handler   http.HandlerFunc
		permanent bool
	}{
		{"404", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}, true},
		{"500", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, false},
		{"429", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}, false},
		{"html body", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html>maintenance page</html>")
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			cfg := apiSource(srv.URL)
			c := New(cfg, srv.Client(), nil)
			_, err := c.Fetch(context.Background(), cfg, "")
			if err == nil {
				t.Fatal("expected error")
			}
			if strategy.IsPermanent(err) != tc.permanent {
				t.Errorf("IsPermanent = %v, want %v (err: %v)", strategy.IsPermanent(err), tc.permanent, err)
			}
		})
	}
}

func TestFetch_HeaderEnvExpansion(t *testing.T) {
	// WHAT: ${VAR} in configured headers expands from the environment.
	// WHY: API tokens belong in the environment, not in config files.
	t.Setenv("TEST_APP_TOKEN", "sekrit")

	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-App-Token")
		json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	cfg := apiSource(srv.URL)
	cfg.API.Headers = map[string]string{"X-App-Token": "${TEST_APP_TOKEN}"}
	c := New(cfg, srv.Client(), nil)

	if _, err := c.Fetch(context.Background(), cfg, ""); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotToken != "sekrit" {
		t.Errorf("token = %q", gotToken)
	}
}

func TestFetch_SkipsMalformedRows(t *testing.T) {
	// WHAT: Non-object items in the result array are skipped, not fatal.
	// WHY: One bad row in a municipal dataset must not block the other 10k.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"permit_number":"BP-1"}, "stray string", {"permit_number":"BP-2"}]`)
	}))
	defer srv.Close()

	cfg := apiSource(srv.URL)
	c := New(cfg, srv.Client(), nil)
	res, err := c.Fetch(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Records) != 2 {
		t.Errorf("got %d records, want 2", len(res.Records))
	}
}
