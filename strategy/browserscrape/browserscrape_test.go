package browserscrape

import (
	"strings"
	"testing"
	"time"
)

// Browser-driven paths need a live Chrome and are covered by manual runs
// against real portals; these tests cover the pure parts.

func TestManagerConfigDefaults(t *testing.T) {
	// WHAT: Zero-value config gets a nav timeout and a logger.
	cfg := ManagerConfig{}
	cfg.defaults()
	if cfg.NavTimeout != 30*time.Second {
		t.Errorf("NavTimeout = %v", cfg.NavTimeout)
	}
	if cfg.Logger == nil {
		t.Error("nil logger after defaults")
	}
}

func TestCellSanitization(t *testing.T) {
	// WHAT: The strict policy strips every tag from scraped cell text.
	// WHY: Portals embed links and spans inside result cells; canonical
	// fields must carry text only — and never script content a hostile page
	// could inject.
	s := New(nil, nil)
	cases := map[string]string{
		`<a href="/permit/BP-1">BP-1</a>`:        "BP-1",
		`plain text`:                             "plain text",
		`<span class="status">Issued</span>`:     "Issued",
		`<script>alert("x")</script>123 Main St`: "123 Main St",
	}
	for in, want := range cases {
		got := strings.TrimSpace(s.sanitize.Sanitize(in))
		if got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestManagerCloseWithoutStart(t *testing.T) {
	// WHAT: Closing a manager that never launched Chrome is a no-op.
	// WHY: Cleanup paths run unconditionally on shutdown.
	m := NewManager(ManagerConfig{})
	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
