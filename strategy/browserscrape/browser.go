// Package browserscrape extracts permit records from JS-rendered municipal
// portals using a managed headless Chrome.
//
// The Manager owns the Chrome lifecycle: launch a local instance (or connect
// to a remote one over WebSocket), hand out tabs, and shut down cleanly.
// Scraping recipes are pure configuration — form fields, row and column
// selectors — so new portals are onboarded without code.
package browserscrape

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// ManagerConfig configures the browser manager.
type ManagerConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local headless Chrome via launcher.
	RemoteURL string

	// NavTimeout bounds page navigation and load waits. Default: 30s.
	NavTimeout time.Duration

	Logger *slog.Logger
}

func (c *ManagerConfig) defaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager manages the Chrome lifecycle for all browser-scrape sources.
type Manager struct {
	cfg     ManagerConfig
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a Manager. Chrome starts lazily on first use.
func NewManager(cfg ManagerConfig) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Browser returns the connected browser, starting Chrome if needed.
func (m *Manager) Browser() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browserscrape: manager is closed")
	}
	if m.browser != nil {
		return m.browser, nil
	}

	controlURL := m.cfg.RemoteURL
	if controlURL == "" {
		l := launcher.New().Headless(true)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browserscrape: launch chrome: %w", err)
		}
		m.lnch = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browserscrape: connect: %w", err)
	}
	m.browser = b
	m.cfg.Logger.Info("browserscrape: chrome connected", "remote", m.cfg.RemoteURL != "")
	return b, nil
}

// openPage creates a tab (stealth when requested) and navigates it.
func (m *Manager) openPage(ctx context.Context, pageURL string, useStealth bool) (*rod.Page, error) {
	b, err := m.Browser()
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if useStealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browserscrape: create tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browserscrape: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.cfg.Logger.Warn("browserscrape: wait load timeout", "url", pageURL, "error", err)
	}
	return page, nil
}

// Close shuts down Chrome and releases the launcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return nil
}
