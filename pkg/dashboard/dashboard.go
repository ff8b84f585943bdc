// Package dashboard builds deep links into the PFE exceptions dashboard.
package dashboard

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Linker turns a device, a time window and the exceptions to show into a
// URL. The result is opaque to callers.
type Linker interface {
	Link(device string, from, to time.Time, exceptions ...string) string
}

// Config points at a Grafana dashboard.
type Config struct {
	BaseURL string `mapstructure:"base_url"`
	UID     string `mapstructure:"uid"`
	Slug    string `mapstructure:"slug"`
	OrgID   int    `mapstructure:"org_id"`
}

// DefaultConfig returns the dashboard the collector provisions.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:3000",
		UID:     "pfe-exceptions",
		Slug:    "pfe-exceptions",
		OrgID:   1,
	}
}

// Validate checks that a usable base URL and dashboard UID are set.
func (c Config) Validate() error {
	if c.UID == "" {
		return fmt.Errorf("dashboard uid is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("dashboard base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("dashboard base url %q must be absolute", c.BaseURL)
	}
	return nil
}

// Grafana links to a Grafana dashboard with device and exception template
// variables preset.
type Grafana struct {
	cfg Config
}

// NewGrafana creates a linker for cfg.
func NewGrafana(cfg Config) *Grafana {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Grafana{cfg: cfg}
}

// Link implements Linker. Each exception becomes its own var-exception
// value, the form Grafana uses for multi-value variables.
func (g *Grafana) Link(device string, from, to time.Time, exceptions ...string) string {
	q := url.Values{}
	if g.cfg.OrgID > 0 {
		q.Set("orgId", strconv.Itoa(g.cfg.OrgID))
	}
	q.Set("var-device", device)
	for _, e := range exceptions {
		q.Add("var-exception", e)
	}
	q.Set("from", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("to", strconv.FormatInt(to.UnixMilli(), 10))

	path := "/d/" + url.PathEscape(g.cfg.UID)
	if g.cfg.Slug != "" {
		path += "/" + url.PathEscape(g.cfg.Slug)
	}
	return g.cfg.BaseURL + path + "?" + q.Encode()
}
