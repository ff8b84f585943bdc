package dashboard

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrafanaLink(t *testing.T) {
	from := time.Date(2024, 3, 6, 13, 0, 0, 0, time.UTC)
	to := from.Add(2 * time.Hour)

	g := NewGrafana(Config{BaseURL: "https://grafana.example.net/", UID: "pfe", Slug: "pfe-exceptions", OrgID: 1})
	link := g.Link("mx1", from, to, "bad ipv4 hdr")

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "grafana.example.net", u.Host)
	assert.Equal(t, "/d/pfe/pfe-exceptions", u.Path)
	assert.Equal(t, "mx1", u.Query().Get("var-device"))
	assert.Equal(t, "bad ipv4 hdr", u.Query().Get("var-exception"))
	assert.Equal(t, "1709730000000", u.Query().Get("from"))
	assert.Equal(t, "1709737200000", u.Query().Get("to"))
	assert.Equal(t, "1", u.Query().Get("orgId"))
}

func TestGrafanaLinkStable(t *testing.T) {
	at := time.Date(2024, 3, 6, 13, 0, 0, 0, time.UTC)
	g := NewGrafana(DefaultConfig())
	assert.Equal(t, g.Link("mx1", at, at, "sw_error"), g.Link("mx1", at, at, "sw_error"))

	noSlug := NewGrafana(Config{BaseURL: "http://g", UID: "x"})
	assert.Contains(t, noSlug.Link("a", at, at, "b"), "http://g/d/x?")
}

func TestGrafanaLinkExceptions(t *testing.T) {
	at := time.Date(2024, 3, 6, 13, 0, 0, 0, time.UTC)
	g := NewGrafana(DefaultConfig())

	tests := []struct {
		name       string
		exceptions []string
		want       []string
	}{
		{name: "none", want: nil},
		{name: "one", exceptions: []string{"sw_error"}, want: []string{"sw_error"}},
		{name: "several", exceptions: []string{"a", "b", "c"}, want: []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(g.Link("mx1", at, at, tt.exceptions...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.Query()["var-exception"])
		})
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{BaseURL: "http://g"}.Validate())
	assert.Error(t, Config{BaseURL: "grafana", UID: "x"}.Validate())
	assert.Error(t, Config{BaseURL: "://bad", UID: "x"}.Validate())
}
