package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func defaultsForTest() *Config {
	return &Config{
		PollInterval:         5 * time.Minute,
		MaxRequestsPerMinute: 60,
		DelayBetweenRequests: time.Second,
		MaxRetries:           3,
	}
}

func writeSources(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSourcesAppliesDefaults(t *testing.T) {
	path := writeSources(t, `
sources:
  - name: irna
    type: rss
    feed_url: https://www.irna.ir/rss
    enabled: true
`)
	sources, err := LoadSources(path, defaultsForTest())
	if err != nil {
		t.Fatalf("LoadSources failed: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}

	s := sources[0]
	if time.Duration(s.PollInterval) != 5*time.Minute {
		t.Errorf("expected default poll interval, got %v", time.Duration(s.PollInterval))
	}
	if s.MaxRequestsPerMinute != 60 {
		t.Errorf("expected default rpm 60, got %d", s.MaxRequestsPerMinute)
	}
	if s.MaxRetries != 3 {
		t.Errorf("expected default retries 3, got %d", s.MaxRetries)
	}
	if s.Language != "fa" {
		t.Errorf("expected default language fa, got %q", s.Language)
	}
}

func TestLoadSourcesKeepsExplicitValues(t *testing.T) {
	path := writeSources(t, `
sources:
  - name: tasnim
    type: html
    listing_url: https://www.tasnimnews.ir/fa/archive
    enabled: true
    poll_interval: 10m
    max_requests_per_minute: 20
    delay_between_requests: 3s
    listing:
      item: "article.list-item"
      link: "a"
`)
	sources, err := LoadSources(path, defaultsForTest())
	if err != nil {
		t.Fatalf("LoadSources failed: %v", err)
	}

	s := sources[0]
	if time.Duration(s.PollInterval) != 10*time.Minute {
		t.Errorf("expected 10m poll interval, got %v", time.Duration(s.PollInterval))
	}
	if s.MaxRequestsPerMinute != 20 {
		t.Errorf("expected rpm 20, got %d", s.MaxRequestsPerMinute)
	}
	if time.Duration(s.DelayBetweenRequests) != 3*time.Second {
		t.Errorf("expected 3s delay, got %v", time.Duration(s.DelayBetweenRequests))
	}
}

func TestLoadSourcesRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"no sources", "sources: []"},
		{"missing name", `
sources:
  - type: rss
    feed_url: https://example.com/rss
`},
		{"duplicate name", `
sources:
  - name: irna
    type: rss
    feed_url: https://www.irna.ir/rss
  - name: irna
    type: rss
    feed_url: https://www.irna.ir/rss
`},
		{"unknown type", `
sources:
  - name: irna
    type: atom
    feed_url: https://www.irna.ir/rss
`},
		{"rss without feed url", `
sources:
  - name: irna
    type: rss
`},
		{"html without listing rules", `
sources:
  - name: tasnim
    type: html
    listing_url: https://www.tasnimnews.ir/fa/archive
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeSources(t, tc.content)
			if _, err := LoadSources(path, defaultsForTest()); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var out struct {
		D Duration `yaml:"d"`
	}
	if err := yaml.Unmarshal([]byte(`d: 1.5s`), &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if time.Duration(out.D) != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", time.Duration(out.D))
	}

	if err := yaml.Unmarshal([]byte(`d: fast`), &out); err == nil {
		t.Error("expected an error for a malformed duration")
	}
}
