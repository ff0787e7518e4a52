// Package category maps source-specific labels onto the platform's closed
// category set. The mappings are data, not logic: they live in a yaml table
// keyed by source, loaded once at startup.
package category

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/khabarhub/ingest/internal/metrics"
)

// Category is one of the fixed normalized categories. The set is closed: no
// new values are introduced at runtime, and unmapped labels resolve to Other.
type Category string

const (
	Politics      Category = "politics"
	Economy       Category = "economy"
	Society       Category = "society"
	Sports        Category = "sports"
	Culture       Category = "culture"
	International Category = "international"
	Technology    Category = "technology"
	Science       Category = "science"
	Health        Category = "health"
	Provinces     Category = "provinces"
	Other         Category = "other"
)

var All = []Category{
	Politics, Economy, Society, Sports, Culture, International,
	Technology, Science, Health, Provinces, Other,
}

func Valid(c Category) bool {
	for _, v := range All {
		if c == v {
			return true
		}
	}
	return false
}

// Table holds the raw-label mappings per source.
type Table map[string]map[string]Category

type tableFile struct {
	Categories map[string]map[string]string `yaml:"categories"`
}

// ParseTable decodes a yaml mapping table and validates that every target is
// a member of the closed category set.
func ParseTable(data []byte) (Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	table := make(Table, len(file.Categories))
	for source, mappings := range file.Categories {
		table[source] = make(map[string]Category, len(mappings))
		for raw, target := range mappings {
			c := Category(target)
			if !Valid(c) {
				return nil, fmt.Errorf("source %q: label %q maps to unknown category %q", source, raw, target)
			}
			table[source][strings.TrimSpace(raw)] = c
		}
	}
	return table, nil
}

func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTable(data)
}

// Normalizer resolves raw labels against the table.
type Normalizer struct {
	table Table
	log   *slog.Logger
}

func NewNormalizer(table Table, log *slog.Logger) *Normalizer {
	return &Normalizer{table: table, log: log}
}

// Normalize maps a source's raw label to a normalized category. The lookup
// trims and case-folds the label; labels with a ">" subcategory separator
// fall back to their main segment. Anything the table does not know,
// including an empty label, resolves to Other, and every such fallback is
// logged so the table can be reviewed periodically.
func (n *Normalizer) Normalize(source, rawCategory string) Category {
	raw := strings.TrimSpace(rawCategory)
	if raw == "" {
		// Routine for feeds without category tags, so debug rather than warn.
		n.log.Debug("empty category, falling back to other", "source", source)
		return Other
	}

	mappings := n.table[source]
	if c, ok := lookup(mappings, raw); ok {
		return c
	}

	if idx := strings.Index(raw, ">"); idx >= 0 {
		main := strings.TrimSpace(raw[:idx])
		if c, ok := lookup(mappings, main); ok {
			return c
		}
	}

	n.log.Warn("unmapped category, falling back to other",
		"source", source, "raw_category", raw)
	metrics.Global.IncrementCategoryFallbacks()
	return Other
}

func lookup(mappings map[string]Category, raw string) (Category, bool) {
	if c, ok := mappings[raw]; ok {
		return c, true
	}
	for key, c := range mappings {
		if strings.EqualFold(key, raw) {
			return c, true
		}
	}
	return "", false
}
