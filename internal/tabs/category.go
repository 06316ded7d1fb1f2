package tabs

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CategoryUnknown is returned for domains with no table entry.
const CategoryUnknown = "unknown"

// CategoryTable maps domains to category tags ("news", "social", "video").
// Lookups fall back through parent domains, so an entry for "google.com"
// also covers "mail.google.com". A nil table answers CategoryUnknown.
type CategoryTable struct {
	byDomain map[string]string
}

// NewCategoryTable builds a table from a domain->category map. Keys are
// lowercased; nil or empty input yields a table that only answers unknown.
func NewCategoryTable(entries map[string]string) *CategoryTable {
	t := &CategoryTable{byDomain: make(map[string]string, len(entries))}
	for domain, category := range entries {
		t.byDomain[strings.ToLower(domain)] = category
	}
	return t
}

// LoadCategoryTable reads a YAML file of `domain: category` pairs.
func LoadCategoryTable(path string) (*CategoryTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read category table: %w", err)
	}
	entries := map[string]string{}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse category table: %w", err)
	}
	return NewCategoryTable(entries), nil
}

// Lookup resolves a domain to its category, trying the domain itself and
// then successive parent domains ("a.b.c" -> "b.c" -> "c").
func (t *CategoryTable) Lookup(domain string) string {
	if t == nil || domain == "" {
		return CategoryUnknown
	}
	d := strings.ToLower(domain)
	for {
		if category, ok := t.byDomain[d]; ok {
			return category
		}
		dot := strings.IndexByte(d, '.')
		if dot < 0 {
			return CategoryUnknown
		}
		d = d[dot+1:]
	}
}
