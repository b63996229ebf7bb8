package pattern

import (
	"encoding/json"
)

// A Catalog is the fixed, ordered set of patterns an engine can switch between. The index of a
// pattern is its position in the catalog.
type Catalog struct {
	patterns []Pattern
}

// NewCatalog returns a fresh catalog of every built in pattern. Each engine owns its own catalog
// since patterns hold their configuration.
func NewCatalog() *Catalog {
	return NewCatalogOf(
		NewSimpleStroke(),
		NewTeasingPounding(),
	)
}

// NewCatalogOf returns a catalog of the given patterns in order.
func NewCatalogOf(patterns ...Pattern) *Catalog {
	return &Catalog{patterns: append([]Pattern(nil), patterns...)}
}

// Len returns the number of patterns.
func (c *Catalog) Len() int {
	return len(c.patterns)
}

// At returns the pattern at index, or false if there is none.
func (c *Catalog) At(index int) (Pattern, bool) {
	if index < 0 || index >= len(c.patterns) {
		return nil, false
	}
	return c.patterns[index], true
}

// Names returns the pattern names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.patterns))
	for _, p := range c.patterns {
		names = append(names, p.Name())
	}
	return names
}

// MarshalJSON renders the catalog as an array of single entry {name: index} objects, the
// listing remote controls expect.
func (c *Catalog) MarshalJSON() ([]byte, error) {
	entries := make([]map[string]int, 0, len(c.patterns))
	for i, p := range c.patterns {
		entries = append(entries, map[string]int{p.Name(): i})
	}
	return json.Marshal(entries)
}
