// Package catalog holds the platform-wide test catalog, the reference-range
// flag policy and each tenant's offerings of catalog tests.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lims/lims/internal/lims"
)

//go:embed default.yaml
var defaultCatalog []byte

// Bounds is an inclusive numeric interval; either end may be open.
type Bounds struct {
	Low  *float64 `yaml:"low"`
	High *float64 `yaml:"high"`
}

func (b *Bounds) contains(v float64) bool {
	if b == nil {
		return true
	}
	if b.Low != nil && v < *b.Low {
		return false
	}
	if b.High != nil && v > *b.High {
		return false
	}
	return true
}

// RangeRule is the normal range for one demographic bucket. An empty Sex
// and nil age limits match everyone.
type RangeRule struct {
	Sex          string   `yaml:"sex"`
	AgeMin       *int     `yaml:"age_min"`
	AgeMax       *int     `yaml:"age_max"`
	Low          *float64 `yaml:"low"`
	High         *float64 `yaml:"high"`
	CriticalLow  *float64 `yaml:"critical_low"`
	CriticalHigh *float64 `yaml:"critical_high"`
}

func (r RangeRule) ageBounded() bool { return r.AgeMin != nil || r.AgeMax != nil }

func (r RangeRule) matches(s Subject) bool {
	if r.Sex != "" && !strings.EqualFold(r.Sex, s.Sex) {
		return false
	}
	if !r.ageBounded() {
		return true
	}
	if s.AgeYears < 0 {
		return false
	}
	if r.AgeMin != nil && s.AgeYears < *r.AgeMin {
		return false
	}
	if r.AgeMax != nil && s.AgeYears > *r.AgeMax {
		return false
	}
	return true
}

// Option maps one coded qualitative value to a flag.
type Option struct {
	Value string    `yaml:"value"`
	Flag  lims.Flag `yaml:"flag"`
}

// Test is a catalog entry together with its interpretation rules.
type Test struct {
	lims.CatalogEntry `yaml:",inline"`
	AMR               *Bounds     `yaml:"amr"`
	Ranges            []RangeRule `yaml:"ranges"`
	Options           []Option    `yaml:"options"`
}

type file struct {
	Tests []Test `yaml:"tests"`
}

// Catalog is immutable after construction.
type Catalog struct {
	tests map[string]*Test
}

// Parse reads a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Catalog{tests: make(map[string]*Test, len(f.Tests))}
	for i := range f.Tests {
		t := f.Tests[i]
		t.Code = strings.ToUpper(strings.TrimSpace(t.Code))
		if t.Code == "" {
			return nil, fmt.Errorf("catalog entry %d has no code", i)
		}
		if _, dup := c.tests[t.Code]; dup {
			return nil, fmt.Errorf("catalog code %s defined twice", t.Code)
		}
		switch t.Kind {
		case lims.KindQuantitative, lims.KindQualitative:
		case "":
			t.Kind = lims.KindQuantitative
		default:
			return nil, fmt.Errorf("catalog code %s: unknown kind %q", t.Code, t.Kind)
		}
		for _, o := range t.Options {
			switch o.Flag {
			case lims.FlagNormal, lims.FlagHigh, lims.FlagLow, lims.FlagCritical:
			default:
				return nil, fmt.Errorf("catalog code %s: option %s has unknown flag %q", t.Code, o.Value, o.Flag)
			}
		}
		c.tests[t.Code] = &t
	}
	return c, nil
}

// Load reads the catalog at path, or the built-in catalog when path is
// empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Test(code string) (*Test, bool) {
	t, ok := c.tests[strings.ToUpper(code)]
	return t, ok
}

func (c *Catalog) Entry(code string) (lims.CatalogEntry, bool) {
	t, ok := c.Test(code)
	if !ok {
		return lims.CatalogEntry{}, false
	}
	return t.CatalogEntry, true
}

// Entries lists every catalog entry ordered by code.
func (c *Catalog) Entries() []lims.CatalogEntry {
	out := make([]lims.CatalogEntry, 0, len(c.tests))
	for _, t := range c.tests {
		out = append(out, t.CatalogEntry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
