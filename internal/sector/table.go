package sector

import (
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

//go:embed classification.yaml
var classificationYAML embed.FS

// Code is one classification code attached to a sector.
type Code struct {
	Code        string `yaml:"code" json:"code"`
	Description string `yaml:"description" json:"description"`
}

// Sector is a business sector and the codes it covers.
type Sector struct {
	Name    string   `yaml:"name" json:"name"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Codes   []Code   `yaml:"codes" json:"codes"`
}

// Table maps sector names to classification codes. It is built once and
// never mutated, so it is safe to share between runs and goroutines.
type Table struct {
	sectors []Sector
	byName  map[string]int
	codes   map[string]struct{}
}

// LoadTable reads the embedded classification.yaml, or path when non-empty.
func LoadTable(path string) (*Table, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		data, err = classificationYAML.ReadFile("classification.yaml")
	}
	if err != nil {
		return nil, fmt.Errorf("read classification table: %w", err)
	}

	var doc struct {
		Sectors []Sector `yaml:"sectors"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse classification table: %w", err)
	}
	return NewTable(doc.Sectors)
}

// NewTable indexes sectors by name and alias. Duplicate names are rejected.
func NewTable(sectors []Sector) (*Table, error) {
	t := &Table{
		sectors: sectors,
		byName:  make(map[string]int),
		codes:   make(map[string]struct{}),
	}
	for i, s := range sectors {
		if fold(s.Name) == "" {
			return nil, fmt.Errorf("classification entry %d has no name", i)
		}
		for _, name := range append([]string{s.Name}, s.Aliases...) {
			key := fold(name)
			if key == "" {
				continue
			}
			if j, dup := t.byName[key]; dup && j != i {
				return nil, fmt.Errorf("sector name %q defined twice", name)
			}
			t.byName[key] = i
		}
		for _, c := range s.Codes {
			t.codes[strings.TrimSpace(c.Code)] = struct{}{}
		}
	}
	return t, nil
}

// Lookup returns the sector for a name or alias, ignoring case.
func (t *Table) Lookup(name string) (Sector, bool) {
	i, ok := t.byName[fold(name)]
	if !ok {
		return Sector{}, false
	}
	return t.sectors[i], true
}

// CodesFor returns the bare codes of the named sector.
func (t *Table) CodesFor(name string) []string {
	s, ok := t.Lookup(name)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.Codes))
	for _, c := range s.Codes {
		out = append(out, strings.TrimSpace(c.Code))
	}
	return out
}

// KnownCode reports whether code belongs to any sector.
func (t *Table) KnownCode(code string) bool {
	_, ok := t.codes[strings.TrimSpace(code)]
	return ok
}

// Names lists canonical sector names in alphabetical order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.sectors))
	for _, s := range t.sectors {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// fold builds a fresh caser on each call: casers carry state and are not
// safe for concurrent use.
func fold(s string) string {
	return cases.Fold().String(strings.Join(strings.Fields(s), " "))
}
