package ingest

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

// Registry holds the per-source decoding configuration.
type Registry struct {
	Defaults SourceDefaults `yaml:"defaults"`
	Sources  []SourceConfig `yaml:"sources"`
}

// SourceDefaults apply to every source unless overridden.
type SourceDefaults struct {
	DateLocales     []string     `yaml:"date_locales,omitempty"`     // ["it", "en"]
	CurrencyDefault string       `yaml:"currency_default,omitempty"` // "EUR"
	Fields          FieldMapping `yaml:"fields,omitempty"`
}

// SourceConfig defines a single grant source.
type SourceConfig struct {
	Name            string       `yaml:"name"`
	Kind            string       `yaml:"kind"` // "portal", "html", "manual"
	Active          bool         `yaml:"active"`
	Description     string       `yaml:"description,omitempty"`
	DateLocales     []string     `yaml:"date_locales,omitempty"`
	CurrencyDefault string       `yaml:"currency_default,omitempty"`
	Fields          FieldMapping `yaml:"fields,omitempty"`
}

// FieldMapping lists, for each logical field, the payload keys that may
// carry it. Keys are tried in order, case-insensitively.
type FieldMapping struct {
	ID               []string `yaml:"id,omitempty"`
	Title            []string `yaml:"title,omitempty"`
	Description      []string `yaml:"description,omitempty"`
	Source           []string `yaml:"source,omitempty"`
	Deadline         []string `yaml:"deadline,omitempty"`
	DetailedDeadline []string `yaml:"detailed_deadline,omitempty"`
	Sectors          []string `yaml:"sectors,omitempty"`
	Published        []string `yaml:"published,omitempty"`
	Ingested         []string `yaml:"ingested,omitempty"`
	Region           []string `yaml:"region,omitempty"`
	Amount           []string `yaml:"amount,omitempty"`
	Currency         []string `yaml:"currency,omitempty"`
	URL              []string `yaml:"url,omitempty"`
}

// merged returns m's aliases followed by the fallback aliases.
func (m FieldMapping) merged(fallback FieldMapping) FieldMapping {
	join := func(a, b []string) []string {
		return mergeUniqueFold(append([]string(nil), a...), b)
	}
	return FieldMapping{
		ID:               join(m.ID, fallback.ID),
		Title:            join(m.Title, fallback.Title),
		Description:      join(m.Description, fallback.Description),
		Source:           join(m.Source, fallback.Source),
		Deadline:         join(m.Deadline, fallback.Deadline),
		DetailedDeadline: join(m.DetailedDeadline, fallback.DetailedDeadline),
		Sectors:          join(m.Sectors, fallback.Sectors),
		Published:        join(m.Published, fallback.Published),
		Ingested:         join(m.Ingested, fallback.Ingested),
		Region:           join(m.Region, fallback.Region),
		Amount:           join(m.Amount, fallback.Amount),
		Currency:         join(m.Currency, fallback.Currency),
		URL:              join(m.URL, fallback.URL),
	}
}

// LoadRegistry reads the embedded sources.yaml, or path when it is non-empty.
func LoadRegistry(path string) (*Registry, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		data, err = sourcesYAML.ReadFile("config/sources.yaml")
	}
	if err != nil {
		return nil, fmt.Errorf("read source registry: %w", err)
	}

	// Expand environment variables within the YAML content (e.g. ${PORTAL_TOKEN})
	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, fmt.Errorf("parse source registry: %w", err)
	}

	for i, src := range reg.Sources {
		if strings.TrimSpace(src.Name) == "" {
			return nil, fmt.Errorf("source registry entry %d has no name", i)
		}
		if _, err := ParseSourceKind(src.Kind); err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}
	}

	return &reg, nil
}

// Lookup returns the effective configuration for a source name, falling back
// to the defaults for unregistered sources.
func (r *Registry) Lookup(source string) SourceConfig {
	cfg := SourceConfig{Name: source, Kind: string(KindPortal), Active: true}
	if r != nil {
		for _, src := range r.Sources {
			if strings.EqualFold(strings.TrimSpace(src.Name), strings.TrimSpace(source)) {
				cfg = src
				break
			}
		}
	}

	var defaults SourceDefaults
	if r != nil {
		defaults = r.Defaults
	}
	if len(cfg.DateLocales) == 0 {
		cfg.DateLocales = defaults.DateLocales
	}
	if len(cfg.DateLocales) == 0 {
		cfg.DateLocales = []string{"it", "en"}
	}
	if cfg.CurrencyDefault == "" {
		cfg.CurrencyDefault = defaults.CurrencyDefault
	}
	cfg.Fields = cfg.Fields.merged(defaults.Fields.merged(builtinFields))
	return cfg
}

// ActiveSources lists the names of registry sources marked active.
func (r *Registry) ActiveSources() []string {
	var names []string
	for _, src := range r.Sources {
		if src.Active {
			names = append(names, src.Name)
		}
	}
	return names
}

var builtinFields = FieldMapping{
	ID:               []string{"id", "bando_id", "codice_bando"},
	Title:            []string{"title", "titolo"},
	Description:      []string{"description", "descrizione"},
	Source:           []string{"source", "fonte"},
	Deadline:         []string{"deadline", "scadenza", "data_scadenza"},
	DetailedDeadline: []string{"detailed_deadline", "scadenza_dettagliata"},
	Sectors:          []string{"sectors", "settori", "eligible_sectors", "ateco"},
	Published:        []string{"published_at", "data_pubblicazione"},
	Ingested:         []string{"ingested_at", "imported_at", "data_importazione"},
	Region:           []string{"region", "regione"},
	Amount:           []string{"amount", "importo", "dotazione"},
	Currency:         []string{"currency", "valuta"},
	URL:              []string{"url", "link"},
}
