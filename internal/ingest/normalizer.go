package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/david/bandi-engine/internal/models"
)

// ErrUnknownSourceKind is returned for a discriminator outside SourceKind.
var ErrUnknownSourceKind = errors.New("unknown source kind")

// TruncateText cuts text to at most maxLen runes, ending in "..." when cut.
func TruncateText(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	if maxLen > 3 {
		return string(runes[:maxLen-3]) + "..."
	}
	return string(runes[:max(maxLen, 0)])
}

// Normalizer turns raw source records into canonical grants. It is pure and
// safe for concurrent use.
type Normalizer struct {
	registry *Registry
}

func NewNormalizer(registry *Registry) *Normalizer {
	return &Normalizer{registry: registry}
}

// Normalize validates a raw record once and produces the canonical Grant.
// It fails with *models.ValidationError when title, source, or both
// deadline and description are missing after trimming.
func (n *Normalizer) Normalize(raw RawSourceRecord) (models.Grant, error) {
	source := cleanText(raw.Source)
	entry := n.registry.Lookup(source)
	if source == "" {
		source = cleanText(stringField(raw.Fields, entry.Fields.Source))
	}
	if source == "" {
		return models.Grant{}, &models.ValidationError{Field: "source", Reason: "is empty"}
	}
	cfg := n.registry.Lookup(source)
	fields := cfg.Fields

	kind := raw.Kind
	if kind == "" {
		kind = SourceKind(cfg.Kind)
	}
	kind, err := ParseSourceKind(string(kind))
	if err != nil {
		return models.Grant{}, &models.ValidationError{Source: source, Field: "kind", Reason: err.Error()}
	}

	title := sanitizeUTF8(cleanText(stringField(raw.Fields, fields.Title)))
	if kind == KindHTML {
		title = HTMLToText(title)
	}
	if title == "" {
		return models.Grant{}, &models.ValidationError{Source: source, Field: "title", Reason: "is empty"}
	}

	g := models.Grant{
		Title:    title,
		Source:   source,
		Region:   normalizeRegion(stringField(raw.Fields, fields.Region)),
		URL:      strings.TrimSpace(stringField(raw.Fields, fields.URL)),
		Currency: strings.ToUpper(strings.TrimSpace(stringField(raw.Fields, fields.Currency))),
	}

	// 1. Description
	description := sanitizeUTF8(stringField(raw.Fields, fields.Description))
	switch kind {
	case KindHTML:
		if strings.TrimSpace(description) != "" {
			g.DescriptionHTML = sanitizeHTML(description)
			g.Description = HTMLToText(g.DescriptionHTML)
		}
	default:
		g.Description = cleanText(description)
	}

	// 2. Deadline: the structured date is authoritative, the text is for display
	g.DeadlineText = cleanText(stringField(raw.Fields, fields.DetailedDeadline))
	if t, ok := timeField(raw.Fields, fields.Deadline); ok {
		g.DeadlineAt = &t
	} else if structured := cleanText(stringField(raw.Fields, fields.Deadline)); structured != "" {
		if dt, err := parseDateRobust(structured, cfg.DateLocales); err == nil {
			g.DeadlineAt = &dt
		} else if g.DeadlineText == "" {
			g.DeadlineText = structured
		}
	}
	if g.DeadlineAt == nil && g.DeadlineText != "" {
		if dt, err := parseDateRobust(g.DeadlineText, cfg.DateLocales); err == nil {
			g.DeadlineAt = &dt
		}
	}

	if g.Description == "" && g.DeadlineAt == nil && g.DeadlineText == "" {
		return models.Grant{}, &models.ValidationError{Source: source, Field: "deadline/description", Reason: "both are empty"}
	}

	// 3. Identity
	if id := strings.TrimSpace(stringField(raw.Fields, fields.ID)); id != "" {
		g.Key = id
		g.KeyOrigin = models.KeyPersisted
	} else {
		g.Key = DerivedKey(source, title)
		g.KeyOrigin = models.KeyDerived
	}

	// 4. Timestamps
	if raw.IngestedAt != nil {
		t := raw.IngestedAt.UTC()
		g.IngestedAt = &t
	} else if t, ok := timeField(raw.Fields, fields.Ingested); ok {
		g.IngestedAt = &t
	}
	if t, ok := timeField(raw.Fields, fields.Published); ok {
		g.PublishedAt = &t
	}

	// 5. Sectors and amounts
	g.EligibleSectors = listField(raw.Fields, fields.Sectors)
	if amountText := stringField(raw.Fields, fields.Amount); amountText != "" {
		min, max, currency := parseAmountRobust(amountText, cfg.CurrencyDefault)
		g.AmountMin, g.AmountMax = min, max
		if g.Currency == "" {
			g.Currency = currency
		}
	}

	if payload, err := json.Marshal(raw.Fields); err == nil {
		g.Raw = payload
	}

	return g, nil
}

// DerivedKey is the fallback identity for sources without stable IDs:
// normalized source and title joined by "|".
func DerivedKey(source, title string) string {
	return normalizeKeyPart(source) + "|" + normalizeKeyPart(title)
}

// lookupField finds the first alias present in fields, case-insensitively.
func lookupField(fields map[string]any, aliases []string) (any, bool) {
	for _, alias := range aliases {
		if v, ok := fields[alias]; ok && v != nil {
			return v, true
		}
	}
	for _, alias := range aliases {
		for k, v := range fields {
			if v != nil && strings.EqualFold(k, alias) {
				return v, true
			}
		}
	}
	return nil, false
}

func stringField(fields map[string]any, aliases []string) string {
	v, ok := lookupField(fields, aliases)
	if !ok {
		return ""
	}
	switch typed := v.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	case float64:
		if typed == math.Trunc(typed) && math.Abs(typed) < 1e15 {
			return strconv.FormatInt(int64(typed), 10)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case decimal.Decimal:
		return typed.String()
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return typed.String()
	}
	return ""
}

func timeField(fields map[string]any, aliases []string) (time.Time, bool) {
	v, ok := lookupField(fields, aliases)
	if !ok {
		return time.Time{}, false
	}
	switch typed := v.(type) {
	case time.Time:
		return typed.UTC(), !typed.IsZero()
	case *time.Time:
		if typed == nil || typed.IsZero() {
			return time.Time{}, false
		}
		return typed.UTC(), true
	case string:
		s := strings.TrimSpace(typed)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
		if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func listField(fields map[string]any, aliases []string) []string {
	v, ok := lookupField(fields, aliases)
	if !ok {
		return nil
	}
	switch typed := v.(type) {
	case []string:
		return mergeUniqueFold(nil, typed)
	case []any:
		var out []string
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, cleanText(s))
			}
		}
		return mergeUniqueFold(nil, out)
	case string:
		return splitAndCleanList(typed)
	}
	return nil
}
