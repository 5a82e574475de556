package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	isoDateRegex     = regexp.MustCompile(`\b(20\d{2})-(\d{2})-(\d{2})\b`)
	slashDateRegex   = regexp.MustCompile(`\b(\d{1,2})[/.](\d{1,2})[/.](20\d{2})\b`)
	italianDateRegex = regexp.MustCompile(`(?i)\b(\d{1,2})\s+(gennaio|febbraio|marzo|aprile|maggio|giugno|luglio|agosto|settembre|ottobre|novembre|dicembre|gen|feb|mar|apr|mag|giu|lug|ago|set|ott|nov|dic)\.?\s+(20\d{2})\b`)
	englishDateRegex = regexp.MustCompile(`\b(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\s+(\d{1,2}),?\s+(20\d{2})\b`)
)

var italianMonths = map[string]time.Month{
	"gennaio": time.January, "gen": time.January,
	"febbraio": time.February, "feb": time.February,
	"marzo": time.March, "mar": time.March,
	"aprile": time.April, "apr": time.April,
	"maggio": time.May, "mag": time.May,
	"giugno": time.June, "giu": time.June,
	"luglio": time.July, "lug": time.July,
	"agosto": time.August, "ago": time.August,
	"settembre": time.September, "set": time.September,
	"ottobre": time.October, "ott": time.October,
	"novembre": time.November, "nov": time.November,
	"dicembre": time.December, "dic": time.December,
}

// parseDateRobust attempts to parse dates in multiple formats and locales.
// Date-only values resolve to the end of that day in UTC.
func parseDateRobust(text string, locales []string) (time.Time, error) {
	text = cleanDateString(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	// Try ISO format first (most reliable)
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", text); err == nil {
		return toEndOfDay(t), nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05", text); err == nil {
		return t.UTC(), nil
	}

	dayFirst := prefersDayFirst(locales)

	numericFormats := []string{"02/01/2006", "2/1/2006", "02.01.2006", "02-01-2006"}
	if !dayFirst {
		numericFormats = []string{"01/02/2006", "1/2/2006"}
	}
	for _, format := range numericFormats {
		if t, err := time.Parse(format, text); err == nil {
			return toEndOfDay(t), nil
		}
	}

	englishFormats := []string{
		"2 January 2006",
		"02 January 2006",
		"January 2, 2006",
		"Jan 2, 2006",
		"2 Jan 2006",
	}
	for _, format := range englishFormats {
		if t, err := time.Parse(format, text); err == nil {
			return toEndOfDay(t), nil
		}
	}

	// Free text: look for an embedded date
	if t := parseItalianDateWithRegex(text); !t.IsZero() {
		return toEndOfDay(t), nil
	}
	if t := parseDateWithRegex(text, dayFirst); !t.IsZero() {
		return toEndOfDay(t), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", text)
}

func prefersDayFirst(locales []string) bool {
	for _, l := range locales {
		l = strings.ToLower(strings.TrimSpace(l))
		if strings.HasPrefix(l, "en-us") || l == "us" {
			return false
		}
		if l != "" {
			return !strings.HasPrefix(l, "en") || strings.HasPrefix(l, "en-gb")
		}
	}
	return true
}

// toEndOfDay sets the time to 23:59:59.999999999 UTC
func toEndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999999999, time.UTC)
}

// parseItalianDateWithRegex handles "15 marzo 2026" anywhere in the text.
func parseItalianDateWithRegex(text string) time.Time {
	matches := italianDateRegex.FindStringSubmatch(text)
	if len(matches) != 4 {
		return time.Time{}
	}
	month, ok := italianMonths[strings.ToLower(matches[2])]
	if !ok {
		return time.Time{}
	}
	var day, year int
	if _, err := fmt.Sscanf(matches[1]+" "+matches[3], "%d %d", &day, &year); err != nil {
		return time.Time{}
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{} // 31 febbraio and friends
	}
	return t
}

// parseDateWithRegex uses regex to extract dates from text
func parseDateWithRegex(text string, dayFirst bool) time.Time {
	if matches := isoDateRegex.FindStringSubmatch(text); len(matches) == 4 {
		if t, err := time.Parse("2006-01-02", matches[0]); err == nil {
			return t
		}
	}

	if matches := slashDateRegex.FindStringSubmatch(text); len(matches) == 4 {
		day, month := matches[1], matches[2]
		if !dayFirst {
			day, month = month, day
		}
		if t, err := time.Parse("2/1/2006", fmt.Sprintf("%s/%s/%s", day, month, matches[3])); err == nil {
			return t
		}
	}

	if matches := englishDateRegex.FindStringSubmatch(text); len(matches) == 4 {
		dateStr := fmt.Sprintf("%s %s %s", matches[1], matches[2], matches[3])
		if t, err := time.Parse("January 2 2006", dateStr); err == nil {
			return t
		}
		if t, err := time.Parse("Jan 2 2006", dateStr); err == nil {
			return t
		}
	}

	return time.Time{}
}

// cleanDateString removes common prefixes and cleans up date strings
func cleanDateString(s string) string {
	prefixes := []string{
		"Scadenza:", "Data di scadenza:", "Termine:", "Entro il", "entro le ore",
		"Closing date:", "Deadline:", "Due date:",
	}
	sLower := strings.ToLower(s)
	for _, p := range prefixes {
		if idx := strings.Index(sLower, strings.ToLower(p)); idx != -1 {
			s = s[idx+len(p):]
			sLower = sLower[idx+len(p):]
		}
	}
	return strings.TrimSpace(s)
}
