package ingest

import (
	"testing"
	"time"
)

func TestParseDateRobust(t *testing.T) {
	eod := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 23, 59, 59, 999999999, time.UTC)
	}

	tests := []struct {
		name    string
		text    string
		locales []string
		want    time.Time
	}{
		{"ISO date", "2026-03-15", nil, eod(2026, 3, 15)},
		{"RFC3339 keeps time", "2026-03-15T10:30:00+01:00", nil, time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)},
		{"Italian numeric is day first", "05/03/2026", []string{"it"}, eod(2026, 3, 5)},
		{"US numeric is month first", "05/03/2026", []string{"en-US"}, eod(2026, 5, 3)},
		{"Dotted numeric", "15.04.2026", []string{"it"}, eod(2026, 4, 15)},
		{"Italian month name", "Scadenza: 30 aprile 2026", []string{"it"}, eod(2026, 4, 30)},
		{"Italian abbreviated month", "chiusura il 3 giu 2026 ore 12", []string{"it"}, eod(2026, 6, 3)},
		{"English long form", "January 31, 2026", []string{"en"}, eod(2026, 1, 31)},
		{"Embedded ISO", "domande dal 2026-02-01 fino a esaurimento", nil, eod(2026, 2, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDateRobust(tt.text, tt.locales)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseDateRobust_Rejects(t *testing.T) {
	for _, text := range []string{"", "a sportello", "31 febbraio 2026"} {
		if got, err := parseDateRobust(text, []string{"it"}); err == nil {
			t.Fatalf("expected error for %q, got %v", text, got)
		}
	}
}

func TestParseAmountRobust(t *testing.T) {
	tests := []struct {
		text     string
		min, max string
		currency string
	}{
		{"€ 50.000", "0", "50000", "EUR"},
		{"da 10.000 a 200.000 euro", "10000", "200000", "EUR"},
		{"fino a 1,5 milioni", "0", "1500000", "EUR"},
		{"contributo minimo 5.000", "5000", "0", "EUR"},
		{"up to $250,000", "0", "250000", "USD"},
		{"importo 1.234,56", "0", "1234.56", "EUR"},
	}

	for _, tt := range tests {
		min, max, cur := parseAmountRobust(tt.text, "EUR")
		if min.String() != tt.min || max.String() != tt.max || cur != tt.currency {
			t.Fatalf("%q: expected %s-%s %s, got %s-%s %s", tt.text, tt.min, tt.max, tt.currency, min, max, cur)
		}
	}
}

func TestParseAmountRobust_NoFigures(t *testing.T) {
	min, max, cur := parseAmountRobust("a fondo perduto", "EUR")
	if !min.IsZero() || !max.IsZero() || cur != "" {
		t.Fatalf("expected no amount, got %s-%s %q", min, max, cur)
	}
}
