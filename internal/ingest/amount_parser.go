package ingest

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var amountNumberRegex = regexp.MustCompile(`\d[\d.,' ]*\d|\d`)

// parseAmountRobust extracts min/max amounts and currency from free text such
// as "€ 50.000", "da 10.000 a 200.000 euro" or "fino a 1,5 milioni".
func parseAmountRobust(text string, defaultCurrency string) (decimal.Decimal, decimal.Decimal, string) {
	textLower := strings.ToLower(text)

	currency := defaultCurrency
	if currency == "" {
		currency = "EUR"
	}
	if strings.Contains(textLower, "£") || strings.Contains(textLower, "gbp") {
		currency = "GBP"
	} else if strings.Contains(textLower, "$") || strings.Contains(textLower, "usd") || strings.Contains(textLower, "dollar") {
		currency = "USD"
	} else if strings.Contains(textLower, "€") || strings.Contains(textLower, "eur") {
		currency = "EUR"
	}

	multiplier := decimal.NewFromInt(1)
	switch {
	case strings.Contains(textLower, "milion") || strings.Contains(textLower, "mln") || strings.Contains(textLower, "million"):
		multiplier = decimal.NewFromInt(1_000_000)
	case strings.Contains(textLower, "mila") || strings.Contains(textLower, "migliaia"):
		multiplier = decimal.NewFromInt(1_000)
	}

	var amounts []decimal.Decimal
	for _, m := range amountNumberRegex.FindAllString(text, -1) {
		if val, ok := parseLocalizedNumber(m); ok && val.IsPositive() {
			amounts = append(amounts, val.Mul(multiplier))
		}
	}

	if len(amounts) == 0 {
		return decimal.Zero, decimal.Zero, ""
	}

	if len(amounts) == 1 {
		// Single amount - check if it's "up to" or "minimum"
		if containsAny(textLower, "minimo", "almeno", "a partire da", "minimum", "at least") {
			return amounts[0], decimal.Zero, currency
		}
		// Default ("fino a", "massimo", bare figure): treat as maximum
		return decimal.Zero, amounts[0], currency
	}

	min, max := amounts[0], amounts[0]
	for _, a := range amounts[1:] {
		if a.LessThan(min) {
			min = a
		}
		if a.GreaterThan(max) {
			max = a
		}
	}
	if min.Equal(max) {
		return decimal.Zero, max, currency
	}
	return min, max, currency
}

// parseLocalizedNumber accepts both "1.500.000,50" (it) and "1,500,000.50" (en).
// When both separators appear the last one is the decimal mark; a single
// separator followed by exactly three digits is a thousands separator.
func parseLocalizedNumber(s string) (decimal.Decimal, bool) {
	s = strings.NewReplacer(" ", "", "'", "").Replace(s)
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	decimalMark := byte(0)
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			decimalMark = '.'
		} else {
			decimalMark = ','
		}
	case lastDot >= 0 || lastComma >= 0:
		sep := byte('.')
		idx := lastDot
		if lastComma >= 0 {
			sep, idx = ',', lastComma
		}
		if strings.Count(s, string(sep)) == 1 && len(s)-idx-1 != 3 {
			decimalMark = sep
		}
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == decimalMark && i == strings.LastIndexByte(s, decimalMark):
			b.WriteByte('.')
		}
	}

	val, err := decimal.NewFromString(b.String())
	if err != nil {
		return decimal.Zero, false
	}
	return val, true
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
