package extract

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// currencySymbols maps leading/trailing symbols onto ISO codes. Kept as an
// ordered list; the scan picks the leftmost occurrence so strings carrying a
// converted amount ("€100 ($110)") always resolve to the displayed currency.
var currencySymbols = []struct {
	sym  string
	code string
}{
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"₹", "INR"},
	{"kr", "SEK"},
	{"zł", "PLN"},
}

// currencyCodes are recognized as-is when they appear next to the amount.
var currencyCodes = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "CAD": {},
	"AUD": {}, "CHF": {}, "SEK": {}, "NOK": {}, "DKK": {},
	"PLN": {}, "INR": {}, "BRL": {},
}

// ParsePrice normalizes a displayed price string into an amount and currency
// code. It handles currency symbols and codes on either side, thousands
// separators, and both comma and point decimal conventions. The currency is
// empty when none is displayed.
func ParsePrice(raw string) (float64, string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, "", fmt.Errorf("empty price text")
	}

	currency := ""
	symbol := ""
	at := -1
	for _, cs := range currencySymbols {
		idx := strings.Index(s, cs.sym)
		if idx < 0 {
			continue
		}
		if at < 0 || idx < at {
			at = idx
			symbol = cs.sym
			currency = cs.code
		}
	}
	if at >= 0 {
		s = strings.ReplaceAll(s, symbol, "")
	}
	for _, token := range strings.Fields(strings.ToUpper(s)) {
		if _, ok := currencyCodes[token]; ok {
			if currency == "" {
				currency = token
			}
			break
		}
	}

	numeric := extractNumeric(s)
	if numeric == "" {
		return 0, "", fmt.Errorf("no numeric amount in %q", raw)
	}

	normalized, err := normalizeDecimal(numeric)
	if err != nil {
		return 0, "", fmt.Errorf("amount %q: %w", raw, err)
	}
	amount, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0, "", fmt.Errorf("amount %q: %w", raw, err)
	}
	if amount < 0 {
		return 0, "", fmt.Errorf("negative amount in %q", raw)
	}
	return amount, currency, nil
}

// extractNumeric keeps the first run of digits with embedded separators.
func extractNumeric(s string) string {
	var b strings.Builder
	started := false
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			started = true
			b.WriteRune(r)
		case started && (r == '.' || r == ','):
			b.WriteRune(r)
		case started:
			return strings.TrimRight(b.String(), ".,")
		}
	}
	return strings.TrimRight(b.String(), ".,")
}

// normalizeDecimal resolves "1.299,95", "1,299.95", "19,99" and "19.99" into
// a parseable form. When both separators appear, the last one is the decimal
// mark; a lone separator followed by exactly three digits reads as thousands.
func normalizeDecimal(s string) (string, error) {
	lastComma := strings.LastIndex(s, ",")
	lastPoint := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastPoint >= 0:
		if lastComma > lastPoint {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 == 3 {
			s = strings.ReplaceAll(s, ",", "")
		} else if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastPoint >= 0:
		if strings.Count(s, ".") > 1 {
			s = strings.ReplaceAll(s, ".", "")
		} else if len(s)-lastPoint-1 == 3 && lastPoint >= 1 && len(s) > 4 {
			// "1.299" reads as one thousand two hundred ninety-nine.
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	if s == "" {
		return "", fmt.Errorf("no digits")
	}
	return s, nil
}
