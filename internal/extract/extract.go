// Package extract turns fetched HTML into typed field values via CSS
// selector rules.
package extract

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
)

// Vocabulary drives availability interpretation. Markers are matched
// case-insensitively as substrings, in declared order; the first match wins.
type Vocabulary struct {
	Available   []string
	Unavailable []string
}

// DefaultVocabulary covers the common retail phrasings. "out of stock" is
// listed before "in stock" so the longer negative phrase wins.
var DefaultVocabulary = Vocabulary{
	Available:   []string{"in stock", "available", "add to cart", "ships", "limited"},
	Unavailable: []string{"out of stock", "sold out", "unavailable", "discontinued", "notify me"},
}

// Extractor implements monitor.Extractor with goquery.
type Extractor struct {
	vocab Vocabulary
}

// New builds an extractor. Empty vocabulary lists fall back to the defaults.
func New(vocab Vocabulary) *Extractor {
	if len(vocab.Available) == 0 {
		vocab.Available = DefaultVocabulary.Available
	}
	if len(vocab.Unavailable) == 0 {
		vocab.Unavailable = DefaultVocabulary.Unavailable
	}
	return &Extractor{vocab: vocab}
}

// Extract applies each rule to the content. A missing or uncoercible
// required field fails the whole record; optional fields are marked Missing.
// Identical content always yields identical fields.
func (e *Extractor) Extract(content []byte, rules map[string]monitor.Rule) (monitor.Fields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, &monitor.ExtractionError{Field: "", Reason: "parse html: " + err.Error()}
	}

	fields := make(monitor.Fields, len(rules))
	for name, rule := range rules {
		value, err := e.apply(doc, name, rule)
		if err != nil {
			if rule.Required {
				return nil, err
			}
			fields[name] = monitor.FieldValue{Kind: rule.Type, Missing: true}
			continue
		}
		fields[name] = value
	}
	return fields, nil
}

func (e *Extractor) apply(doc *goquery.Document, name string, rule monitor.Rule) (monitor.FieldValue, error) {
	sel := doc.Find(rule.Selector).First()
	if sel.Length() == 0 {
		return monitor.FieldValue{}, &monitor.ExtractionError{Field: name, Reason: "selector matched nothing"}
	}

	raw := strings.TrimSpace(sel.Text())
	if rule.Attr != "" {
		attr, ok := sel.Attr(rule.Attr)
		if !ok {
			return monitor.FieldValue{}, &monitor.ExtractionError{Field: name, Reason: "attribute " + rule.Attr + " not present"}
		}
		raw = strings.TrimSpace(attr)
	}

	switch rule.Type {
	case monitor.RulePrice:
		amount, currency, err := ParsePrice(raw)
		if err != nil {
			return monitor.FieldValue{}, &monitor.ExtractionError{Field: name, Reason: err.Error()}
		}
		return monitor.FieldValue{Kind: monitor.RulePrice, Price: amount, Currency: currency}, nil
	case monitor.RuleAvailability:
		available, ok := e.parseAvailability(raw)
		if !ok {
			return monitor.FieldValue{}, &monitor.ExtractionError{Field: name, Reason: "no availability marker in " + truncateQuote(raw)}
		}
		return monitor.FieldValue{Kind: monitor.RuleAvailability, Available: available}, nil
	default:
		if raw == "" {
			return monitor.FieldValue{}, &monitor.ExtractionError{Field: name, Reason: "empty text"}
		}
		return monitor.FieldValue{Kind: monitor.RuleText, Text: collapseWhitespace(raw)}, nil
	}
}

// parseAvailability checks the negative vocabulary first so phrases like
// "out of stock" are not claimed by their "stock" substring.
func (e *Extractor) parseAvailability(raw string) (available, ok bool) {
	lowered := strings.ToLower(raw)
	for _, marker := range e.vocab.Unavailable {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return false, true
		}
	}
	for _, marker := range e.vocab.Available {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return true, true
		}
	}
	return false, false
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateQuote(s string) string {
	if len(s) > 60 {
		s = s[:60] + "..."
	}
	return strconv.Quote(s)
}
