package monitor

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultBlockMarkers are case-insensitive substrings that commonly appear in
// anti-bot challenge pages.
var DefaultBlockMarkers = []string{
	"captcha",
	"access denied",
	"unusual traffic",
	"are you a robot",
	"request blocked",
	"attention required",
}

// DefaultBlockStatusCodes are status codes treated as blocks outright.
var DefaultBlockStatusCodes = []int{403, 429}

// HeuristicBlockDetector flags responses that look like anti-bot challenges
// rather than real content. A 200 with a captcha body is still a block.
type HeuristicBlockDetector struct {
	statusCodes map[int]struct{}
	markers     [][]byte
	selectors   []string
}

// NewHeuristicBlockDetector builds a detector. Empty status code or marker
// lists fall back to the defaults; selectors are optional CSS queries matched
// against the parsed body.
func NewHeuristicBlockDetector(statusCodes []int, markers, selectors []string) *HeuristicBlockDetector {
	if len(statusCodes) == 0 {
		statusCodes = DefaultBlockStatusCodes
	}
	if len(markers) == 0 {
		markers = DefaultBlockMarkers
	}
	codes := make(map[int]struct{}, len(statusCodes))
	for _, c := range statusCodes {
		codes[c] = struct{}{}
	}
	lowered := make([][]byte, 0, len(markers))
	for _, m := range markers {
		lowered = append(lowered, []byte(strings.ToLower(m)))
	}
	return &HeuristicBlockDetector{
		statusCodes: codes,
		markers:     lowered,
		selectors:   selectors,
	}
}

// Blocked reports whether the response looks like an anti-bot block.
func (d *HeuristicBlockDetector) Blocked(statusCode int, body []byte) bool {
	if d == nil {
		return false
	}
	if _, ok := d.statusCodes[statusCode]; ok {
		return true
	}
	if d.containsMarker(body) {
		return true
	}
	return d.matchesSelector(body)
}

func (d *HeuristicBlockDetector) containsMarker(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	lowered := bytes.ToLower(body)
	for _, m := range d.markers {
		if bytes.Contains(lowered, m) {
			return true
		}
	}
	return false
}

func (d *HeuristicBlockDetector) matchesSelector(body []byte) bool {
	if len(d.selectors) == 0 || len(body) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	for _, sel := range d.selectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}
