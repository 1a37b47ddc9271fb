// Package timeparsing resolves date expressions in layered order: compact
// offsets (+6h, -2d), natural language ("tomorrow", "next friday") through
// the when parser, then absolute forms (RFC 3339, date-only). Extraction
// uses it both to anchor model prompts to the calendar and to normalize
// dates the model hands back.
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// offsetRe matches compact offsets: [+-]?(\d+)(h|d|w|m|y).
var offsetRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// absoluteLayouts are tried last, most specific first.
var absoluteLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006",
}

// Parser resolves date expressions against a base time. It is safe for
// concurrent use.
type Parser struct {
	w *when.Parser
}

// New builds a parser with the English and common rule sets.
func New() *Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &Parser{w: w}
}

// Parse resolves s relative to base, trying each layer in turn. An error
// means no layer recognized the input.
func (p *Parser) Parse(s string, base time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}
	if IsOffset(s) {
		return ParseOffset(s, base)
	}
	if r, err := p.w.Parse(s, base); err == nil && r != nil {
		return r.Time, nil
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, base.Location()); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time expression %q", s)
}

// ParseOffset resolves a compact offset relative to base. Units are hours,
// days, weeks, months and years; a missing sign means forward.
func ParseOffset(s string, base time.Time) (time.Time, error) {
	m := offsetRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("not a compact offset: %q", s)
	}
	amount, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid offset amount: %q", m[2])
	}
	if m[1] == "-" {
		amount = -amount
	}
	switch m[3] {
	case "h":
		return base.Add(time.Duration(amount) * time.Hour), nil
	case "d":
		return base.AddDate(0, 0, amount), nil
	case "w":
		return base.AddDate(0, 0, amount*7), nil
	case "m":
		return base.AddDate(0, amount, 0), nil
	default:
		return base.AddDate(amount, 0, 0), nil
	}
}

// IsOffset reports whether s is a compact offset.
func IsOffset(s string) bool {
	return offsetRe.MatchString(s)
}

// Anchor is one resolved reference date for grounding extraction prompts.
type Anchor struct {
	Phrase string
	Date   time.Time
}

// Anchors resolves the reference phrases a model needs to place relative
// dates: today and its neighbors, the week and month boundaries, and each
// weekday's next occurrence.
func (p *Parser) Anchors(now time.Time) []Anchor {
	anchors := []Anchor{
		{Phrase: "today", Date: now},
		{Phrase: "yesterday", Date: now.AddDate(0, 0, -1)},
		{Phrase: "tomorrow", Date: now.AddDate(0, 0, 1)},
		{Phrase: "next week", Date: now.AddDate(0, 0, 7)},
		{Phrase: "next month", Date: now.AddDate(0, 1, 0)},
	}
	for i := 1; i <= 7; i++ {
		d := now.AddDate(0, 0, i)
		anchors = append(anchors, Anchor{
			Phrase: strings.ToLower(d.Weekday().String()),
			Date:   d,
		})
	}
	return anchors
}

// AnchorDigest renders anchors as prompt lines, one "phrase = date" each.
func AnchorDigest(anchors []Anchor) string {
	var b strings.Builder
	for _, a := range anchors {
		fmt.Fprintf(&b, "%s = %s\n", a.Phrase, a.Date.Format("2006-01-02 (Monday)"))
	}
	return b.String()
}
