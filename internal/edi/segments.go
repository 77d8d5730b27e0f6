package edi

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	SegmentTerminator   = "~"
	ElementSeparator    = "*"
	ComponentSeparator  = ":"
	RepetitionSeparator = "^"
)

// writer accumulates segments and counts those inside the transaction set.
type writer struct {
	b       strings.Builder
	inSet   bool
	setSize int
}

// segment writes id and its elements, dropping trailing empty elements.
func (w *writer) segment(id string, elements ...string) {
	last := len(elements)
	for last > 0 && elements[last-1] == "" {
		last--
	}
	w.b.WriteString(id)
	for _, e := range elements[:last] {
		w.b.WriteString(ElementSeparator)
		w.b.WriteString(e)
	}
	w.b.WriteString(SegmentTerminator)
	if w.inSet {
		w.setSize++
	}
}

// fixed writes a segment verbatim; ISA elements are positional and padded.
func (w *writer) fixed(id string, elements ...string) {
	w.b.WriteString(id)
	for _, e := range elements {
		w.b.WriteString(ElementSeparator)
		w.b.WriteString(e)
	}
	w.b.WriteString(SegmentTerminator)
}

func (w *writer) beginSet() {
	w.inSet = true
	w.setSize = 0
}

// endSet returns the segment count for SE01, which includes SE itself.
func (w *writer) endSet() int {
	w.inSet = false
	return w.setSize + 1
}

func (w *writer) String() string { return w.b.String() }

var delimiterStripper = strings.NewReplacer(
	SegmentTerminator, "",
	ElementSeparator, "",
	ComponentSeparator, "",
	RepetitionSeparator, "",
	"\n", " ",
	"\r", " ",
)

// text upper-cases free text and removes delimiter characters.
func text(s string) string {
	s = delimiterStripper.Replace(s)
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// pad left-aligns s in a field of width n, truncating longer values. Only
// printable ASCII is kept so the width holds in bytes.
func pad(s string, n int) string {
	s = strings.Map(func(r rune) rune {
		if r < ' ' || r > '~' {
			return -1
		}
		return r
	}, text(s))
	if len(s) > n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// amount formats money without trailing zeros: 150, 45.5, 12.34.
func amount(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func composite(parts ...string) string {
	return strings.Join(parts, ComponentSeparator)
}

// icd10Pattern is a normalized ICD-10-CM code: letter, digit, then one to
// five digits or letters.
var icd10Pattern = regexp.MustCompile(`^[A-Z][0-9][0-9A-Z]{1,5}$`)

// ValidICD10 reports whether a normalized code has the ICD-10-CM shape.
func ValidICD10(code string) bool {
	return icd10Pattern.MatchString(code)
}

// NormalizeICD10 strips separator punctuation: "e11.9" becomes "E119".
func NormalizeICD10(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer(".", "", " ", "", "-", "").Replace(code)
}
