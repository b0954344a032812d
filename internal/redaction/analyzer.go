package redaction

import (
	"regexp"
	"strings"
)

// Span is one PII finding inside a string, as byte offsets.
type Span struct {
	Start  int
	End    int
	Entity string
}

// Detector locates PII spans inside a single string. Implementations must
// never flag their own replacement tokens, or scrubbing stops being
// idempotent.
type Detector interface {
	Detect(s string) []Span
}

// =============================================================================
// DEFAULT ANALYZER
// =============================================================================

// Entity types in the default catalogue.
const (
	EntityPerson = "PERSON"
	EntityPhone  = "PHONE_NUMBER"
	EntityEmail  = "EMAIL_ADDRESS"
	EntitySSN    = "US_SSN"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// Matches 7- and 10-digit North American forms with optional country
	// code and separators: 555-0199, (212) 555-0199, +1 212-555-0199.
	phonePattern = regexp.MustCompile(`(?:\+?1[-. ]?)?(?:\(\d{3}\)[-. ]?|\d{3}[-. ])?\d{3}[-. ]\d{4}\b`)

	ssnPattern = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// Analyzer is the default regex-and-dictionary detection collaborator.
// PERSON matching is dictionary-seeded: a known given name followed by
// capitalized surnames. It is deliberately simple; deployments with an NLP
// detection service plug it in through the Detector interface instead.
type Analyzer struct {
	personPattern *regexp.Regexp
}

// defaultGivenNames seeds the PERSON matcher.
var defaultGivenNames = []string{
	"Alice", "Bob", "Carol", "Charlie", "David", "Diane", "Emily", "Eve",
	"Frank", "Grace", "Henry", "Jane", "John", "Laura", "Maria", "Mark",
	"Michael", "Nancy", "Oscar", "Peter", "Robert", "Sarah", "Susan", "Tom",
}

// NewAnalyzer builds the default analyzer. Extra given names extend the
// built-in dictionary.
func NewAnalyzer(extraGivenNames ...string) *Analyzer {
	names := append(append([]string{}, defaultGivenNames...), extraGivenNames...)
	for i, n := range names {
		names[i] = regexp.QuoteMeta(n)
	}
	// Given name, then zero or more capitalized surname words.
	expr := `\b(?:` + strings.Join(names, "|") + `)(?:\s+[A-Z][a-z]+)*\b`
	return &Analyzer{personPattern: regexp.MustCompile(expr)}
}

func (a *Analyzer) Detect(s string) []Span {
	var spans []Span
	collect := func(re *regexp.Regexp, entity string) {
		for _, loc := range re.FindAllStringIndex(s, -1) {
			spans = append(spans, Span{Start: loc[0], End: loc[1], Entity: entity})
		}
	}

	collect(emailPattern, EntityEmail)
	collect(ssnPattern, EntitySSN)
	collect(phonePattern, EntityPhone)
	collect(a.personPattern, EntityPerson)
	return spans
}
