// Package transcript corrects near-miss subject terms in user transcripts
// before they are persisted. Speech recognition routinely mangles domain
// vocabulary ("mitocondria", "pie thagoras"), so recognized words are matched
// against the session's glossary phonetically and replaced with the canonical
// spelling when they are close enough.
//
// Matching runs in two steps: Double Metaphone codes gate which glossary
// terms are candidates at all, then Levenshtein distance on the raw strings
// decides whether a candidate is close enough to substitute. Multi-word
// terms are handled with n-gram windows, longest first, so "pie thagoras
// theorem" collapses into "Pythagorean theorem" as one correction.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Correction records one substitution applied to a transcript.
type Correction struct {
	// Original is the recognized window that was replaced.
	Original string

	// Corrected is the canonical glossary form.
	Corrected string

	// Distance is the Levenshtein distance between the two.
	Distance int
}

type glossaryTerm struct {
	canonical string
	lower     string
	stripped  string // lower with spaces removed
	words     int
	codes     map[string]struct{}
}

// Corrector matches transcript windows against a fixed glossary. Read-only
// after construction, safe for concurrent use.
type Corrector struct {
	terms    []glossaryTerm
	maxWords int
}

// NewCorrector precomputes phonetic codes for every glossary term. Empty and
// duplicate terms are dropped.
func NewCorrector(glossary []string) *Corrector {
	c := &Corrector{}
	seen := make(map[string]struct{}, len(glossary))
	for _, g := range glossary {
		canonical := strings.TrimSpace(g)
		lower := strings.ToLower(canonical)
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}

		tokens := strings.Fields(lower)
		t := glossaryTerm{
			canonical: canonical,
			lower:     lower,
			stripped:  strings.Join(tokens, ""),
			words:     len(tokens),
			codes:     codesFor(tokens),
		}
		c.terms = append(c.terms, t)
		if t.words > c.maxWords {
			c.maxWords = t.words
		}
	}
	return c
}

// Terms reports the number of usable glossary terms.
func (c *Corrector) Terms() int { return len(c.terms) }

// Apply corrects text against the glossary and returns the corrected text
// with the list of substitutions made. Text without near-miss terms comes
// back unchanged.
func (c *Corrector) Apply(text string) (string, []Correction) {
	if len(c.terms) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var out []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := c.maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		// Longest window first so multi-word terms win over their fragments.
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			core, prefix, suffix := trimAffixes(window)
			term, dist, ok := c.match(core)
			if !ok {
				continue
			}
			out = append(out, strings.Fields(prefix+term.canonical+suffix)...)
			corrections = append(corrections, Correction{
				Original:  core,
				Corrected: term.canonical,
				Distance:  dist,
			})
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// match finds the closest glossary term for the window. An exact match is
// reported as no match: there is nothing to correct.
func (c *Corrector) match(window string) (glossaryTerm, int, bool) {
	wLower := strings.ToLower(window)
	if wLower == "" {
		return glossaryTerm{}, 0, false
	}
	wTokens := strings.Fields(wLower)
	wStripped := strings.Join(wTokens, "")
	wCodes := codesFor(wTokens)

	var best glossaryTerm
	bestDist := -1
	for _, t := range c.terms {
		if t.lower == wLower {
			return glossaryTerm{}, 0, false
		}
		if !codesOverlap(wCodes, t.codes) {
			continue
		}
		d := matchr.Levenshtein(wLower, t.lower)
		if ds := matchr.Levenshtein(wStripped, t.stripped); ds < d {
			d = ds
		}
		if d > allowedDistance(t.stripped) {
			continue
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = t, d
		}
	}
	return best, bestDist, bestDist >= 0
}

// allowedDistance scales the edit-distance budget with term length: short
// terms tolerate a single edit, longer ones roughly a quarter of their
// length.
func allowedDistance(stripped string) int {
	n := len(stripped)
	switch {
	case n <= 4:
		return 1
	case n <= 8:
		return 2
	default:
		return n / 4
	}
}

// codesFor returns the union of Double Metaphone codes for the tokens.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// trimAffixes splits leading and trailing punctuation off a window so
// "mitocondria," matches and the comma survives the substitution.
func trimAffixes(window string) (core, prefix, suffix string) {
	core = window
	for len(core) > 0 && isPunct(core[0]) {
		prefix += string(core[0])
		core = core[1:]
	}
	for len(core) > 0 && isPunct(core[len(core)-1]) {
		suffix = string(core[len(core)-1]) + suffix
		core = core[:len(core)-1]
	}
	return core, prefix, suffix
}

func isPunct(b byte) bool {
	switch b {
	case '.', ',', '!', '?', ';', ':', '"', '\'', '(', ')':
		return true
	}
	return false
}
