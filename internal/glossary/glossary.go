// Package glossary holds the configured list of domain terms (names,
// products, jargon) and finds places in a transcript where one of them was
// probably misheard. The hints are handed to the correction prompt; the
// glossary itself never rewrites text.
//
// Matching works on whitespace-separated words, so it is effective for
// Latin-script terms. Terms in scripts written without spaces are still
// passed to the prompt verbatim by the corrector.
package glossary

import (
	"cmp"
	"slices"
	"strings"
	"sync/atomic"
	"unicode"
)

// maxHints bounds the number of hints returned for one transcript.
const maxHints = 32

// Hint is a heard phrase that likely stands for a glossary term.
type Hint struct {
	Heard string
	Term  string
	Score float64
}

// Option configures a [Glossary].
type Option func(*Glossary)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a phonetic
// candidate. Default: 0.70.
func WithPhoneticThreshold(v float64) Option {
	return func(g *Glossary) { g.m.phoneticThreshold = v }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// candidate exists. Default: 0.85.
func WithFuzzyThreshold(v float64) Option {
	return func(g *Glossary) { g.m.fuzzyThreshold = v }
}

// Glossary is safe for concurrent use. Terms may be replaced at any time with
// [Glossary.SetTerms].
type Glossary struct {
	m     matcher
	terms atomic.Pointer[[]string]
}

// New returns a glossary holding terms.
func New(terms []string, opts ...Option) *Glossary {
	g := &Glossary{m: matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}}
	for _, o := range opts {
		o(g)
	}
	g.SetTerms(terms)
	return g
}

// SetTerms replaces the term list. Blank entries and duplicates are dropped.
func (g *Glossary) SetTerms(terms []string) {
	seen := make(map[string]struct{}, len(terms))
	clean := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		clean = append(clean, t)
	}
	g.terms.Store(&clean)
}

// Terms returns the current term list. The caller must not modify it.
func (g *Glossary) Terms() []string {
	if g == nil {
		return nil
	}
	return *g.terms.Load()
}

// Hints scans text for word windows that resemble a glossary term but are not
// already spelled that way. Hints are returned in order of first appearance.
func (g *Glossary) Hints(text string) []Hint {
	terms := g.Terms()
	if len(terms) == 0 || strings.TrimSpace(text) == "" {
		return nil
	}

	lowerText := strings.ToLower(text)
	maxWords := 1
	for _, t := range terms {
		maxWords = max(maxWords, len(strings.Fields(t)))
	}
	// One extra word catches a single term heard as two words.
	maxWords++

	words := strings.FieldsFunc(lowerText, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})

	// Collect every matching window, then keep the best-scoring ones that do
	// not overlap. Ties go to the shorter window.
	type candidate struct {
		Hint
		start, n int
	}
	var cands []candidate
	for i := range words {
		for n := 1; n <= maxWords && i+n <= len(words); n++ {
			phrase := strings.Join(words[i:i+n], " ")
			term, score, ok := g.m.match(phrase, terms)
			if !ok || strings.EqualFold(phrase, term) {
				continue
			}
			// Skip when the transcript already contains the exact term.
			if strings.Contains(lowerText, strings.ToLower(term)) {
				continue
			}
			cands = append(cands, candidate{Hint{Heard: phrase, Term: term, Score: score}, i, n})
		}
	}
	slices.SortStableFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.n, b.n)
	})

	used := make([]bool, len(words))
	var picked []candidate
	seen := make(map[string]struct{})
	for _, c := range cands {
		if slices.Contains(used[c.start:c.start+c.n], true) {
			continue
		}
		key := c.Heard + "\x00" + c.Term
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		for k := c.start; k < c.start+c.n; k++ {
			used[k] = true
		}
		picked = append(picked, c)
		if len(picked) == maxHints {
			break
		}
	}
	slices.SortFunc(picked, func(a, b candidate) int { return cmp.Compare(a.start, b.start) })

	hints := make([]Hint, len(picked))
	for i, c := range picked {
		hints[i] = c.Hint
	}
	return hints
}
