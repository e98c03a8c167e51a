package glossary

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// matcher ranks glossary terms against a heard phrase in two stages.
//
//  1. Phonetic candidates: Double Metaphone codes of the phrase tokens are
//     compared with those of each term; any shared code makes the term a
//     candidate, accepted if its Jaro-Winkler score reaches phoneticThreshold.
//  2. Fuzzy fallback: when no phonetic candidate qualifies, a term is accepted
//     on Jaro-Winkler alone at the stricter fuzzyThreshold.
type matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// match returns the best term for phrase. When ok is false, term is empty
// and score is 0.
func (m matcher) match(phrase string, terms []string) (term string, score float64, ok bool) {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" || len(terms) == 0 {
		return "", 0, false
	}
	tokens := strings.Fields(phrase)
	codes := codesForTokens(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		termTokens := strings.Fields(lower)
		jw := bestJWScore(tokens, termTokens, phrase, lower)

		if codesOverlap(codes, codesForTokens(termTokens)) {
			if jw >= m.phoneticThreshold && (!bestPhonetic || jw > bestScore) {
				best, bestScore, bestPhonetic = t, jw, true
			}
		} else if !bestPhonetic && jw >= m.fuzzyThreshold && jw > bestScore {
			best, bestScore = t, jw
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, bestScore, true
}

// codesForTokens returns the union of the Double Metaphone codes of tokens,
// leaving out empty codes.
func codesForTokens(tokens []string) map[string]struct{} {
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
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity over the full strings,
// the space-stripped strings and every token pair.
func bestJWScore(phraseTokens, termTokens []string, phrase, term string) float64 {
	score := matchr.JaroWinkler(phrase, term, false)

	if len(phraseTokens) > 1 || len(termTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(phraseTokens, ""), strings.Join(termTokens, ""), false); s > score {
			score = s
		}
	}
	for _, a := range phraseTokens {
		for _, b := range termTokens {
			if s := matchr.JaroWinkler(a, b, false); s > score {
				score = s
			}
		}
	}
	return score
}
