package voicememory

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// phoneticSimilarity is the minimum score for a name that shares a
	// Double Metaphone code with the query.
	phoneticSimilarity = 0.7

	// fuzzySimilarity is the minimum score for a name without phonetic
	// overlap.
	fuzzySimilarity = 0.85
)

// similarity scores candidate against query, both already normalised. ok is
// false when the candidate falls below the applicable threshold.
func similarity(query, candidate string) (score float64, ok bool) {
	qt, ct := strings.Fields(query), strings.Fields(candidate)
	if len(qt) == 0 || len(ct) == 0 {
		return 0, false
	}
	score = bestJaroWinkler(qt, ct, query, candidate)
	if codesOverlap(metaphoneCodes(qt), metaphoneCodes(ct)) {
		return score, score >= phoneticSimilarity
	}
	return score, score >= fuzzySimilarity
}

// bestJaroWinkler returns the highest of the full-string, space-stripped and
// best pairwise token scores, so "zoro" matches "roronoa zoro".
func bestJaroWinkler(qt, ct []string, query, candidate string) float64 {
	score := matchr.JaroWinkler(query, candidate, false)
	if len(qt) > 1 || len(ct) > 1 {
		if s := matchr.JaroWinkler(strings.Join(qt, ""), strings.Join(ct, ""), false); s > score {
			score = s
		}
	}
	for _, a := range qt {
		for _, b := range ct {
			if s := matchr.JaroWinkler(a, b, false); s > score {
				score = s
			}
		}
	}
	return score
}

func metaphoneCodes(tokens []string) map[string]struct{} {
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
