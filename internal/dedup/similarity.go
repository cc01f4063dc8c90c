package dedup

import "strings"

// Similarity scores how alike two titles are on a 0-1 scale. The engine
// treats scores at or above its threshold as duplicates, so both the
// algorithm and the threshold can be swapped without touching the engine.
type Similarity interface {
	Score(a, b string) float64
}

// Filler words removed before comparing titles.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "with": {}, "by": {},
}

// Jaccard computes token-set Jaccard similarity after case folding and
// stop-word removal.
type Jaccard struct{}

// Score implements Similarity.
func (Jaccard) Score(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		if _, skip := stopWords[tok]; skip {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}
