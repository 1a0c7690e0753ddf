package consensus

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// shortResponseTokens is the token count below which pure token-set overlap
// becomes noisy. Short answers ("42", "yes, use a mutex") get a Jaro-Winkler
// blend so near-identical phrasings still score as agreement.
const shortResponseTokens = 12

// jaroWinklerWeight is the blend factor applied to short responses.
const jaroWinklerWeight = 0.5

// tokenize lowercases and splits on whitespace.
func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// similarity scores two response texts in [0,1]. The base measure is Jaccard
// overlap of lowercased whitespace tokens; when either side is short it is
// blended with Jaro-Winkler over the raw lowercased strings.
func similarity(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	j := jaccard(ta, tb)

	if len(ta) >= shortResponseTokens && len(tb) >= shortResponseTokens {
		return j
	}
	jw := matchr.JaroWinkler(strings.ToLower(a), strings.ToLower(b), false)
	return (1-jaroWinklerWeight)*j + jaroWinklerWeight*jw
}

// jaccard computes |A∩B| / |A∪B| over token sets. Two empty sets score 1.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	setA := make(map[string]struct{}, len(a))
	for _, tok := range a {
		setA[tok] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, tok := range b {
		setB[tok] = struct{}{}
	}

	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}
