package registry

import (
	"strings"
	"unicode"
)

// Confidence heuristic weights and bounds. Backends that report no
// self-confidence get a deterministic estimate from the response text so the
// consensus engine always has a usable value.
const (
	lengthWeight    = 0.5
	diversityWeight = 0.3
	structureWeight = 0.2

	confidenceMin = 0.05
	confidenceMax = 0.95

	// fullLengthTokens is the token count at which the length component
	// saturates.
	fullLengthTokens = 150
)

// DefaultConfidence estimates a confidence value in [0.05, 0.95] for a
// response that reported none. The estimate combines response length, lexical
// diversity and structural markers. It is deterministic: the same content
// always scores the same.
func DefaultConfidence(content string) float64 {
	tokens := strings.Fields(strings.ToLower(content))
	if len(tokens) == 0 {
		return confidenceMin
	}

	length := float64(len(tokens)) / fullLengthTokens
	if length > 1 {
		length = 1
	}

	unique := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		unique[tok] = struct{}{}
	}
	diversity := float64(len(unique)) / float64(len(tokens))

	score := lengthWeight*length + diversityWeight*diversity + structureWeight*structureScore(content)

	if score < confidenceMin {
		return confidenceMin
	}
	if score > confidenceMax {
		return confidenceMax
	}
	return score
}

// structureScore rewards responses that look organised: multiple sentences,
// paragraph breaks, list markers or code fences.
func structureScore(content string) float64 {
	var score float64
	if countSentences(content) >= 2 {
		score += 0.4
	}
	if strings.Contains(content, "\n\n") {
		score += 0.2
	}
	if strings.Contains(content, "\n- ") || strings.Contains(content, "\n* ") || hasNumberedItem(content) {
		score += 0.2
	}
	if strings.Contains(content, "```") {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}

func countSentences(s string) int {
	n := 0
	for _, r := range s {
		if r == '.' || r == '!' || r == '?' {
			n++
		}
	}
	return n
}

func hasNumberedItem(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if len(line) >= 2 && unicode.IsDigit(rune(line[0])) && (line[1] == '.' || line[1] == ')') {
			return true
		}
	}
	return false
}
