package guard

import "strings"

// Similarity scores how plausibly one function symbol replaces another.
// It blends a character-level sequence ratio with a Jaccard overlap of
// the underscore-separated word parts:
//
//	similarity(a, b) = 0.7*sequence_ratio(lower(a), lower(b)) + 0.3*jaccard(parts(a), parts(b))
//
// The score is symmetric and similarity(x, x) = 1.0.
func Similarity(a, b string) float64 {
	return 0.7*sequenceRatio(strings.ToLower(a), strings.ToLower(b)) +
		0.3*jaccard(wordParts(a), wordParts(b))
}

// sequenceRatio is 2*M/T where M counts characters in recursively
// matched common blocks and T is the combined length.
func sequenceRatio(a, b string) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1.0
	}
	return 2 * float64(matchingChars(a, b)) / float64(total)
}

func matchingChars(a, b string) int {
	ai, bi, size := longestMatch(a, b)
	if size == 0 {
		return 0
	}
	return size + matchingChars(a[:ai], b[:bi]) + matchingChars(a[ai+size:], b[bi+size:])
}

// longestMatch finds the longest common substring, preferring the
// earliest position in a on ties.
func longestMatch(a, b string) (int, int, int) {
	bestA, bestB, best := 0, 0, 0
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
					bestA = i - best
					bestB = j - best
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return bestA, bestB, best
}

func wordParts(s string) map[string]bool {
	parts := make(map[string]bool)
	for _, p := range strings.Split(strings.ToLower(s), "_") {
		if p != "" {
			parts[p] = true
		}
	}
	return parts
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for p := range a {
		if b[p] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
