package tasks

import "strings"

// Duplicate detection thresholds. Labels compare loosely, descriptions
// strictly; long descriptions also match on full containment.
const (
	labelSimilarityThreshold       = 0.75
	descriptionSimilarityThreshold = 0.9
	containmentMinLength           = 40
)

// normalizeText lowercases and collapses runs of whitespace to single spaces.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// lcsLength computes the longest-common-subsequence length of a and b using
// a rolling single-row table.
func lcsLength(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// similarity returns the LCS ratio of the normalized inputs in [0, 1].
func similarity(a, b string) float64 {
	na, nb := normalizeText(a), normalizeText(b)
	if na == "" && nb == "" {
		return 1
	}
	total := len([]rune(na)) + len([]rune(nb))
	if total == 0 {
		return 1
	}
	return 2 * float64(lcsLength(na, nb)) / float64(total)
}

// descriptionsMatch applies the duplicate rule for descriptions: LCS ratio at
// or above the threshold, or full substring containment when either side is
// longer than containmentMinLength.
func descriptionsMatch(a, b string) bool {
	na, nb := normalizeText(a), normalizeText(b)
	if similarity(na, nb) >= descriptionSimilarityThreshold {
		return true
	}
	if len(na) > containmentMinLength || len(nb) > containmentMinLength {
		return strings.Contains(na, nb) || strings.Contains(nb, na)
	}
	return false
}
