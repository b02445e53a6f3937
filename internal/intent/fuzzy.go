package intent

import "strings"

const (
	tokenCutoff   = 0.72
	keywordCutoff = 0.70
)

// Ratio is the similarity of a and b in [0, 1]: twice the number of matched
// runes over the total length. Matches are found by repeatedly taking the
// longest common substring and recursing on both sides of it.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	return 2 * float64(matchedRunes(ra, rb)) / float64(total)
}

func matchedRunes(a, b []rune) int {
	i, j, k := longestMatch(a, b)
	if k == 0 {
		return 0
	}
	return k + matchedRunes(a[:i], b[:j]) + matchedRunes(a[i+k:], b[j+k:])
}

// longestMatch returns the earliest longest common substring as (start in a,
// start in b, length).
func longestMatch(a, b []rune) (int, int, int) {
	best, bi, bj := 0, 0, 0
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best, bi, bj = cur[j], i-cur[j], j-cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return bi, bj, best
}

func closeMatch(word string, targets map[string]struct{}, cutoff float64) bool {
	word = strings.TrimSpace(word)
	if _, ok := targets[word]; ok {
		return true
	}
	for t := range targets {
		if Ratio(word, t) >= cutoff {
			return true
		}
	}
	return false
}

// anyTokenMatches checks the whole phrase and then each word against targets.
func anyTokenMatches(text string, targets map[string]struct{}) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if closeMatch(lower, targets, tokenCutoff) {
		return true
	}
	for _, w := range strings.Fields(lower) {
		if closeMatch(w, targets, tokenCutoff) {
			return true
		}
	}
	return false
}

func set(words []string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return out
}
