package match

import "github.com/agnivade/levenshtein"

// Similarity returns 1 - d/max(|a|,|b|) over runes, in [0,1]. Empty strings
// never match: any comparison involving one returns 0.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	la := len([]rune(a))
	lb := len([]rune(b))
	m := la
	if lb > m {
		m = lb
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(m)
}
