// Package match bridges Calibre authors and external author records through
// identifier, exact-name, and fuzzy-name strategies, orchestrated in
// priority order.
package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName prepares a name for comparison: NFKD decomposition, combining
// marks stripped, lowercased, whitespace collapsed. "  José  García  " and
// "jose garcia" normalize equal.
func NormalizeName(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
