package zimi

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldTitle produces the case- and diacritic-folded form of a title used for
// the title_lower column and for prefix matching. "Élan Vital" -> "elan vital".
func foldTitle(s string) string {
	// The chain is stateful, so build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		// Unfoldable input still matches against itself.
		folded = s
	}
	return strings.ToLower(folded)
}

// normalizeQuery folds the query and collapses internal whitespace so that
// equivalent queries share one cache key.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(foldTitle(q)), " ")
}
