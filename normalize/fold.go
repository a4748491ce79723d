package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks removes combining diacritics: "Emissão" -> "Emissao".
// The transformer chain is stateful, so one is built per call.
func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Fold produces the comparison form of a header or word: diacritics
// stripped, lowercased, hyphens dropped, the separators . _ / turned into
// spaces and whitespace collapsed. " Dt._Emissão " folds to "dt emissao"
// and "CT-e" to "cte".
func Fold(s string) string {
	s = strings.ToLower(stripMarks(s))
	s = strings.Map(func(r rune) rune {
		switch r {
		case '-':
			return -1
		case '.', '_', '/', '\u00a0':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
