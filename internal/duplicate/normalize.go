package duplicate

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes strips trailing corporate forms so "Allianz SE" and
// "Allianz" compare equal. Matched case-insensitively at the end of the
// name, repeatedly.
var legalSuffixes = regexp.MustCompile(`(?i)[\s,.]+(AG|SE|GMBH|KG|INC|LTD|LLC|PLC|CORP|CO|GROUP|HOLDINGS?|MUTUAL|VERSICHERUNG|INSURANCE)\.?$`)

var multiSpace = regexp.MustCompile(`\s+`)

// foldDiacritics decomposes accented characters and drops the combining
// marks, so "Zürich" normalizes to "ZURICH".
var foldDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize canonicalizes a name or provider string for comparison:
// uppercase, diacritics folded, punctuation stripped, legal entity suffixes
// removed, whitespace collapsed.
func Normalize(s string) string {
	folded, _, err := transform.String(foldDiacritics, s)
	if err != nil {
		folded = s
	}

	out := strings.ToUpper(strings.TrimSpace(folded))
	for {
		stripped := legalSuffixes.ReplaceAllString(out, "")
		if stripped == out {
			break
		}
		out = strings.TrimSpace(stripped)
	}

	var b strings.Builder
	for _, r := range out {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.TrimSpace(multiSpace.ReplaceAllString(b.String(), " "))
}
