package identity

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldTransformer strips combining marks after NFD decomposition, turning
// "Sigur Rós" into "Sigur Ros".
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// stopwords are filler tokens dropped during normalization so that
// "The Chemical Brothers" and "Chemical Brothers" normalize identically.
var stopwords = map[string]bool{
	"the": true,
	"a":   true,
	"an":  true,
	"and": true,
}

// Normalize canonicalizes an artist name for matching: lowercase, diacritics
// folded, "&" treated as "and", punctuation stripped, stopword tokens
// removed (unless that would empty the name), whitespace collapsed.
func Normalize(name string) string {
	folded, _, err := transform.String(foldTransformer, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(folded)
	folded = strings.ReplaceAll(folded, "&", " and ")

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	tokens := strings.Fields(b.String())
	kept := tokens[:0:len(tokens)]
	for _, tok := range tokens {
		if !stopwords[tok] {
			kept = append(kept, tok)
		}
	}
	if len(kept) == 0 {
		kept = strings.Fields(b.String())
	}
	return strings.Join(kept, " ")
}

// Tokens returns the normalized token set of a name.
func Tokens(name string) []string {
	return strings.Fields(Normalize(name))
}
