package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stopWords are dropped before comparing. Italian first, since almost every
// bando is published in Italian, then the English words that show up in
// EU calls.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		il lo la i gli le un uno una di da in con su per tra fra a e o ed od
		del dello della dei degli delle al allo alla ai agli alle dal dallo dalla
		dai dagli dalle nel nello nella nei negli nelle sul sullo sulla sui sugli
		sulle che chi cui non piu come anche se ma sono essere ha hanno questo
		questa questi queste quello quella loro suo sua nostro nostra tutti tutte
		ogni altro altri altre presso verso dopo prima bando bandi
		the of and or to in on for with by from at as is are be an a this that
		these those it its our their all any into over under not`) {
		stopWords[w] = struct{}{}
	}
}

// foldText lower-cases s and strips combining marks, so "Attività" and
// "attivita" compare equal. A new transformer is built per call since
// transform chains keep state.
func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, cases.Fold().String(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

// Tokens returns the set of significant words in text.
func Tokens(text string) map[string]struct{} {
	words := strings.FieldsFunc(foldText(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len([]rune(w)) < 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

// Jaccard is |A ∩ B| / |A ∪ B|. An empty set on either side scores 0: no
// words means no evidence of a match.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// KeywordOverlap compares client requirements with the grant's title and
// description.
func KeywordOverlap(requirements, title, description string) float64 {
	return Jaccard(Tokens(requirements), Tokens(title+" "+description))
}
