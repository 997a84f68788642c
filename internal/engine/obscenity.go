package engine

import "strings"

// obscenities is the built-in profanity screen applied to group and profile
// text. Deliberately small and curated: the list flags generic vulgarity, not
// anything requiring cultural judgement, which belongs in the keyword dataset
// where operators control it.
var obscenities = map[string]struct{}{
	"fuck":         {},
	"fucker":       {},
	"fucking":      {},
	"motherfucker": {},
	"shit":         {},
	"bullshit":     {},
	"shitty":       {},
	"bitch":        {},
	"asshole":      {},
	"cunt":         {},
	"bastard":      {},
	"whore":        {},
	"slut":         {},
	"wanker":       {},
	"twat":         {},
	"prick":        {},
	"dumbass":      {},
	"jackass":      {},
	"douchebag":    {},
}

// findObscenity returns the first flagged word in text, matching on word
// boundaries so embedded substrings ("class", "assassin") do not trigger.
func findObscenity(text string) (string, bool) {
	word := strings.Builder{}
	flush := func() (string, bool) {
		if word.Len() == 0 {
			return "", false
		}
		w := word.String()
		word.Reset()
		if _, hit := obscenities[w]; hit {
			return w, true
		}
		return "", false
	}

	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			word.WriteRune(r)
			continue
		}
		if w, hit := flush(); hit {
			return w, true
		}
	}
	return flush()
}
