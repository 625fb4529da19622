package retrieval

import (
	"strings"
	"unicode"
)

// addressAbbreviations maps spelled-out street vocabulary onto the short
// forms used in the listing data.
var addressAbbreviations = map[string]string{
	"west": "w", "east": "e", "north": "n", "south": "s",
	"street": "st", "str": "st", "avenue": "ave", "av": "ave",
	"road": "rd", "boulevard": "blvd", "place": "pl", "drive": "dr",
	"lane": "ln", "square": "sq", "parkway": "pkwy",
}

// normalizeAddress lowercases s, drops punctuation, strips ordinal
// suffixes from numbers and abbreviates street vocabulary. It is only used
// for lexical comparison; the canonical address stored on the node is
// never rewritten.
func normalizeAddress(s string) string {
	replacer := strings.NewReplacer(
		".", " ", ",", " ", "#", " ", "\"", "", "'", "",
		"(", " ", ")", " ", "?", " ", "!", " ", ";", " ", ":", " ",
	)
	words := strings.Fields(strings.ToLower(replacer.Replace(s)))
	for i, w := range words {
		if short, ok := addressAbbreviations[w]; ok {
			words[i] = short
			continue
		}
		words[i] = stripOrdinal(w)
	}
	return strings.Join(words, " ")
}

// stripOrdinal turns 38th, 1st, 2nd, 3rd into bare numbers.
func stripOrdinal(w string) string {
	if len(w) < 3 || !unicode.IsDigit(rune(w[0])) {
		return w
	}
	suffix := w[len(w)-2:]
	switch suffix {
	case "st", "nd", "rd", "th":
		num := w[:len(w)-2]
		for _, r := range num {
			if !unicode.IsDigit(r) {
				return w
			}
		}
		return num
	}
	return w
}

// dedupeMentions collapses whitespace and removes case-insensitive
// duplicates, keeping first occurrences in order.
func dedupeMentions(mentions []string) []string {
	seen := make(map[string]bool, len(mentions))
	var out []string
	for _, m := range mentions {
		m = strings.Join(strings.Fields(m), " ")
		key := strings.ToLower(m)
		if m == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}
