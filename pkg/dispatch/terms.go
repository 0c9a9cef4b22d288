package dispatch

import (
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "for": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
	"with": true, "this": true, "that": true, "these": true, "those": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"it": true, "its": true, "my": true, "our": true, "your": true, "me": true,
	"we": true, "you": true, "please": true, "can": true, "could": true,
	"would": true, "should": true, "will": true, "do": true, "does": true,
	"help": true, "want": true, "need": true, "some": true, "any": true,
	"all": true, "from": true, "into": true, "about": true, "as": true,
	"if": true, "then": true, "so": true, "what": true, "how": true,
	"why": true, "when": true, "where": true, "which": true, "who": true,
	"use": true, "using": true, "make": true, "get": true, "let": true,
	"up": true, "out": true, "over": true, "just": true, "also": true,
	"here": true, "there": true, "via": true, "like": true,
}

// suffixes are tried in order; the first that leaves a stem of at least
// three letters wins
var suffixes = []struct {
	suffix      string
	replacement string
}{
	{"ies", "y"},
	{"ied", "y"},
	{"sses", "ss"},
	{"ments", ""},
	{"ment", ""},
	{"ings", ""},
	{"ing", ""},
	{"ions", ""},
	{"ion", ""},
	{"ness", ""},
	{"ers", ""},
	{"er", ""},
	{"ed", ""},
	{"ches", "ch"},
	{"shes", "sh"},
	{"xes", "x"},
	{"s", ""},
}

// Terms lowercases text, splits it on anything that is not a letter or a
// digit, drops stop words and stems what is left. Duplicates are removed
// and first-seen order is kept.
func Terms(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(words))
	var out []string
	for _, w := range words {
		if len(w) < 2 || stopwords[w] {
			continue
		}
		w = Stem(w)
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

// Stem strips one common English suffix
func Stem(word string) string {
	if len(word) <= 3 || (strings.HasSuffix(word, "ss") && !strings.HasSuffix(word, "sses")) {
		return word
	}
	for _, s := range suffixes {
		if !strings.HasSuffix(word, s.suffix) {
			continue
		}
		stem := strings.TrimSuffix(word, s.suffix)
		if len(stem) < 3 {
			continue
		}
		return stem + s.replacement
	}
	return word
}
