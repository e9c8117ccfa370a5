// Package materials canonicalizes free-text material descriptions into a
// deterministic keyword set used for embedding and similarity search.
package materials

import (
	"strings"
)

// synonyms folds material phrasings into canonical keywords. Multi-word
// phrases are matched before single tokens.
var synonyms = map[string]string{
	"denim jeans":    "denim",
	"jeans":          "denim",
	"denim pants":    "denim",
	"plastic bottle": "plastic",
	"bottle":         "plastic",
	"glass jar":      "glass",
	"jar":            "glass",
	"mason jar":      "glass",
	"cardboard box":  "cardboard",
	"box":            "cardboard",
	"wooden pallet":  "wood",
	"pallet":         "wood",
	"wood":           "wood",
	"fabric":         "fabric",
	"cloth":          "fabric",
	"textile":        "fabric",
	"newspaper":      "paper",
	"magazine":       "paper",
	"paper":          "paper",
	"tin can":        "metal",
	"can":            "metal",
	"aluminum":       "metal",
	"wire":           "metal",
	"rope":           "twine",
	"string":         "twine",
	"yarn":           "twine",
}

var stopWords = map[string]bool{
	"and":  true,
	"or":   true,
	"the":  true,
	"a":    true,
	"an":   true,
	"with": true,
	"from": true,
	"for":  true,
	"i":    true,
	"have": true,
	"some": true,
	"old":  true,
	"used": true,
}

// canonical holds every synonym target so already-normalized keywords pass
// through unchanged. This keeps normalization idempotent: "glass" must not
// be plural-stripped into "glas" on a second pass.
var canonical = buildCanonicalSet()

func buildCanonicalSet() map[string]bool {
	set := make(map[string]bool, len(synonyms))
	for _, v := range synonyms {
		set[v] = true
	}
	return set
}

// Normalize turns free-text material descriptions into an ordered set of
// canonical lowercase keywords. Empty or unusable input yields an empty
// set, never an error; callers treat an empty result as unable to proceed.
func Normalize(text string) []string {
	tokens := tokenize(text)

	var result []string
	seen := make(map[string]bool)
	add := func(keyword string) {
		if keyword == "" || seen[keyword] {
			return
		}
		seen[keyword] = true
		result = append(result, keyword)
	}

	for i := 0; i < len(tokens); i++ {
		// Two-token phrases first so "mason jars" folds to glass instead
		// of surviving as "mason" plus "glass".
		if i+1 < len(tokens) {
			phrase := tokens[i] + " " + singularize(tokens[i+1])
			if kw, ok := synonyms[phrase]; ok {
				add(kw)
				i++
				continue
			}
		}

		token := tokens[i]
		if canonical[token] {
			add(token)
			continue
		}
		if kw, ok := synonyms[token]; ok {
			add(kw)
			continue
		}
		singular := singularize(token)
		if kw, ok := synonyms[singular]; ok {
			add(kw)
			continue
		}
		add(singular)
	}
	return result
}

// NormalizeAsText renders a keyword set back to delimiter-joined text, the
// form it is embedded in.
func NormalizeAsText(keywords []string) string {
	return strings.Join(keywords, ", ")
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	tokens := fields[:0]
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || stopWords[f] || isNumeric(f) {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// singularize strips common plural suffixes. Deliberately crude; the
// synonym table catches the irregular cases that matter.
func singularize(token string) string {
	switch {
	case strings.HasSuffix(token, "ies"):
		return token[:len(token)-3] + "y"
	case strings.HasSuffix(token, "es"):
		return token[:len(token)-2]
	case strings.HasSuffix(token, "s") && len(token) > 3:
		return token[:len(token)-1]
	}
	return token
}
