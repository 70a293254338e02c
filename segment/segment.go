// Package segment turns Chinese/English text into whitespace-separated
// keyword tokens for the BM25 channel.
//
// CJK runs are split into overlapping character bigrams (a single character
// run stays a unigram); latin and digit runs become lower-cased words.
// Punctuation and whitespace separate tokens. The same segmentation is
// applied at ingest and at query time so index and query terms line up.
package segment

import (
	"strings"
	"unicode"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"to": true, "was": true, "what": true, "which": true, "with": true,
	"的": true, "了": true, "是": true, "在": true, "和": true, "及": true,
	"與": true, "或": true, "之": true, "嗎": true, "呢": true,
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

func isWordRune(r rune) bool {
	return (unicode.IsLetter(r) || unicode.IsDigit(r)) && !isCJK(r)
}

// Tokens returns the keyword tokens of text in order of appearance.
// Duplicates are kept so term frequencies survive indexing.
func Tokens(text string) []string {
	var tokens []string
	runes := []rune(text)

	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case isCJK(r):
			j := i
			for j < len(runes) && isCJK(runes[j]) {
				j++
			}
			tokens = appendCJK(tokens, runes[i:j])
			i = j
		case isWordRune(r):
			j := i
			for j < len(runes) && (isWordRune(runes[j]) || isInnerMark(runes, j)) {
				j++
			}
			w := strings.ToLower(string(runes[i:j]))
			if !stopWords[w] {
				tokens = append(tokens, w)
			}
			i = j
		default:
			i++
		}
	}
	return tokens
}

// isInnerMark keeps decimal points and thousands separators inside numbers
// ("1,234.5") as part of one token.
func isInnerMark(runes []rune, i int) bool {
	if runes[i] != '.' && runes[i] != ',' {
		return false
	}
	return i > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1])
}

func appendCJK(tokens []string, run []rune) []string {
	if len(run) == 1 {
		if s := string(run); !stopWords[s] {
			tokens = append(tokens, s)
		}
		return tokens
	}
	for k := 0; k+1 < len(run); k++ {
		tokens = append(tokens, string(run[k:k+2]))
	}
	return tokens
}

// Segment returns the tokens of text joined by single spaces. This is the
// form stored in keyword indexes.
func Segment(text string) string {
	return strings.Join(Tokens(text), " ")
}

// Terms returns the distinct tokens of text in order of first appearance.
func Terms(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range Tokens(text) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// FTSQuery builds an SQLite FTS5 MATCH expression that ORs the quoted terms
// of query. It returns "" when query has no usable terms.
func FTSQuery(query string) string {
	terms := Terms(query)
	if len(terms) == 0 {
		return ""
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(parts, " OR ")
}

// WebSearchQuery builds a Postgres websearch_to_tsquery expression that ORs
// the terms of query.
func WebSearchQuery(query string) string {
	return strings.Join(Terms(query), " or ")
}
