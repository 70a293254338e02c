package hybrideval

import (
	"strings"
	"unicode/utf8"

	"github.com/bbiangul/hybrideval/segment"
)

// snippetMaxLen is the approximate maximum rune length for a snippet.
const snippetMaxLen = 200

// queryTerms returns the keyword terms of query as a set.
func queryTerms(query string) map[string]bool {
	terms := make(map[string]bool)
	for _, t := range segment.Terms(query) {
		terms[t] = true
	}
	return terms
}

// extractSnippet returns the sentence of content sharing the most terms
// with the query, plus its best adjacent sentence when both fit in
// snippetMaxLen. It returns "" when no sentence shares a term.
func extractSnippet(content string, terms map[string]bool) string {
	if len(terms) == 0 || content == "" {
		return ""
	}
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return ""
	}

	scores := make([]int, len(sentences))
	best := 0
	for i, s := range sentences {
		for _, t := range segment.Terms(s) {
			if terms[t] {
				scores[i]++
			}
		}
		if scores[i] > scores[best] {
			best = i
		}
	}
	if scores[best] == 0 {
		return ""
	}

	result := truncateRunes(sentences[best], snippetMaxLen)
	adj, adjScore := -1, 0
	for _, d := range []int{1, -1} {
		if j := best + d; j >= 0 && j < len(sentences) && scores[j] > adjScore {
			adj, adjScore = j, scores[j]
		}
	}
	if adj >= 0 {
		combined := result + " " + sentences[adj]
		if adj < best {
			combined = sentences[adj] + " " + result
		}
		if utf8.RuneCountInString(combined) <= snippetMaxLen {
			result = combined
		}
	}
	return result
}

// splitSentences splits text after Latin and CJK sentence terminators and
// at line breaks.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		switch r {
		case '\n':
			flush()
			continue
		case '。', '？', '！', '；':
			cur.WriteRune(r)
			flush()
			continue
		}
		cur.WriteRune(r)
		if (r == '.' || r == '?' || r == '!') && (i+1 == len(runes) || runes[i+1] == ' ' || runes[i+1] == '\t') {
			flush()
		}
	}
	flush()
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
