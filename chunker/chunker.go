// Package chunker splits prepared page text into overlapping chunks for
// indexing. Lengths are measured in characters (runes), so CJK and latin
// text are treated alike.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators are tried in order: paragraphs, lines, words, runes.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// Config controls the chunking behaviour.
type Config struct {
	Size       int      // Maximum characters per chunk.
	Overlap    int      // Characters carried over between consecutive chunks.
	Separators []string // Split points, coarsest first.
}

// Chunker recursively splits text on the coarsest separator that yields
// pieces below Size, then merges neighbouring pieces back up to Size with
// Overlap characters of shared context.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with sensible defaults.
func New(cfg Config) *Chunker {
	if cfg.Size <= 0 {
		cfg.Size = 8000
		if cfg.Overlap == 0 {
			cfg.Overlap = 500
		}
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		cfg.Overlap = 0
	}
	if len(cfg.Separators) == 0 {
		cfg.Separators = DefaultSeparators
	}
	return &Chunker{cfg: cfg}
}

// Split returns the chunks of text. Whitespace-only input yields none.
func (c *Chunker) Split(text string) []string {
	return c.split(text, c.cfg.Separators)
}

// Halve splits text into two overlapping parts at the separator nearest
// the middle. It is used when a chunk turns out too long for the embedding
// model. Texts of fewer than two runes are returned as-is.
func (c *Chunker) Halve(text string) []string {
	runes := []rune(text)
	if len(runes) < 2 {
		return []string{text}
	}
	mid := len(runes) / 2
	cut := mid
	for _, sep := range c.cfg.Separators {
		if sep == "" {
			break
		}
		if i := nearest(runes, []rune(sep), mid); i > 0 {
			cut = i
			break
		}
	}
	overlap := min(c.cfg.Overlap, cut/2)
	return []string{
		strings.TrimSpace(string(runes[:cut])),
		strings.TrimSpace(string(runes[cut-overlap:])),
	}
}

func (c *Chunker) split(text string, separators []string) []string {
	sep := separators[len(separators)-1]
	var rest []string
	for i, s := range separators {
		if s == "" || strings.Contains(text, s) {
			sep = s
			rest = separators[i+1:]
			break
		}
	}

	var pieces []string
	if sep == "" {
		pieces = strings.Split(text, "")
	} else {
		pieces = strings.Split(text, sep)
	}

	var out, good []string
	for _, p := range pieces {
		if p == "" {
			continue
		}
		if runeLen(p) < c.cfg.Size {
			good = append(good, p)
			continue
		}
		if len(good) > 0 {
			out = append(out, c.merge(good, sep)...)
			good = nil
		}
		if len(rest) == 0 {
			out = append(out, p)
		} else {
			out = append(out, c.split(p, rest)...)
		}
	}
	if len(good) > 0 {
		out = append(out, c.merge(good, sep)...)
	}
	return out
}

// merge joins pieces with sep into chunks of at most Size runes, starting
// each new chunk with the trailing Overlap runes' worth of pieces.
func (c *Chunker) merge(pieces []string, sep string) []string {
	sepLen := runeLen(sep)
	var docs, cur []string
	total := 0

	for _, p := range pieces {
		l := runeLen(p)
		if total+l+joinCost(len(cur), sepLen) > c.cfg.Size && len(cur) > 0 {
			if doc := strings.TrimSpace(strings.Join(cur, sep)); doc != "" {
				docs = append(docs, doc)
			}
			for total > c.cfg.Overlap || (total+l+joinCost(len(cur), sepLen) > c.cfg.Size && total > 0) {
				total -= runeLen(cur[0])
				if len(cur) > 1 {
					total -= sepLen
				}
				cur = cur[1:]
			}
		}
		cur = append(cur, p)
		total += l
		if len(cur) > 1 {
			total += sepLen
		}
	}
	if doc := strings.TrimSpace(strings.Join(cur, sep)); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

func joinCost(n, sepLen int) int {
	if n > 0 {
		return sepLen
	}
	return 0
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// nearest returns the rune index just after the occurrence of sep closest
// to mid, or -1.
func nearest(runes, sep []rune, mid int) int {
	best := -1
	for i := 0; i+len(sep) <= len(runes); i++ {
		if !equalRunes(runes[i:i+len(sep)], sep) {
			continue
		}
		end := i + len(sep)
		if end >= len(runes) {
			break
		}
		if best < 0 || abs(end-mid) < abs(best-mid) {
			best = end
		}
	}
	return best
}

func equalRunes(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
