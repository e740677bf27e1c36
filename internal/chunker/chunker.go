// Package chunker splits raw document text into overlapping, bounded-size
// segments suitable for embedding.
//
// Splitting is sentence-aware: a sentence boundary is punctuation (., !, ?)
// followed by whitespace and a capital letter. This is a heuristic, not a
// parser. Fenced code blocks and math regions are protected before
// segmentation so a boundary can never fall inside them, and are restored
// verbatim into the final chunk text.
//
// Token counts are estimated as ceil(len/4). The estimate is deliberately
// approximate but deterministic, and the same function is used for chunk
// budgeting and downstream cost reporting.
package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	// DefaultMaxChunkTokens is the default chunk size budget in tokens.
	DefaultMaxChunkTokens = 512

	// DefaultOverlapTokens is the default trailing-sentence overlap budget.
	DefaultOverlapTokens = 128
)

// Chunk is a bounded contiguous span of a document's text, the unit of
// embedding and retrieval.
type Chunk struct {
	Text          string
	Index         int
	TokenEstimate int
	Metadata      map[string]string // optional: section, page, heading
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithMaxChunkTokens sets the chunk size budget. Values < 1 are ignored.
func WithMaxChunkTokens(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxChunkTokens = n
		}
	}
}

// WithOverlapTokens sets the trailing-sentence overlap budget.
// Values < 0 are ignored.
func WithOverlapTokens(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlapTokens = n
		}
	}
}

// Chunker splits text into chunks. The zero value is not usable; call New.
//
// Chunker is stateless after construction and safe for concurrent use.
type Chunker struct {
	maxChunkTokens int
	overlapTokens  int
}

// New creates a Chunker with the given options.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		maxChunkTokens: DefaultMaxChunkTokens,
		overlapTokens:  DefaultOverlapTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EstimateTokens returns the deterministic token estimate for text:
// ceil(len(text)/4). It is monotonic in text length.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// protectedPatterns match spans that must never contain a sentence boundary.
// Order matters: fenced code first so backticked math-like text inside code
// is claimed by the code pattern.
var protectedPatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```.*?```"),        // fenced code block
	regexp.MustCompile(`(?s)\$\$.*?\$\$`),      // block math
	regexp.MustCompile(`(?s)\\\[.*?\\\]`),      // LaTeX display math
	regexp.MustCompile(`(?s)\\\(.*?\\\)`),      // LaTeX inline math
	regexp.MustCompile(`\$[^$\n]+\$`),          // inline math
}

// placeholder delimiters. NUL never appears in document text that reaches
// the chunker, so collisions are not a practical concern.
const placeholderFormat = "\x00prot%d\x00"

// Split divides text into chunks. Empty or whitespace-only input returns
// nil. Text whose estimated token count fits inside the chunk budget
// returns a single chunk.
//
// A single sentence longer than the budget is kept whole in its own chunk;
// mid-sentence splits are never produced.
func (c *Chunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if EstimateTokens(text) <= c.maxChunkTokens {
		return []Chunk{{
			Text:          text,
			Index:         0,
			TokenEstimate: EstimateTokens(text),
		}}
	}

	protected, spans := protect(text)
	sentences := splitSentences(protected)

	// Restore protected spans per sentence so all token accounting below
	// sees real text lengths, not placeholder lengths.
	for i, s := range sentences {
		sentences[i] = restore(s, spans)
	}

	groups := c.accumulate(sentences)

	chunks := make([]Chunk, 0, len(groups))
	for i, g := range groups {
		chunkText := strings.Join(g, " ")
		chunks = append(chunks, Chunk{
			Text:          chunkText,
			Index:         i,
			TokenEstimate: EstimateTokens(chunkText),
		})
	}
	return chunks
}

// accumulate greedily packs sentences into chunks, seeding each new chunk
// with a whole-sentence overlap from the end of the previous one.
func (c *Chunker) accumulate(sentences []string) [][]string {
	var groups [][]string
	var cur []string
	curTokens := 0

	for _, s := range sentences {
		st := EstimateTokens(s)
		if len(cur) > 0 && curTokens+st > c.maxChunkTokens {
			groups = append(groups, cur)
			cur, curTokens = c.overlapSeed(cur)
		}
		cur = append(cur, s)
		curTokens += st
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// overlapSeed walks backward from the end of a closed chunk, collecting
// whole sentences until the overlap budget is consumed. A sentence that
// would push the total past the budget is not taken.
func (c *Chunker) overlapSeed(closed []string) (seed []string, tokens int) {
	if c.overlapTokens == 0 {
		return nil, 0
	}
	start := len(closed)
	for i := len(closed) - 1; i >= 0; i-- {
		st := EstimateTokens(closed[i])
		if tokens+st > c.overlapTokens {
			break
		}
		tokens += st
		start = i
	}
	if start == len(closed) {
		return nil, 0
	}
	seed = append(seed, closed[start:]...)
	return seed, tokens
}

// protect replaces non-splittable spans with opaque placeholders and
// returns the substitution table for restore.
func protect(text string) (string, map[string]string) {
	spans := make(map[string]string)
	n := 0
	for _, pat := range protectedPatterns {
		text = pat.ReplaceAllStringFunc(text, func(m string) string {
			key := fmt.Sprintf(placeholderFormat, n)
			spans[key] = m
			n++
			return key
		})
	}
	return text, spans
}

// restore substitutes protected spans back into the text verbatim.
func restore(text string, spans map[string]string) string {
	if len(spans) == 0 || !strings.ContainsRune(text, '\x00') {
		return text
	}
	for key, original := range spans {
		text = strings.ReplaceAll(text, key, original)
	}
	return text
}

// splitSentences segments text at punctuation followed by whitespace and a
// capital letter, or end of text. The trailing whitespace at each boundary
// is dropped; chunk assembly re-joins sentences with single spaces.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		if j == i+1 || j >= len(runes) || !unicode.IsUpper(runes[j]) {
			continue
		}
		sentences = append(sentences, string(runes[start:i+1]))
		start = j
		i = j - 1
	}

	if start < len(runes) {
		if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
			sentences = append(sentences, tail)
		}
	}
	return sentences
}
