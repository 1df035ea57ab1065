// Package textproc contains the deterministic text transforms used by the
// ingestion pipeline: chunking, transcript cleaning and HTML extraction.
// Everything here is a pure function of its input, which keeps the pipeline
// testable on literal strings.
package textproc

import (
	"strings"
	"unicode/utf8"
)

// Default chunking budgets, in estimated tokens.
const (
	DefaultMaxChunkTokens = 400
	DefaultMaxLineTokens  = 100
	DefaultOverlapTokens  = 50
)

// EstimateTokens approximates the token count of a string.
// Uses the common ~4 characters per token heuristic for embedding models.
// A non-empty string always counts as at least one token.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s) / 4
	if n == 0 && strings.TrimSpace(s) != "" {
		return 1
	}
	return n
}

// Chunker splits normalized text into overlapping, token-bounded chunks.
// Splitting prefers paragraph boundaries, then line boundaries, then word
// boundaries. Words are never split. The zero value is not usable; construct
// with NewChunker.
type Chunker struct {
	MaxChunkTokens int
	MaxLineTokens  int
	OverlapTokens  int
}

// NewChunker returns a Chunker with the default budgets.
func NewChunker() Chunker {
	return Chunker{
		MaxChunkTokens: DefaultMaxChunkTokens,
		MaxLineTokens:  DefaultMaxLineTokens,
		OverlapTokens:  DefaultOverlapTokens,
	}
}

// Split chunks text into an ordered sequence of chunk strings. Adjacent
// chunks share an overlap window of roughly OverlapTokens so that nearby
// sentences are not orphaned. Whitespace-only candidates are discarded.
// Deterministic for identical input and parameters.
func (c Chunker) Split(text string) []string {
	segments := c.segments(text)
	if len(segments) == 0 {
		return nil
	}

	// Track rune counts, not per-segment token sums: the joined chunk's
	// token estimate must never exceed the budget, and floors of parts do
	// not add up to the floor of the whole.
	var chunks []string
	var cur []string
	curRunes := 0

	flush := func() string {
		chunk := strings.TrimSpace(strings.Join(cur, "\n"))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		cur = cur[:0]
		curRunes = 0
		return chunk
	}

	for _, seg := range segments {
		segRunes := utf8.RuneCountInString(seg)
		if len(cur) > 0 && (curRunes+1+segRunes)/4 > c.MaxChunkTokens {
			prev := flush()
			// Seed the next chunk with the tail of the previous one,
			// unless that would blow the budget for this segment.
			if tail := overlapTail(prev, c.OverlapTokens); tail != "" {
				tailRunes := utf8.RuneCountInString(tail)
				if (tailRunes+1+segRunes)/4 <= c.MaxChunkTokens {
					cur = append(cur, tail)
					curRunes = tailRunes
				}
			}
		}
		if len(cur) > 0 {
			curRunes++
		}
		cur = append(cur, seg)
		curRunes += segRunes
	}
	flush()

	return chunks
}

// segments breaks text into pieces that each fit the chunk budget:
// paragraphs, then lines for oversized paragraphs, then word groups for
// oversized lines.
func (c Chunker) segments(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var segs []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if EstimateTokens(para) <= c.MaxChunkTokens {
			segs = append(segs, para)
			continue
		}
		for _, line := range strings.Split(para, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if EstimateTokens(line) <= c.MaxLineTokens {
				segs = append(segs, line)
				continue
			}
			segs = append(segs, splitByWords(line, c.MaxLineTokens)...)
		}
	}
	return segs
}

// splitByWords groups words into pieces of at most maxTokens estimated
// tokens each. A single word longer than the budget is kept whole.
func splitByWords(line string, maxTokens int) []string {
	words := strings.Fields(line)
	var pieces []string
	var cur []string
	curRunes := 0
	for _, w := range words {
		wRunes := utf8.RuneCountInString(w)
		if len(cur) > 0 && (curRunes+1+wRunes)/4 > maxTokens {
			pieces = append(pieces, strings.Join(cur, " "))
			cur = cur[:0]
			curRunes = 0
		}
		if len(cur) > 0 {
			curRunes++
		}
		cur = append(cur, w)
		curRunes += wRunes
	}
	if len(cur) > 0 {
		pieces = append(pieces, strings.Join(cur, " "))
	}
	return pieces
}

// overlapTail returns the trailing words of chunk amounting to roughly
// maxTokens estimated tokens. Never splits a word.
func overlapTail(chunk string, maxTokens int) string {
	if maxTokens <= 0 || chunk == "" {
		return ""
	}
	words := strings.Fields(chunk)
	tokens := 0
	i := len(words)
	for i > 0 {
		wTokens := EstimateTokens(words[i-1])
		if tokens+wTokens > maxTokens {
			break
		}
		tokens += wTokens
		i--
	}
	if i == len(words) {
		return ""
	}
	return strings.Join(words[i:], " ")
}
