package chunker

import (
	"fmt"
	"iter"
	"strings"
)

// Chunk is a single overlapping window of normalized document text.
type Chunk struct {
	Index int    // sequence index within the document, contiguous from 0
	Start int    // rune offset of the window in the normalized text
	Text  string
}

// Splitter produces fixed-size overlapping windows over document text.
// Windows are rune-count based; the last window may be shorter than the
// configured size.
type Splitter struct {
	size    int
	overlap int
}

// New validates the window geometry and returns a Splitter.
func New(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0,%d), got %d", size, overlap)
	}
	return &Splitter{size: size, overlap: overlap}, nil
}

// Step returns the stride between consecutive window starts.
func (s *Splitter) Step() int { return s.size - s.overlap }

// Normalize collapses runs of whitespace to single spaces and trims the ends.
// It is applied once before windowing, so chunk offsets always refer to the
// normalized text.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Split normalizes text and returns a lazy, restartable sequence of windows.
// Iterating the result again restarts from the first chunk.
func (s *Splitter) Split(text string) iter.Seq[Chunk] {
	runes := []rune(Normalize(text))
	step := s.Step()
	return func(yield func(Chunk) bool) {
		for i, start := 0, 0; start < len(runes); i, start = i+1, start+step {
			end := start + s.size
			if end > len(runes) {
				end = len(runes)
			}
			if !yield(Chunk{Index: i, Start: start, Text: string(runes[start:end])}) {
				return
			}
			if end == len(runes) {
				return
			}
		}
	}
}

// SplitAll collects the full window sequence into a slice.
func (s *Splitter) SplitAll(text string) []Chunk {
	var chunks []Chunk
	for c := range s.Split(text) {
		chunks = append(chunks, c)
	}
	return chunks
}

// Reconstruct joins the non-overlapping leading portion of each chunk back
// into the normalized source text. It is the inverse of Split for any valid
// window geometry.
func Reconstruct(chunks []Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		runes := []rune(c.Text)
		if i == len(chunks)-1 {
			b.WriteString(string(runes))
			break
		}
		lead := chunks[i+1].Start - c.Start
		if lead > len(runes) {
			lead = len(runes)
		}
		b.WriteString(string(runes[:lead]))
	}
	return b.String()
}
