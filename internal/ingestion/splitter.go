package ingestion

import (
	"strings"
	"unicode/utf8"
)

// Default chunking parameters used by `ragent ingest`.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// defaultSeparators is tried in order: paragraphs, lines, words, characters.
var defaultSeparators = []string{"\n\n", "\n", " ", ""}

// Splitter is a recursive character splitter. It splits on the coarsest
// separator present in the text, merges the pieces back into chunks of at
// most ChunkSize characters with ChunkOverlap characters carried between
// neighbours, and recurses with finer separators into pieces that are still
// too large. Lengths are counted in runes.
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// NewSplitter returns a Splitter with the default separators. Non-positive
// sizes fall back to the defaults and an overlap not smaller than the chunk
// size is reduced to a tenth of it.
func NewSplitter(chunkSize, chunkOverlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 10
	}
	return &Splitter{
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		Separators:   defaultSeparators,
	}
}

// Split returns the chunks of text. Whitespace-only input yields no chunks.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	seps := s.Separators
	if len(seps) == 0 {
		seps = defaultSeparators
	}
	return s.split(text, seps)
}

func (s *Splitter) split(text string, seps []string) []string {
	sep := ""
	var finer []string
	for i, c := range seps {
		if c == "" || strings.Contains(text, c) {
			sep = c
			finer = seps[i+1:]
			break
		}
	}

	var pieces []string
	if sep == "" {
		pieces = strings.Split(text, "")
	} else {
		pieces = strings.Split(text, sep)
	}

	var out, small []string
	for _, p := range pieces {
		if p == "" {
			continue
		}
		if utf8.RuneCountInString(p) < s.ChunkSize {
			small = append(small, p)
			continue
		}
		if len(small) > 0 {
			out = append(out, s.merge(small, sep)...)
			small = nil
		}
		if len(finer) == 0 {
			out = append(out, strings.TrimSpace(p))
		} else {
			out = append(out, s.split(p, finer)...)
		}
	}
	if len(small) > 0 {
		out = append(out, s.merge(small, sep)...)
	}
	return out
}

// merge joins consecutive pieces with sep into chunks no longer than
// ChunkSize, starting each new chunk with the trailing pieces of the previous
// one that fit within ChunkOverlap.
func (s *Splitter) merge(pieces []string, sep string) []string {
	sepLen := utf8.RuneCountInString(sep)
	joinLen := func(n int) int {
		if n > 0 {
			return sepLen
		}
		return 0
	}

	var chunks, window []string
	total := 0
	emit := func() {
		if c := strings.TrimSpace(strings.Join(window, sep)); c != "" {
			chunks = append(chunks, c)
		}
	}

	for _, p := range pieces {
		n := utf8.RuneCountInString(p)
		if total+n+joinLen(len(window)) > s.ChunkSize && len(window) > 0 {
			emit()
			for total > s.ChunkOverlap || (total > 0 && total+n+joinLen(len(window)) > s.ChunkSize) {
				total -= utf8.RuneCountInString(window[0]) + joinLen(len(window)-1)
				window = window[1:]
			}
		}
		window = append(window, p)
		total += n + joinLen(len(window)-1)
	}
	emit()
	return chunks
}
