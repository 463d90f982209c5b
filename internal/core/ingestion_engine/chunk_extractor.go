package ingestion_engine

import (
	"sort"
	"unicode"

	"github.com/google/uuid"

	"github.com/markdave123-py/mediawhisperer/internal/models"
)

// charsPerToken is the rune-to-token ratio behind approxTokens.
const charsPerToken = 4

// Chunker splits document text into overlapping chunks.
//
// MaxTokens:     upper bound on a chunk's approximate token count.
// OverlapTokens: approximate tokens repeated from the end of one chunk at the
// start of the next; at most MaxTokens/2.
type Chunker struct {
	MaxTokens     int
	OverlapTokens int
}

// Split cuts text into chunks that reconstruct it exactly once overlaps are
// removed. Cuts prefer, in order, a paragraph or section boundary, a sentence
// end, whitespace, and only then an arbitrary rune, always within the second
// half of the allowed size. pageStarts and sections come from JoinPages and
// Structure over the same text.
func (c Chunker) Split(docID, text string, pageStarts []int, sections []models.Section) []models.Chunk {
	rs := []rune(text)
	n := len(rs)
	if n == 0 {
		return nil
	}

	maxChars := max(c.MaxTokens, 1) * charsPerToken
	overlapChars := min(max(c.OverlapTokens, 0)*charsPerToken, maxChars/2)
	boundaries := boundaryOffsets(sections)

	var (
		chunks  []models.Chunk
		start   int
		overlap int
	)
	for {
		end := n
		if start+maxChars < n {
			end = c.cutPoint(rs, start, start+maxChars, boundaries)
		}

		chunkText := string(rs[start:end])
		chunks = append(chunks, models.Chunk{
			ID:           uuid.NewString(),
			DocumentID:   docID,
			Seq:          len(chunks),
			Text:         chunkText,
			StartOffset:  start,
			EndOffset:    end,
			OverlapLen:   overlap,
			PageStart:    pageAt(pageStarts, start),
			PageEnd:      pageAt(pageStarts, end-1),
			SectionTitle: sectionAt(sections, start+overlap),
			TokenCount:   approxTokens(chunkText),
		})
		if end == n {
			return chunks
		}

		next := end - min(overlapChars, end-start-1)
		for next < end && !unicode.IsSpace(rs[next-1]) {
			next++
		}
		overlap = end - next
		start = next
	}
}

// cutPoint picks the end of a chunk starting at start that may not extend
// past limit.
func (c Chunker) cutPoint(rs []rune, start, limit int, boundaries []int) int {
	floor := start + (limit-start)/2

	// Largest structural boundary in (floor, limit].
	i := sort.SearchInts(boundaries, limit+1)
	if i > 0 && boundaries[i-1] > floor {
		return boundaries[i-1]
	}

	for end := limit; end > floor; end-- {
		if isSentenceEnd(rs[end-1]) && unicode.IsSpace(rs[end]) {
			return end
		}
	}
	for end := limit; end > floor; end-- {
		if unicode.IsSpace(rs[end]) {
			return end
		}
	}
	return limit
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// boundaryOffsets returns sorted unique paragraph ends and section starts.
func boundaryOffsets(sections []models.Section) []int {
	seen := make(map[int]bool)
	var out []int
	add := func(off int) {
		if off > 0 && !seen[off] {
			seen[off] = true
			out = append(out, off)
		}
	}
	for _, s := range sections {
		add(s.Start)
		for _, p := range s.Paragraphs {
			add(p.End)
		}
	}
	sort.Ints(out)
	return out
}

// pageAt maps a rune offset to its 1-based page number.
func pageAt(pageStarts []int, off int) int {
	if len(pageStarts) == 0 {
		return 1
	}
	return sort.Search(len(pageStarts), func(i int) bool { return pageStarts[i] > off })
}

// sectionAt returns the title of the section containing off.
func sectionAt(sections []models.Section, off int) string {
	title := ""
	for _, s := range sections {
		if s.Start > off {
			break
		}
		title = s.Title
	}
	return title
}

// approxTokens is a cheap token estimator (~4 chars ≈ 1 token).
func approxTokens(s string) int {
	n := len([]rune(s))
	if n <= 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}
