package ingestion_engine

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/markdave123-py/mediawhisperer/internal/models"
)

const (
	pageSeparator   = "\n\n"
	maxHeadingRunes = 80
)

var (
	numberedHeading = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+\p{Lu}`)
	namedHeading    = regexp.MustCompile(`(?i)^(chapter|part|appendix|section)\s+\S+`)
	markdownHeading = regexp.MustCompile(`^(#{1,6})\s+\S`)
)

// JoinPages concatenates normalized pages into the document text, separated
// by a blank line, and returns the rune offset at which each page starts.
func JoinPages(pages []string) (string, []int) {
	starts := make([]int, len(pages))
	var b strings.Builder
	offset := 0
	for i, p := range pages {
		if i > 0 {
			b.WriteString(pageSeparator)
			offset += utf8.RuneCountInString(pageSeparator)
		}
		starts[i] = offset
		b.WriteString(p)
		offset += utf8.RuneCountInString(p)
	}
	return b.String(), starts
}

// textLine is one line of the document text with rune offsets.
type textLine struct {
	text       string
	start, end int
}

func splitLines(text string) []textLine {
	var (
		lines []textLine
		pos   int
	)
	for _, l := range strings.Split(text, "\n") {
		n := utf8.RuneCountInString(l)
		lines = append(lines, textLine{text: l, start: pos, end: pos + n})
		pos += n + 1
	}
	return lines
}

// Structure segments document text into sections of blank-line separated
// paragraphs. A paragraph whose first line looks like a heading opens a new
// section. Text before the first heading forms an untitled section, and text
// without headings is a single untitled section.
func Structure(text string) []models.Section {
	var (
		sections []models.Section
		current  = models.Section{}
		para     []textLine
	)

	closeSection := func(end int) {
		current.End = end
		if current.Title != "" || len(current.Paragraphs) > 0 {
			sections = append(sections, current)
		}
	}

	flush := func() {
		if len(para) == 0 {
			return
		}
		body := para
		if title, level, ok := headingOf(para[0].text); ok {
			closeSection(para[0].start)
			current = models.Section{Title: title, Level: level, Start: para[0].start}
			body = para[1:]
		}
		if len(body) > 0 {
			current.Paragraphs = append(current.Paragraphs, models.Span{Start: body[0].start, End: body[len(body)-1].end})
		}
		para = nil
	}

	for _, l := range splitLines(text) {
		if strings.TrimSpace(l.text) == "" {
			flush()
			continue
		}
		para = append(para, l)
	}
	flush()
	closeSection(utf8.RuneCountInString(text))

	if len(sections) == 0 {
		return []models.Section{{Start: 0, End: utf8.RuneCountInString(text)}}
	}
	return sections
}

// headingOf reports whether line reads as a heading, with its title and level.
func headingOf(line string) (string, int, bool) {
	line = strings.TrimSpace(line)
	if line == "" || utf8.RuneCountInString(line) > maxHeadingRunes {
		return "", 0, false
	}
	if m := markdownHeading.FindStringSubmatch(line); m != nil {
		return strings.TrimSpace(strings.TrimLeft(line, "#")), len(m[1]), true
	}
	last, _ := utf8.DecodeLastRuneInString(line)
	if strings.ContainsRune(".,;:!?", last) {
		return "", 0, false
	}
	if m := numberedHeading.FindStringSubmatch(line); m != nil {
		return line, strings.Count(m[1], ".") + 1, true
	}
	if m := namedHeading.FindStringSubmatch(line); m != nil {
		first, _ := utf8.DecodeRuneInString(line)
		if !unicode.IsUpper(first) {
			return "", 0, false
		}
		if strings.EqualFold(m[1], "section") {
			return line, 2, true
		}
		return line, 1, true
	}
	if isAllCaps(line) {
		return line, 1, true
	}
	return "", 0, false
}

// isAllCaps requires at least three letters, all upper case.
func isAllCaps(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 3
}
