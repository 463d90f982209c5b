package ingestion_engine

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// minPagesForMargins is the page count below which running headers and
	// footers cannot be told apart from body text.
	minPagesForMargins = 3
	// marginLines is how many non-empty lines at each end of a page are
	// examined for headers and footers.
	marginLines = 3
)

var (
	spaceRun     = regexp.MustCompile(`[ \t\x{00A0}]+`)
	digitRun     = regexp.MustCompile(`\d+`)
	arabicPageNo = regexp.MustCompile(`^\d+(?:\s*(?:of|/)\s*\d+)?$`)
	dashedPageNo = regexp.MustCompile(`^[-–—]\s*\d+\s*[-–—]$`)
	romanPageNo  = regexp.MustCompile(`^m{0,3}(?:cm|cd|d?c{0,3})(?:xc|xl|l?x{0,3})(?:ix|iv|v?i{0,3})$`)
)

// CleanPages turns raw page text into normalized page text. It strips
// running headers, footers and page numbers when there are enough pages to
// recognise them, repairs hyphenated and wrapped lines and collapses
// whitespace. The output depends only on the input.
func CleanPages(raw []string) []string {
	pages := make([][]string, len(raw))
	for i, text := range raw {
		pages[i] = normalizeLines(text)
	}

	if len(pages) >= minPagesForMargins {
		stripMargins(pages)
	}

	out := make([]string, len(pages))
	for i, lines := range pages {
		out[i] = joinParagraphs(repairLines(lines))
	}
	return out
}

// normalizeLines applies NFKC, unifies line endings and collapses runs of
// spaces inside each line.
func normalizeLines(text string) []string {
	text = norm.NFKC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(l, " "))
	}
	return lines
}

// lineSignature identifies a line up to case and numbering, so "Page 3 of 5"
// and "Page 4 of 5" share a signature.
func lineSignature(line string) string {
	return digitRun.ReplaceAllString(strings.ToLower(line), "#")
}

// isPageNumber matches "12", "12 of 40", "Page 12" and "- 12 -".
func isPageNumber(line string) bool {
	s := strings.ToLower(cutPagePrefix(line))
	return s != "" && (arabicPageNo.MatchString(s) || dashedPageNo.MatchString(s))
}

// isRomanPageNumber matches lowercase numerals such as "xii" or "Page iv".
// Capitalised lines like "Mix", "MD" or "I" are words.
func isRomanPageNumber(line string) bool {
	s := cutPagePrefix(line)
	return s != "" && romanPageNo.MatchString(s)
}

// cutPagePrefix strips a leading "Page" or "p." in any case.
func cutPagePrefix(line string) string {
	for _, prefix := range []string{"page", "p."} {
		if len(line) >= len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
			return strings.TrimSpace(line[len(prefix):])
		}
	}
	return line
}

// marginIndexes returns the indexes of the first and last few non-empty lines.
func marginIndexes(lines []string) []int {
	var nonEmpty []int
	for i, l := range lines {
		if l != "" {
			nonEmpty = append(nonEmpty, i)
		}
	}
	if len(nonEmpty) <= 2*marginLines {
		return nonEmpty
	}
	out := append([]int(nil), nonEmpty[:marginLines]...)
	return append(out, nonEmpty[len(nonEmpty)-marginLines:]...)
}

// stripMargins blanks margin lines whose signature recurs on more than half
// of the pages, and margin lines that are only a page number. Roman numerals
// count as page numbers only when they sit in the margins of several pages.
func stripMargins(pages [][]string) {
	margins := make([][]int, len(pages))
	counts := make(map[string]int)
	romanPages := 0
	for p, lines := range pages {
		margins[p] = marginIndexes(lines)
		seen := make(map[string]bool)
		roman := false
		for _, i := range margins[p] {
			sig := lineSignature(lines[i])
			if !seen[sig] {
				seen[sig] = true
				counts[sig]++
			}
			roman = roman || isRomanPageNumber(lines[i])
		}
		if roman {
			romanPages++
		}
	}

	for p, lines := range pages {
		for _, i := range margins[p] {
			line := lines[i]
			if counts[lineSignature(line)]*2 > len(pages) || isPageNumber(line) ||
				(romanPages > 1 && isRomanPageNumber(line)) {
				lines[i] = ""
			}
		}
	}
}

// repairLines merges hyphenated words split across lines and rejoins lines
// that were wrapped mid-sentence. Blank lines are kept as paragraph breaks.
func repairLines(lines []string) []string {
	var out []string
	for _, line := range lines {
		n := len(out)
		if line == "" || n == 0 || out[n-1] == "" {
			out = append(out, line)
			continue
		}
		prev := out[n-1]
		switch {
		case endsWithHyphenatedWord(prev) && startsLower(line):
			out[n-1] = prev[:len(prev)-1] + line
		case !endsSentence(prev) && startsLower(line):
			out[n-1] = prev + " " + line
		default:
			out = append(out, line)
		}
	}
	return out
}

func endsWithHyphenatedWord(s string) bool {
	if !strings.HasSuffix(s, "-") {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s[:len(s)-1])
	return unicode.IsLetter(r)
}

func startsLower(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsLower(r)
}

func endsSentence(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return strings.ContainsRune(".!?:;", r)
}

// joinParagraphs joins lines, collapsing consecutive blank lines into one and
// dropping leading and trailing blanks.
func joinParagraphs(lines []string) string {
	var b strings.Builder
	pendingBreak := false
	for _, l := range lines {
		if l == "" {
			pendingBreak = b.Len() > 0
			continue
		}
		if b.Len() > 0 {
			if pendingBreak {
				b.WriteString("\n\n")
			} else {
				b.WriteString("\n")
			}
		}
		pendingBreak = false
		b.WriteString(l)
	}
	return b.String()
}
