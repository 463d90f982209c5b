package ingestion_engine

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func rawTexts() []string {
	var out []string
	for _, p := range footerPages() {
		out = append(out, p.RawText)
	}
	return out
}

func TestCleanPagesStripsRunningFooter(t *testing.T) {
	cleaned := CleanPages(rawTexts())

	footer := regexp.MustCompile(`(?i)page \d+ of 5`)
	for i, page := range cleaned {
		assert.False(t, footer.MatchString(page), "page %d still has its footer: %q", i+1, page)
		assert.NotContains(t, page, "ACME Annual Report")
	}

	assert.Equal(t, []string{
		"Rivers shaped the early settlements along the coast.",
		"Trade routes followed the valleys inland.",
		"Mills appeared along the banks of the river.",
		"Floods reshaped the farmland every spring.",
		"Dams finally tamed the seasonal surges.",
	}, cleaned)
}

func TestCleanPagesIsDeterministic(t *testing.T) {
	first := CleanPages(rawTexts())
	second := CleanPages(rawTexts())
	assert.Equal(t, first, second)
	assert.Equal(t, first, CleanPages(first))
}

func TestCleanPagesShortDocumentOnlyRepairsLines(t *testing.T) {
	cleaned := CleanPages([]string{
		"Header\nAn inter-\nnational treaty was\nsigned.\n\n\n1",
		"Header\nWell-\nKnown names follow.\n2",
	})

	assert.Equal(t, "Header\nAn international treaty was signed.\n\n1", cleaned[0])
	assert.Equal(t, "Header\nWell-\nKnown names follow.\n2", cleaned[1])
}

func TestCleanPagesNormalizesText(t *testing.T) {
	cleaned := CleanPages([]string{"The ﬁnal\t\tword  here\r\nends."})
	assert.Equal(t, []string{"The final word here ends."}, cleaned)
}

func TestIsPageNumber(t *testing.T) {
	var tests = []struct {
		line string
		want bool
	}{
		{"12", true},
		{"Page 3", true},
		{"page 3 of 10", true},
		{"3 / 10", true},
		{"- 4 -", true},
		{"xii", false},
		{"Pages", false},
		{"Page", false},
		{"Chapter 3", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, isPageNumber(tt.line))
		})
	}
}

func TestIsRomanPageNumber(t *testing.T) {
	var tests = []struct {
		line string
		want bool
	}{
		{"xii", true},
		{"iv", true},
		{"Page iv", true},
		{"p. ix", true},
		{"Mix", false},
		{"MD", false},
		{"I", false},
		{"Vi", false},
		{"civil", false},
		{"Page", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, isRomanPageNumber(tt.line))
		})
	}
}

func TestCleanPagesKeepsWordsThatSpellNumerals(t *testing.T) {
	cleaned := CleanPages([]string{
		"Mix\nThe flour and water together.",
		"MD\nThe doctor signed the chart.",
		"I\nWent home early that day.",
	})

	assert.Equal(t, []string{
		"Mix\nThe flour and water together.",
		"MD\nThe doctor signed the chart.",
		"I\nWent home early that day.",
	}, cleaned)
}

func TestCleanPagesStripsRomanFrontMatterNumbers(t *testing.T) {
	cleaned := CleanPages([]string{
		"Foreword\nThe authors thank the reviewers.\ni",
		"Readers will find the tables at the end.\nii",
		"Notation follows the usual conventions.\niii",
		"Appendix\nStir until smooth.",
	})

	assert.Equal(t, []string{
		"Foreword\nThe authors thank the reviewers.",
		"Readers will find the tables at the end.",
		"Notation follows the usual conventions.",
		"Appendix\nStir until smooth.",
	}, cleaned)
}
