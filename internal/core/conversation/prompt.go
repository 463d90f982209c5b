package conversation

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/markdave123-py/mediawhisperer/internal/models"
)

const systemInstruction = `You answer questions about one document using only the numbered excerpts supplied with each question.
Cite the excerpts you rely on by number, for example [2].
If the excerpts do not contain the answer, say that the document does not cover it instead of guessing.`

// PromptLimits bounds the history replayed into a prompt.
type PromptLimits struct {
	HistoryMessages int
	HistoryTokens   int
}

// BuildPrompt assembles the completion request: the system instruction, the
// most recent history that fits the limits in chronological order, and a final
// user turn carrying the labeled excerpts and the question.
func BuildPrompt(docTitle string, history []models.Message, excerpts []models.ScoredChunk, question string, limits PromptLimits) []models.PromptMessage {
	prompt := []models.PromptMessage{{Role: models.RoleSystem, Content: systemInstruction}}
	for _, m := range recentHistory(history, limits) {
		prompt = append(prompt, models.PromptMessage{Role: m.Role, Content: m.Content})
	}
	return append(prompt, models.PromptMessage{Role: models.RoleUser, Content: questionTurn(docTitle, excerpts, question)})
}

// recentHistory walks back from the newest message and stops at the first
// one that would break either limit.
func recentHistory(history []models.Message, limits PromptLimits) []models.Message {
	var (
		picked []models.Message
		tokens int
	)
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == models.RoleSystem {
			continue
		}
		if limits.HistoryMessages > 0 && len(picked) >= limits.HistoryMessages {
			break
		}
		t := estimateTokens(m.Content)
		if limits.HistoryTokens > 0 && tokens+t > limits.HistoryTokens {
			break
		}
		tokens += t
		picked = append(picked, m)
	}
	slices.Reverse(picked)
	return picked
}

func questionTurn(docTitle string, excerpts []models.ScoredChunk, question string) string {
	var b strings.Builder
	if docTitle != "" {
		fmt.Fprintf(&b, "Document: %s\n\n", docTitle)
	}
	if len(excerpts) == 0 {
		b.WriteString("No excerpts matched this question.\n\n")
	} else {
		b.WriteString("Excerpts:\n")
		for i, c := range excerpts {
			fmt.Fprintf(&b, "%s\n%s\n\n", excerptLabel(i+1, c.Chunk), excerptText(excerpts, i))
		}
	}
	fmt.Fprintf(&b, "Question: %s", question)
	return b.String()
}

// excerptLabel renders "[n] (pages a–b · section)".
func excerptLabel(n int, c models.Chunk) string {
	where := fmt.Sprintf("page %d", c.PageStart)
	if c.PageEnd > c.PageStart {
		where = fmt.Sprintf("pages %d–%d", c.PageStart, c.PageEnd)
	}
	if c.SectionTitle != "" {
		where += " · " + c.SectionTitle
	}
	return fmt.Sprintf("[%d] (%s)", n, where)
}

// excerptText drops the overlap a chunk shares with the excerpt right before it.
func excerptText(excerpts []models.ScoredChunk, i int) string {
	c := excerpts[i].Chunk
	if i == 0 || excerpts[i-1].Seq != c.Seq-1 || c.OverlapLen == 0 {
		return strings.TrimSpace(c.Text)
	}
	rs := []rune(c.Text)
	return strings.TrimSpace(string(rs[min(c.OverlapLen, len(rs)):]))
}

func estimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
