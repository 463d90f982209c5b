package llm

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/mediawhisperer/internal/models"
)

func TestToGeminiContents(t *testing.T) {
	system, turns := toGeminiContents([]models.PromptMessage{
		{Role: models.RoleSystem, Content: "Answer from excerpts."},
		{Role: models.RoleUser, Content: "first question"},
		{Role: models.RoleAssistant, Content: "first answer"},
		{Role: models.RoleUser, Content: "unanswered"},
		{Role: models.RoleUser, Content: "excerpts + question"},
	})

	assert.Equal(t, "Answer from excerpts.", system)
	require.Len(t, turns, 3)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "model", turns[1].Role)
	assert.Equal(t, "user", turns[2].Role)
	assert.Equal(t, []genai.Part{genai.Text("unanswered"), genai.Text("excerpts + question")}, turns[2].Parts)
}
