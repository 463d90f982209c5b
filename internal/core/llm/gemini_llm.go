package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

type GeminiLLM struct {
	client    *genai.Client
	modelName string
}

func NewGeminiLLM(ctx context.Context, apiKey, modelName string) (*GeminiLLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &GeminiLLM{client: cl, modelName: modelName}, nil
}

func (g *GeminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Complete sends system messages as the system instruction, earlier turns as
// chat history and the final user turn as the message to answer.
func (g *GeminiLLM) Complete(ctx context.Context, msgs []models.PromptMessage) (string, error) {
	system, turns := toGeminiContents(msgs)
	if len(turns) == 0 || turns[len(turns)-1].Role != "user" {
		return "", core.Errorf(core.KindInvalidInput, "gemini complete", "prompt must end with a user turn")
	}

	m := g.client.GenerativeModel(g.modelName)
	if system != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}

	cs := m.StartChat()
	cs.History = turns[:len(turns)-1]

	resp, err := cs.SendMessage(ctx, turns[len(turns)-1].Parts...)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", core.Errorf(core.KindInternal, "gemini generate", "no candidates returned")
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

// toGeminiContents maps prompt messages onto Gemini's two chat roles, merging
// consecutive turns of the same role.
func toGeminiContents(msgs []models.PromptMessage) (string, []*genai.Content) {
	var (
		system []string
		turns  []*genai.Content
	)
	for _, msg := range msgs {
		role := "user"
		switch msg.Role {
		case models.RoleSystem:
			system = append(system, msg.Content)
			continue
		case models.RoleAssistant:
			role = "model"
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Parts = append(turns[n-1].Parts, genai.Text(msg.Content))
			continue
		}
		turns = append(turns, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}
	return strings.Join(system, "\n\n"), turns
}

var _ core.LLMProvider = (*GeminiLLM)(nil)
