package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/core/llm"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

// Retriever supplies grounding context for a question.
type Retriever interface {
	Retrieve(ctx context.Context, documentID, query string, topK, maxTokens int) ([]models.ScoredChunk, error)
}

// Config holds the engine's budgets.
//
// TopK, ContextTokens: passed to the retriever for every question.
// HistoryMessages, HistoryTokens: bound the replayed transcript.
// Retry: policy for completion calls, its Timeout applies per attempt.
type Config struct {
	TopK            int
	ContextTokens   int
	HistoryMessages int
	HistoryTokens   int
	Retry           llm.RetryPolicy
}

// Exchange is the outcome of posting a message. AssistantMessage is nil when
// no reply could be produced.
type Exchange struct {
	UserMessage      *models.Message      `json:"user_message"`
	AssistantMessage *models.Message      `json:"assistant_message,omitempty"`
	Sources          []models.ScoredChunk `json:"sources"`
}

// Engine keeps conversation transcripts and answers questions about ready
// documents. All writes to a conversation run on that conversation's own
// handler, so its message sequence stays gap-free and strictly increasing.
type Engine struct {
	db        core.DbClient
	retriever Retriever
	llm       core.LLMProvider
	cfg       Config
	queues    *serializer
}

func NewEngine(db core.DbClient, retriever Retriever, llmProvider core.LLMProvider, cfg Config) *Engine {
	return &Engine{
		db:        db,
		retriever: retriever,
		llm:       llmProvider,
		cfg:       cfg,
		queues:    newSerializer(),
	}
}

func (e *Engine) CreateConversation(ctx context.Context, userID, documentID, title string) (*models.Conversation, error) {
	const op = "create conversation"

	doc, err := e.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.UserID != userID {
		return nil, core.Errorf(core.KindNotFound, op, "document %s not found", documentID)
	}
	if doc.Status != models.StatusReady {
		return nil, core.Errorf(core.KindNotReady, op, "document %s is %s", documentID, doc.Status)
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = "Conversation about " + doc.Title
	}
	conv := &models.Conversation{
		ID:         uuid.NewString(),
		UserID:     userID,
		DocumentID: documentID,
		Title:      title,
	}
	if err := e.db.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	zap.S().Infow("ConversationEngine: conversation created", "conversation_id", conv.ID, "document_id", documentID)
	return conv, nil
}

func (e *Engine) ListConversations(ctx context.Context, userID, documentID string) ([]models.Conversation, error) {
	return e.db.ListConversations(ctx, userID, documentID)
}

// GetConversation returns the conversation with its transcript in sequence order.
func (e *Engine) GetConversation(ctx context.Context, userID, id string) (*models.Conversation, []models.Message, error) {
	conv, err := e.owned(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := e.db.ListMessages(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// DeleteConversation waits for any exchange in flight before deleting.
func (e *Engine) DeleteConversation(ctx context.Context, userID, id string) error {
	if _, err := e.owned(ctx, userID, id); err != nil {
		return err
	}
	return e.queues.do(ctx, id, func(ctx context.Context) error {
		if err := e.db.DeleteConversation(ctx, id); err != nil {
			return err
		}
		zap.S().Infow("ConversationEngine: conversation deleted", "conversation_id", id)
		return nil
	})
}

// PostMessage appends the user's message and answers it. The user message is
// never rolled back: on failure the returned Exchange still carries it and
// Respond can produce the missing reply later.
func (e *Engine) PostMessage(ctx context.Context, userID, id, content string) (*Exchange, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, core.Errorf(core.KindInvalidInput, "post message", "empty message")
	}
	conv, err := e.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	var ex *Exchange
	err = e.queues.do(ctx, id, func(ctx context.Context) error {
		history, err := e.db.ListMessages(ctx, id)
		if err != nil {
			return err
		}
		question := &models.Message{
			ID:             uuid.NewString(),
			ConversationID: id,
			Seq:            nextSeq(history),
			Role:           models.RoleUser,
			Content:        content,
		}
		if err := e.db.AppendMessage(ctx, question); err != nil {
			return fmt.Errorf("append user message: %w", err)
		}

		ex = &Exchange{UserMessage: question}
		ex.AssistantMessage, ex.Sources, err = e.answer(ctx, conv, history, question)
		return err
	})
	return ex, err
}

// Respond answers a trailing user message that has no reply yet.
func (e *Engine) Respond(ctx context.Context, userID, id string) (*Exchange, error) {
	conv, err := e.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	var ex *Exchange
	err = e.queues.do(ctx, id, func(ctx context.Context) error {
		msgs, err := e.db.ListMessages(ctx, id)
		if err != nil {
			return err
		}
		if len(msgs) == 0 || msgs[len(msgs)-1].Role != models.RoleUser {
			return core.Errorf(core.KindInvalidState, "respond", "conversation %s has no unanswered message", id)
		}
		question := msgs[len(msgs)-1]

		ex = &Exchange{UserMessage: &question}
		ex.AssistantMessage, ex.Sources, err = e.answer(ctx, conv, msgs[:len(msgs)-1], &question)
		return err
	})
	return ex, err
}

// answer retrieves context, calls the completion provider and appends the
// reply right after question. Runs on the conversation's handler.
func (e *Engine) answer(ctx context.Context, conv *models.Conversation, history []models.Message, question *models.Message) (*models.Message, []models.ScoredChunk, error) {
	doc, err := e.db.GetDocumentByID(ctx, conv.DocumentID)
	if err != nil {
		return nil, nil, err
	}
	sources, err := e.retriever.Retrieve(ctx, conv.DocumentID, question.Content, e.cfg.TopK, e.cfg.ContextTokens)
	if err != nil {
		zap.S().Warnw("ConversationEngine: retrieval failed", "conversation_id", conv.ID, "error", err)
		return nil, nil, err
	}

	prompt := BuildPrompt(doc.Title, history, sources, question.Content, PromptLimits{
		HistoryMessages: e.cfg.HistoryMessages,
		HistoryTokens:   e.cfg.HistoryTokens,
	})
	reply, err := llm.Retry(ctx, e.cfg.Retry, "complete", func(ctx context.Context) (string, error) {
		return e.llm.Complete(ctx, prompt)
	})
	if err != nil {
		zap.S().Warnw("ConversationEngine: completion failed", "conversation_id", conv.ID, "seq", question.Seq, "error", err)
		return nil, sources, err
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Seq:            question.Seq + 1,
		Role:           models.RoleAssistant,
		Content:        strings.TrimSpace(reply),
	}
	if err := e.db.AppendMessage(ctx, msg); err != nil {
		return nil, sources, fmt.Errorf("append assistant message: %w", err)
	}
	zap.S().Infow("ConversationEngine: reply stored", "conversation_id", conv.ID, "seq", msg.Seq, "sources", len(sources))
	return msg, sources, nil
}

// owned loads a conversation, hiding those of other users.
func (e *Engine) owned(ctx context.Context, userID, id string) (*models.Conversation, error) {
	conv, err := e.db.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, core.Errorf(core.KindNotFound, "get conversation", "conversation %s not found", id)
	}
	return conv, nil
}

func nextSeq(msgs []models.Message) int {
	if len(msgs) == 0 {
		return 1
	}
	return msgs[len(msgs)-1].Seq + 1
}
