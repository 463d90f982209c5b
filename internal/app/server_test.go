package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/mediawhisperer/internal/config"
	db "github.com/markdave123-py/mediawhisperer/internal/core/database"
	objectclient "github.com/markdave123-py/mediawhisperer/internal/core/object-client"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

const testSecret = "test-secret"

type letterEmbedder struct{}

// EmbedTexts maps text onto a few letter counts so that related texts land close together.
func (letterEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		t = strings.ToLower(t)
		out[i] = []float32{
			float32(strings.Count(t, "o")) + 1,
			float32(strings.Count(t, "e")) + 1,
			float32(strings.Count(t, "l")) + 1,
			1,
		}
	}
	return out, nil
}

type echoLLM struct{}

func (echoLLM) Complete(ctx context.Context, msgs []models.PromptMessage) (string, error) {
	return "The document says hello.", nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		CORSOrigins:        []string{"http://localhost:5173"},
		JWTSecret:          testSecret,
		BucketName:         "docs",
		EmbedDim:           4,
		IngestWorkers:      2,
		IngestQueue:        8,
		ChunkMaxTokens:     50,
		ChunkOverlapTokens: 5,
		EmbedBatchSize:     4,
		EmbedConcurrency:   2,
		RetryMaxAttempts:   2,
		RetryInitialDelay:  time.Millisecond,
		RetryMaxDelay:      5 * time.Millisecond,
		ProviderTimeout:    5 * time.Second,
		CompletionTimeout:  5 * time.Second,
		RetrievalTopK:      3,
		ContextTokens:      500,
		HistoryTokens:      500,
		HistoryMessages:    10,
		MaxUploadBytes:     1 << 20,
		FetchTimeout:       5 * time.Second,
	}
}

// newTestServer assembles the application on in-memory providers. With start
// false, documents are accepted but never processed.
func newTestServer(t *testing.T, start bool) *httptest.Server {
	t.Helper()

	storage, err := objectclient.NewLocalClient(t.TempDir())
	require.NoError(t, err)

	a, err := Assemble(testConfig(), Providers{
		DB:       db.NewMemoryClient(),
		Storage:  storage,
		Embedder: letterEmbedder{},
		LLM:      echoLLM{},
	})
	require.NoError(t, err)

	if start {
		a.DocProcessor.Start(context.Background())
	}
	t.Cleanup(a.DocProcessor.Stop)

	srv := httptest.NewServer(a.Server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func token(t *testing.T, userID string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

type client struct {
	t     *testing.T
	base  string
	token string
}

func (c client) do(method, path, contentType string, body io.Reader) (int, []byte) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, body)
	require.NoError(c.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, out
}

func (c client) json(method, path string, in any, out any) int {
	c.t.Helper()
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		require.NoError(c.t, err)
		body = bytes.NewReader(b)
	}
	status, raw := c.do(method, path, "application/json", body)
	if out != nil && len(raw) > 0 {
		require.NoError(c.t, json.Unmarshal(raw, out), string(raw))
	}
	return status
}

func (c client) upload(name string, data []byte) (int, map[string]any) {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(c.t, err)
	_, err = fw.Write(data)
	require.NoError(c.t, err)
	require.NoError(c.t, mw.WriteField("description", "quarterly notes"))
	require.NoError(c.t, mw.Close())

	status, raw := c.do(http.MethodPost, "/api/documents/upload", mw.FormDataContentType(), &buf)
	var out map[string]any
	require.NoError(c.t, json.Unmarshal(raw, &out), string(raw))
	return status, out
}

func testPDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R 5 0 R] /Count 2 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 6 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> /XObject << /Im1 8 0 R >> >> /Contents 7 0 R >>",
		stream("", "BT /F1 12 Tf 72 720 Td (Hello World.) Tj 0 -14 Td (Rivers flood the valley.) Tj ET"),
		stream("", "q 100 0 0 50 72 600 cm /Im1 Do Q BT /F1 12 Tf 72 720 Td (Page two closes the report.) Tj ET"),
		stream("/Type /XObject /Subtype /Image /Width 4 /Height 2 /ColorSpace /DeviceGray /BitsPerComponent 8", "abcdefgh"),
	}

	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return b.Bytes()
}

func stream(dict, body string) string {
	return fmt.Sprintf("<< %s /Length %d >>\nstream\n%s\nendstream", dict, len(body), body)
}

func waitForStatus(t *testing.T, c client, id string, want models.DocumentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		var doc models.Document
		if c.json(http.MethodGet, "/api/documents/"+id, nil, &doc) != http.StatusOK {
			return false
		}
		return doc.Status == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthzIsPublic(t *testing.T) {
	srv := newTestServer(t, false)

	status, body := client{t: t, base: srv.URL}.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestAPIRequiresToken(t *testing.T) {
	srv := newTestServer(t, false)

	status, _ := client{t: t, base: srv.URL}.do(http.MethodGet, "/api/documents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = client{t: t, base: srv.URL, token: "garbage"}.do(http.MethodGet, "/api/documents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestDocumentToConversationFlow(t *testing.T) {
	srv := newTestServer(t, true)
	alice := client{t: t, base: srv.URL, token: token(t, "alice")}
	bob := client{t: t, base: srv.URL, token: token(t, "bob")}

	status, doc := alice.upload("report.pdf", testPDF())
	require.Equal(t, http.StatusAccepted, status, doc)
	id := doc["id"].(string)
	assert.Equal(t, "PDF Document 1", doc["title"])
	assert.Equal(t, "quarterly notes", doc["description"])
	assert.NotContains(t, doc, "storage_key")

	waitForStatus(t, alice, id, models.StatusReady)

	var list []models.Document
	require.Equal(t, http.StatusOK, alice.json(http.MethodGet, "/api/documents", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].PageCount)

	var content struct {
		Pages []models.Page `json:"pages"`
	}
	require.Equal(t, http.StatusOK, alice.json(http.MethodGet, "/api/documents/"+id+"/content?page=1", nil, &content))
	require.Len(t, content.Pages, 1)
	assert.Equal(t, 1, content.Pages[0].Number)
	assert.Contains(t, content.Pages[0].NormalizedText, "Hello World.")

	assert.Equal(t, http.StatusNotFound, alice.json(http.MethodGet, "/api/documents/"+id+"/content?page=3", nil, nil))
	assert.Equal(t, http.StatusBadRequest, alice.json(http.MethodGet, "/api/documents/"+id+"/content?page=abc", nil, nil))

	var images struct {
		Pages []struct {
			Page   int               `json:"page_number"`
			Images []models.ImageRef `json:"images"`
		} `json:"pages"`
	}
	require.Equal(t, http.StatusOK, alice.json(http.MethodGet, "/api/documents/"+id+"/images", nil, &images))
	require.Len(t, images.Pages, 1)
	assert.Equal(t, 2, images.Pages[0].Page)
	assert.Len(t, images.Pages[0].Images, 1)

	var search struct {
		Chunks []models.ScoredChunk `json:"chunks"`
	}
	require.Equal(t, http.StatusOK, alice.json(http.MethodPost, "/api/documents/"+id+"/search", map[string]any{"query": "hello"}, &search))
	assert.NotEmpty(t, search.Chunks)
	assert.Equal(t, http.StatusBadRequest, alice.json(http.MethodPost, "/api/documents/"+id+"/search", map[string]any{"query": "  "}, nil))

	// other users never see the document
	assert.Equal(t, http.StatusNotFound, bob.json(http.MethodGet, "/api/documents/"+id, nil, nil))
	assert.Equal(t, http.StatusNotFound, bob.json(http.MethodPost, "/api/documents/"+id+"/search", map[string]any{"query": "hello"}, nil))
	assert.Equal(t, http.StatusNotFound, bob.json(http.MethodPost, "/api/conversations", map[string]any{"document_id": id}, nil))

	// a ready document cannot be resubmitted
	assert.Equal(t, http.StatusConflict, alice.json(http.MethodPost, "/api/documents/"+id+"/submit", nil, nil))

	var conv models.Conversation
	require.Equal(t, http.StatusCreated, alice.json(http.MethodPost, "/api/conversations", map[string]any{"document_id": id}, &conv))
	assert.Equal(t, "Conversation about PDF Document 1", conv.Title)

	var ex struct {
		UserMessage      models.Message       `json:"user_message"`
		AssistantMessage models.Message       `json:"assistant_message"`
		Sources          []models.ScoredChunk `json:"sources"`
	}
	require.Equal(t, http.StatusCreated, alice.json(http.MethodPost, "/api/conversations/"+conv.ID+"/messages", map[string]any{"content": "What does it say?"}, &ex))
	assert.Equal(t, 1, ex.UserMessage.Seq)
	assert.Equal(t, 2, ex.AssistantMessage.Seq)
	assert.Equal(t, "The document says hello.", ex.AssistantMessage.Content)
	assert.NotEmpty(t, ex.Sources)

	assert.Equal(t, http.StatusBadRequest, alice.json(http.MethodPost, "/api/conversations/"+conv.ID+"/messages", map[string]any{"content": ""}, nil))
	assert.Equal(t, http.StatusConflict, alice.json(http.MethodPost, "/api/conversations/"+conv.ID+"/respond", nil, nil))
	assert.Equal(t, http.StatusNotFound, bob.json(http.MethodGet, "/api/conversations/"+conv.ID, nil, nil))

	var got struct {
		Conversation models.Conversation `json:"conversation"`
		Messages     []models.Message    `json:"messages"`
	}
	require.Equal(t, http.StatusOK, alice.json(http.MethodGet, "/api/conversations/"+conv.ID, nil, &got))
	assert.Equal(t, conv.ID, got.Conversation.ID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, models.RoleUser, got.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, got.Messages[1].Role)

	var convs []models.Conversation
	require.Equal(t, http.StatusOK, alice.json(http.MethodGet, "/api/conversations?document_id="+id, nil, &convs))
	assert.Len(t, convs, 1)
	require.Equal(t, http.StatusOK, bob.json(http.MethodGet, "/api/conversations", nil, &convs))
	assert.Empty(t, convs)

	assert.Equal(t, http.StatusNoContent, alice.json(http.MethodDelete, "/api/conversations/"+conv.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, alice.json(http.MethodGet, "/api/conversations/"+conv.ID, nil, nil))

	assert.Equal(t, http.StatusNoContent, alice.json(http.MethodDelete, "/api/documents/"+id, nil, nil))
	assert.Equal(t, http.StatusNotFound, alice.json(http.MethodGet, "/api/documents/"+id, nil, nil))
}

func TestUnprocessedDocumentIsNotReady(t *testing.T) {
	srv := newTestServer(t, false)
	alice := client{t: t, base: srv.URL, token: token(t, "alice")}

	status, doc := alice.upload("notes.pdf", testPDF())
	require.Equal(t, http.StatusAccepted, status, doc)
	id := doc["id"].(string)
	assert.Equal(t, string(models.StatusPending), doc["status"])

	var body map[string]any
	assert.Equal(t, http.StatusConflict, alice.json(http.MethodPost, "/api/conversations", map[string]any{"document_id": id}, &body))
	assert.Equal(t, "not_ready", body["kind"])
	assert.Equal(t, http.StatusConflict, alice.json(http.MethodGet, "/api/documents/"+id+"/content", nil, nil))
	assert.Equal(t, http.StatusConflict, alice.json(http.MethodPost, "/api/documents/"+id+"/search", map[string]any{"query": "hello"}, nil))

	// still queued, so a second submission is rejected
	assert.Equal(t, http.StatusConflict, alice.json(http.MethodPost, "/api/documents/"+id+"/submit", nil, nil))
}

func TestUploadRejectsNonPDF(t *testing.T) {
	srv := newTestServer(t, false)
	alice := client{t: t, base: srv.URL, token: token(t, "alice")}

	status, body := alice.upload("notes.txt", []byte("plain text notes"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", body["kind"])
}

func TestFromURLRejectsBadScheme(t *testing.T) {
	srv := newTestServer(t, false)
	alice := client{t: t, base: srv.URL, token: token(t, "alice")}

	var body map[string]any
	assert.Equal(t, http.StatusBadRequest, alice.json(http.MethodPost, "/api/documents/from-url", map[string]any{"url": "ftp://example.com/a.pdf"}, &body))
	assert.Equal(t, "invalid_input", body["kind"])
}
