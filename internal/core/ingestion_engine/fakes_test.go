package ingestion_engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	db "github.com/markdave123-py/mediawhisperer/internal/core/database"
	"github.com/markdave123-py/mediawhisperer/internal/core/llm"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

type memObjects struct {
	mu      sync.Mutex
	files   map[string][]byte
	deleted []string
}

func newMemObjects() *memObjects {
	return &memObjects{files: make(map[string][]byte)}
}

func (m *memObjects) UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[bucket+"/"+key] = b
	return "mem://" + bucket + "/" + key, nil
}

func (m *memObjects) GetFile(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[bucket+"/"+key]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "get file", "%s not found", key)
	}
	return bytes.Clone(b), nil
}

func (m *memObjects) DeleteFile(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, bucket+"/"+key)
	m.deleted = append(m.deleted, key)
	return nil
}

// stubExtractor returns fixed pages. With block set, it waits for block to
// close or the context to end.
type stubExtractor struct {
	mu    sync.Mutex
	calls int
	pages []models.Page
	err   error
	block chan struct{}
}

func (s *stubExtractor) Extract(ctx context.Context, data []byte, contentType string) ([]models.Page, error) {
	s.mu.Lock()
	s.calls++
	block, pages, err := s.block, append([]models.Page(nil), s.pages...), s.err
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return pages, err
}

func (s *stubExtractor) set(pages []models.Page, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages, s.err = pages, err
}

func (s *stubExtractor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var errProviderDown = core.E(core.KindProviderUnavailable, "stub embed", errors.New("connection refused"))

// stubEmbedder returns 3-dimensional vectors derived from the text. It fails
// every call while down, and any call containing failOn.
type stubEmbedder struct {
	mu     sync.Mutex
	down   bool
	failOn string
	calls  [][]string
}

func (s *stubEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]string(nil), texts...))
	down, failOn := s.down, s.failOn
	s.mu.Unlock()

	if down {
		return nil, errProviderDown
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if failOn != "" && strings.Contains(t, failOn) {
			return nil, errProviderDown
		}
		out[i] = []float32{float32(len(t)), 1, float32(strings.Count(t, "e"))}
	}
	return out, nil
}

func (s *stubEmbedder) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *stubEmbedder) embeddedTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		out = append(out, c...)
	}
	return out
}

func fastRetry() llm.RetryPolicy {
	return llm.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func testIngestConfig() IngestConfig {
	return IngestConfig{
		Workers:            2,
		QueueSize:          4,
		ChunkMaxTokens:     30,
		ChunkOverlapTokens: 5,
		EmbedBatchSize:     4,
		EmbedConcurrency:   2,
		EmbedDim:           3,
		Bucket:             "docs",
		Retry:              fastRetry(),
		StopTimeout:        time.Second,
	}
}

type ingestFixture struct {
	ing   *DocumentIngestor
	store *db.MemoryClient
	objs  *memObjects
	ext   *stubExtractor
	emb   *stubEmbedder
}

func setupIngestor(t *testing.T, cfg IngestConfig, start bool) *ingestFixture {
	t.Helper()
	f := &ingestFixture{
		store: db.NewMemoryClient(),
		objs:  newMemObjects(),
		ext:   &stubExtractor{pages: footerPages()},
		emb:   &stubEmbedder{},
	}
	ing, err := NewDocumentIngestor(f.store, f.objs, f.ext, f.emb, cfg)
	require.NoError(t, err)
	f.ing = ing
	if start {
		ing.Start(context.Background())
	}
	t.Cleanup(ing.Stop)
	return f
}

func (f *ingestFixture) createDoc(t *testing.T, id string) *models.Document {
	t.Helper()
	doc := &models.Document{
		ID:          id,
		UserID:      "u1",
		Title:       "Report",
		FileName:    "report.pdf",
		SourceType:  models.SourceUpload,
		StorageKey:  "users/u1/documents/" + id + "/report.pdf",
		ContentType: "application/pdf",
		Status:      models.StatusPending,
	}
	require.NoError(t, f.store.CreateDocument(context.Background(), doc))
	_, err := f.objs.UploadFile(context.Background(), "docs", doc.StorageKey, strings.NewReader("%PDF-1.4 fake"), doc.ContentType)
	require.NoError(t, err)
	return doc
}

func (f *ingestFixture) waitStatus(t *testing.T, id string, want models.DocumentStatus) *models.Document {
	t.Helper()
	var doc *models.Document
	require.Eventually(t, func() bool {
		d, err := f.store.GetDocumentByID(context.Background(), id)
		if err != nil {
			return false
		}
		doc = d
		return d.Status == want
	}, 5*time.Second, 5*time.Millisecond, "document %s never reached %s", id, want)
	return doc
}

// footerPages is a five page report with a running header and a
// "Page X of 5" footer on every page.
func footerPages() []models.Page {
	bodies := []string{
		"Rivers shaped the early\nsettlements along the coast.",
		"Trade routes followed the valleys inland.",
		"Mills appeared along the banks of the river.",
		"Floods reshaped the farm-\nland every spring.",
		"Dams finally tamed the seasonal surges.",
	}
	pages := make([]models.Page, len(bodies))
	for i, b := range bodies {
		pages[i] = models.Page{
			Number:  i + 1,
			RawText: "ACME Annual Report\n" + b + "\nPage " + string(rune('1'+i)) + " of 5",
		}
	}
	return pages
}
