package ingestion_engine

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

const causeCancelled = "cancelled"

// NewDocumentIngestor builds the coordinator and its worker pool. Call Start
// to begin processing and Stop to release the pool.
func NewDocumentIngestor(db core.DbClient, obj core.ObjectClient, extractor core.DocumentExtractor, embedder core.EmbeddingProvider, cfg IngestConfig) (*DocumentIngestor, error) {
	cfg.Workers = max(cfg.Workers, 1)
	cfg.QueueSize = max(cfg.QueueSize, 1)
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}

	pool, err := ants.NewPool(cfg.Workers,
		ants.WithPanicHandler(func(p any) {
			zap.S().Errorw("DocumentIngestor: worker panic", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &DocumentIngestor{
		db:        db,
		obj:       obj,
		extractor: extractor,
		indexer:   NewIndexer(db, embedder, cfg.Retry, cfg.EmbedBatchSize, cfg.EmbedConcurrency, cfg.EmbedDim),
		chunker:   Chunker{MaxTokens: cfg.ChunkMaxTokens, OverlapTokens: cfg.ChunkOverlapTokens},
		cfg:       cfg,
		jobs:      make(chan *run, cfg.QueueSize),
		pool:      pool,
		active:    make(map[string]*run),
		baseCtx:   baseCtx,
		stop:      stop,
	}, nil
}

// Start hands queued runs to the worker pool until ctx is done or Stop is called.
func (i *DocumentIngestor) Start(ctx context.Context) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		for {
			select {
			case <-ctx.Done():
				zap.S().Infow("DocumentIngestor: dispatcher shutting down")
				return
			case <-i.baseCtx.Done():
				return
			case r := <-i.jobs:
				// Blocks while every worker is busy.
				if err := i.pool.Submit(func() { i.execute(r) }); err != nil {
					zap.S().Errorw("DocumentIngestor: could not schedule run", "document_id", r.docID, "error", err)
					i.release(r)
				}
			}
		}
	}()
	zap.S().Infow("DocumentIngestor: started", "workers", i.cfg.Workers, "queue", i.cfg.QueueSize)
}

// Stop interrupts all runs without recording a status, so Recover resumes
// them from their last committed stage on the next start.
func (i *DocumentIngestor) Stop() {
	i.stop()
	i.wg.Wait()

drain:
	for {
		select {
		case r := <-i.jobs:
			i.release(r)
		default:
			break drain
		}
	}

	if err := i.pool.ReleaseTimeout(i.cfg.StopTimeout); err != nil {
		zap.S().Warnw("DocumentIngestor: workers still busy at shutdown", "error", err)
	}
	zap.S().Infow("DocumentIngestor: stopped")
}

func (i *DocumentIngestor) Submit(ctx context.Context, docID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.active[docID]; ok {
		return core.Errorf(core.KindBusy, "submit", "document %s is already being processed", docID)
	}
	doc, err := i.db.GetDocumentByID(ctx, docID)
	if err != nil {
		return err
	}
	if !doc.Status.Submittable() {
		return core.Errorf(core.KindInvalidState, "submit", "document %s is %s", docID, doc.Status)
	}
	return i.enqueueLocked(docID)
}

// enqueueLocked registers a run and queues it without blocking. i.mu must be held.
func (i *DocumentIngestor) enqueueLocked(docID string) error {
	if i.baseCtx.Err() != nil {
		return core.Errorf(core.KindInvalidState, "submit", "ingestor is stopped")
	}
	ctx, cancel := context.WithCancel(i.baseCtx)
	r := &run{docID: docID, ctx: ctx, cancel: cancel, done: make(chan struct{})}

	select {
	case i.jobs <- r:
		i.active[docID] = r
		zap.S().Infow("DocumentIngestor: document queued", "document_id", docID)
		return nil
	default:
		cancel()
		return core.Errorf(core.KindBusy, "submit", "ingestion queue is full")
	}
}

func (i *DocumentIngestor) Recover(ctx context.Context) (int, error) {
	statuses := append([]models.DocumentStatus{models.StatusPending}, models.PipelineStages...)
	docs, err := i.db.ListDocumentsByStatus(ctx, statuses...)
	if err != nil {
		return 0, fmt.Errorf("list unfinished documents: %w", err)
	}

	queued := 0
	for _, d := range docs {
		i.mu.Lock()
		_, running := i.active[d.ID]
		if !running {
			err = i.enqueueLocked(d.ID)
		}
		i.mu.Unlock()

		if running {
			continue
		}
		if core.IsKind(err, core.KindBusy) {
			zap.S().Warnw("DocumentIngestor: queue full during recovery", "queued", queued, "remaining", len(docs)-queued)
			break
		}
		if err != nil {
			return queued, err
		}
		queued++
	}

	zap.S().Infow("DocumentIngestor: recovered unfinished documents", "count", queued)
	return queued, nil
}

func (i *DocumentIngestor) Cancel(ctx context.Context, docID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	r, ok := i.active[docID]
	if !ok {
		return core.Errorf(core.KindInvalidState, "cancel", "document %s has no active run", docID)
	}
	r.cancelled = true
	r.cancel()
	if r.started {
		return nil
	}

	// Still queued, so no worker will record the outcome.
	i.retireLocked(r)
	doc, err := i.db.GetDocumentByID(ctx, docID)
	if err != nil {
		return err
	}
	stage := resumeStage(doc)
	zap.S().Infow("DocumentIngestor: queued run cancelled", "document_id", docID, "stage", stage)
	return i.db.UpdateDocumentStatus(ctx, docID, models.StatusCancelled,
		&models.Failure{Stage: stage, Cause: causeCancelled, Message: "cancelled on request"})
}

// Delete wins any race with a run. A queued run is dropped at once; a
// running one is cancelled and waited for, and writes no status once the
// document is marked deleted.
func (i *DocumentIngestor) Delete(ctx context.Context, docID string) error {
	doc, err := i.db.GetDocumentByID(ctx, docID)
	if err != nil {
		return err
	}

	i.mu.Lock()
	r := i.active[docID]
	if r != nil {
		r.deleted = true
		r.cancel()
		if !r.started {
			i.retireLocked(r)
		}
	}
	i.mu.Unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := i.db.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	if doc.StorageKey != "" {
		if err := i.obj.DeleteFile(ctx, i.cfg.Bucket, doc.StorageKey); err != nil {
			zap.S().Warnw("DocumentIngestor: stored object not deleted", "document_id", docID, "key", doc.StorageKey, "error", err)
		}
	}
	zap.S().Infow("DocumentIngestor: document deleted", "document_id", docID)
	return nil
}

func (i *DocumentIngestor) Status(ctx context.Context, docID string) (*models.Document, error) {
	return i.db.GetDocumentByID(ctx, docID)
}

func (i *DocumentIngestor) execute(r *run) {
	i.mu.Lock()
	dropped := r.closed
	r.started = true
	i.mu.Unlock()
	if dropped {
		return
	}

	status, failure := i.process(r)
	i.finish(r, status, failure)
}

// process runs the remaining stages of a document and returns the status to
// record, or "" when nothing should be written.
func (i *DocumentIngestor) process(r *run) (status models.DocumentStatus, failure *models.Failure) {
	stage := models.StatusExtracting
	defer func() {
		if p := recover(); p != nil {
			zap.S().Errorw("DocumentIngestor: pipeline panic", "document_id", r.docID, "stage", stage, "panic", p)
			status = models.StatusFailed
			failure = &models.Failure{Stage: stage, Cause: string(core.KindInternal), Message: fmt.Sprintf("panic: %v", p)}
		}
	}()

	if r.ctx.Err() != nil {
		return i.interrupted(r, stage)
	}
	doc, err := i.db.GetDocumentByID(r.ctx, r.docID)
	if err != nil {
		if r.ctx.Err() != nil {
			return i.interrupted(r, stage)
		}
		zap.S().Errorw("DocumentIngestor: document not loaded", "document_id", r.docID, "error", err)
		if core.IsKind(err, core.KindNotFound) {
			return "", nil
		}
		return models.StatusFailed, failureOf(stage, err)
	}

	stage = resumeStage(doc)
	zap.S().Infow("DocumentIngestor: processing document", "document_id", r.docID, "from_stage", stage)

	for _, s := range stagesFrom(stage) {
		stage = s
		if r.ctx.Err() != nil {
			return i.interrupted(r, s)
		}
		if err := i.db.UpdateDocumentStatus(context.Background(), r.docID, s, nil); err != nil {
			return models.StatusFailed, failureOf(s, err)
		}

		began := time.Now()
		if err := i.runStage(r.ctx, doc, s); err != nil {
			if r.ctx.Err() != nil {
				return i.interrupted(r, s)
			}
			return models.StatusFailed, failureOf(s, err)
		}
		zap.S().Infow("DocumentIngestor: stage committed", "document_id", r.docID, "stage", s, "elapsed", time.Since(began))
	}

	if r.ctx.Err() != nil {
		return i.interrupted(r, models.StatusIndexing)
	}
	return models.StatusReady, nil
}

// runStage performs one stage and durably writes its output.
func (i *DocumentIngestor) runStage(ctx context.Context, doc *models.Document, stage models.DocumentStatus) error {
	switch stage {
	case models.StatusExtracting:
		data, err := i.obj.GetFile(ctx, i.cfg.Bucket, doc.StorageKey)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", doc.StorageKey, err)
		}
		pages, err := i.extractor.Extract(ctx, data, doc.ContentType)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return i.db.SavePages(ctx, doc.ID, pages)

	case models.StatusCleaning:
		pages, err := i.db.GetPages(ctx, doc.ID)
		if err != nil {
			return err
		}
		raw := make([]string, len(pages))
		for k, p := range pages {
			raw[k] = p.RawText
		}
		return i.db.SaveNormalizedText(ctx, doc.ID, CleanPages(raw))

	case models.StatusStructuring:
		pages, err := i.db.GetPages(ctx, doc.ID)
		if err != nil {
			return err
		}
		texts := make([]string, len(pages))
		for k, p := range pages {
			texts[k] = p.NormalizedText
		}
		text, starts := JoinPages(texts)
		sections := Structure(text)
		if err := i.db.SaveSections(ctx, doc.ID, sections); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		chunks := i.chunker.Split(doc.ID, text, starts, sections)
		zap.S().Infow("DocumentIngestor: document chunked", "document_id", doc.ID, "sections", len(sections), "chunks", len(chunks))
		return i.db.ReplaceChunks(ctx, doc.ID, chunks)

	case models.StatusIndexing:
		return i.indexer.Run(ctx, doc.ID)
	}
	return core.Errorf(core.KindInternal, "run stage", "unknown stage %q", stage)
}

// interrupted decides what a cancelled run records: nothing for a deleted
// document or a shutdown, cancelled for an explicit Cancel.
func (i *DocumentIngestor) interrupted(r *run, stage models.DocumentStatus) (models.DocumentStatus, *models.Failure) {
	i.mu.Lock()
	deleted, cancelled := r.deleted, r.cancelled
	i.mu.Unlock()

	switch {
	case deleted:
		return "", nil
	case cancelled:
		return models.StatusCancelled, &models.Failure{Stage: stage, Cause: causeCancelled, Message: "cancelled on request"}
	}
	zap.S().Infow("DocumentIngestor: run interrupted by shutdown", "document_id", r.docID, "stage", stage)
	return "", nil
}

func (i *DocumentIngestor) finish(r *run, status models.DocumentStatus, failure *models.Failure) {
	defer i.release(r)

	i.mu.Lock()
	deleted := r.deleted
	i.mu.Unlock()

	if status != "" && !deleted {
		if err := i.db.UpdateDocumentStatus(context.Background(), r.docID, status, failure); err != nil {
			zap.S().Errorw("DocumentIngestor: final status not recorded", "document_id", r.docID, "status", status, "error", err)
		}
	}

	switch status {
	case models.StatusReady:
		zap.S().Infow("DocumentIngestor: document ready", "document_id", r.docID)
	case models.StatusFailed, models.StatusCancelled:
		zap.S().Warnw("DocumentIngestor: run ended", "document_id", r.docID, "status", status,
			"stage", failure.Stage, "cause", failure.Cause, "error", failure.Message)
	}
}

// release retires a run that finished or will never start. A run that never
// started leaves the document's status as it was.
func (i *DocumentIngestor) release(r *run) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.retireLocked(r)
}

// retireLocked removes r from the active set and closes it, at most once.
// i.mu must be held.
func (i *DocumentIngestor) retireLocked(r *run) {
	if r.closed {
		return
	}
	r.closed = true
	if i.active[r.docID] == r {
		delete(i.active, r.docID)
	}
	r.cancel()
	close(r.done)
}

func failureOf(stage models.DocumentStatus, err error) *models.Failure {
	cause := core.KindInternal
	switch k := core.KindOf(err); k {
	case core.KindInvalidInput, core.KindProviderUnavailable:
		cause = k
	}
	return &models.Failure{Stage: stage, Cause: string(cause), Message: err.Error()}
}

// resumeStage is the first stage whose output is not yet committed.
func resumeStage(doc *models.Document) models.DocumentStatus {
	switch {
	case doc.Status.InProgress():
		return doc.Status
	case (doc.Status == models.StatusFailed || doc.Status == models.StatusCancelled) && doc.FailureStage.InProgress():
		return doc.FailureStage
	}
	return models.StatusExtracting
}

func stagesFrom(stage models.DocumentStatus) []models.DocumentStatus {
	for k, s := range models.PipelineStages {
		if s == stage {
			return models.PipelineStages[k:]
		}
	}
	return models.PipelineStages
}
