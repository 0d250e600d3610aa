// Package worker runs the long-lived extraction loop: claim a queue job,
// extract events and entities from the revision, resolve entities, and
// commit the result atomically.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"engram/internal/config"
	"engram/internal/embeddings"
	"engram/internal/extractor"
	"engram/internal/jobs"
	"engram/internal/memerr"
	"engram/internal/resolver"
	"engram/internal/store"
	"engram/internal/telemetry"
)

type Worker struct {
	id         string
	queue      *jobs.Queue
	st         *store.Store
	extractor  extractor.Extractor
	resolver   *resolver.Resolver
	embedder   embeddings.Embedder
	metrics    *telemetry.Metrics
	poll       time.Duration
	stuckAfter time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(id string, queue *jobs.Queue, st *store.Store, ext extractor.Extractor,
	res *resolver.Resolver, embedder embeddings.Embedder, cfg config.QueueConfig) *Worker {
	poll := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		id:         id,
		queue:      queue,
		st:         st,
		extractor:  ext,
		resolver:   res,
		embedder:   embedder,
		poll:       poll,
		stuckAfter: time.Duration(cfg.StuckJobThresholdSec) * time.Second,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker and waits for the in-flight job to finish.
// Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	log.Info().Str("worker_id", w.id).Msg("worker_started")
	var unreachableSince time.Time
	for {
		select {
		case <-w.stopCh:
			log.Info().Str("worker_id", w.id).Msg("worker_stopped")
			return
		case <-ctx.Done():
			log.Info().Str("worker_id", w.id).Msg("worker_context_cancelled")
			return
		default:
		}
		job, err := w.queue.Claim(ctx, w.id, jobs.JobTypeExtractEvents)
		if err != nil {
			// A worker that cannot reach the queue past the stuck-job
			// threshold exits so the supervisor can reclaim its locks.
			if unreachableSince.IsZero() {
				unreachableSince = time.Now()
			} else if w.stuckAfter > 0 && time.Since(unreachableSince) > w.stuckAfter {
				log.Error().Err(err).Str("worker_id", w.id).Msg("worker_exiting_store_unreachable")
				return
			}
			log.Error().Err(err).Str("worker_id", w.id).Msg("claim_failed")
			w.sleep(w.poll)
			continue
		}
		unreachableSince = time.Time{}
		if job == nil {
			w.sleep(w.poll)
			continue
		}
		w.process(ctx, job)
		w.metrics.AddJob(ctx)
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

func (w *Worker) process(ctx context.Context, job *jobs.Job) {
	logger := log.With().Str("worker_id", w.id).Str("job_id", job.JobID.String()).
		Str("artifact_uid", job.ArtifactUID).Str("revision_id", job.RevisionID).Logger()
	logger.Info().Int("attempt", job.Attempts).Msg("job_claimed")

	err := w.extractRevision(ctx, job)
	if err == nil {
		if serr := w.queue.Succeed(ctx, job.JobID); serr != nil {
			logger.Error().Err(serr).Msg("job_succeed_mark_failed")
			return
		}
		logger.Info().Msg("job_done")
		return
	}

	kind := memerr.KindOf(err)
	retry := memerr.Retryable(err)
	logger.Warn().Err(err).Str("error_code", string(kind)).Bool("retry", retry).
		Msg("job_processing_failed")
	if ferr := w.queue.Fail(ctx, job.JobID, string(kind), err.Error(), retry); ferr != nil {
		logger.Error().Err(ferr).Msg("job_fail_mark_failed")
	}
}

// extractRevision is the per-job pipeline. The final delete+insert is a
// single transaction, so a concurrent recall sees either the complete old
// event set or the complete new one.
func (w *Worker) extractRevision(ctx context.Context, job *jobs.Job) error {
	rev, ok, err := w.st.GetRevision(ctx, job.ArtifactUID, job.RevisionID)
	if err != nil {
		return err
	}
	if !ok {
		return memerr.New(memerr.KindNotFound, "revision %s/%s", job.ArtifactUID, job.RevisionID)
	}
	var chunks []store.ChunkRow
	if rev.IsChunked {
		if chunks, err = w.st.ChunksByArtifactID(ctx, rev.ArtifactID); err != nil {
			return err
		}
	}

	extractions, err := w.extractAll(ctx, piecesForRevision(rev, chunks))
	if err != nil {
		return err
	}

	var allEvents []extractor.Event
	chunkEntities := make([][]extractor.Entity, 0, len(extractions))
	chunkRels := make([][]extractor.Relationship, 0, len(extractions))
	for _, ex := range extractions {
		allEvents = append(allEvents, ex.Events...)
		chunkEntities = append(chunkEntities, ex.Entities)
		chunkRels = append(chunkRels, ex.Relationships)
	}

	if len(extractions) > 1 && len(allEvents) > 0 {
		if allEvents, err = w.extractor.Canonicalize(ctx, allEvents); err != nil {
			return err
		}
	}
	events := validateEvents(allEvents, rev.Content)
	entities := extractor.MergeEntities(chunkEntities)
	relationships := extractor.MergeRelationships(chunkRels)

	artifact := resolver.ArtifactContext{
		ArtifactUID: job.ArtifactUID,
		RevisionID:  job.RevisionID,
		DocTitle:    rev.Title,
	}
	refs, mentions, hintEdges, err := w.resolveEntities(ctx, entities, artifact)
	if err != nil {
		return err
	}

	narratives := make([]string, len(events))
	for i, ev := range events {
		narratives[i] = ev.Narrative
	}
	vectors, err := w.embedder.EmbedBatch(ctx, narratives)
	if err != nil {
		return err
	}

	records := buildEvents(events, vectors, refs, job.ArtifactUID, job.RevisionID, job.JobID)
	edges := append(buildEdges(relationships, refs, job.ArtifactUID, job.RevisionID), hintEdges...)

	held, err := w.queue.StillHeld(ctx, job.JobID, w.id)
	if err != nil {
		return err
	}
	if !held {
		return memerr.New(memerr.KindInternal, "claim lost before commit")
	}
	if err := w.st.CommitExtraction(ctx, job.ArtifactUID, job.RevisionID, records, mentions, edges); err != nil {
		return err
	}
	log.Info().Str("artifact_uid", job.ArtifactUID).Str("revision_id", job.RevisionID).
		Int("events", len(records)).Int("entities", len(entities)).
		Int("edges", len(edges)).Msg("extraction_committed")
	return nil
}

// Pool runs N workers plus the stuck-job supervisor.
type Pool struct {
	workers   []*Worker
	queue     *jobs.Queue
	threshold time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewPool(queue *jobs.Queue, st *store.Store, ext extractor.Extractor,
	res *resolver.Resolver, embedder embeddings.Embedder, cfg config.QueueConfig) *Pool {
	base := cfg.WorkerID
	if base == "" {
		base = "worker-" + uuid.NewString()[:8]
	}
	count := cfg.WorkerCount
	if count <= 0 {
		count = 1
	}
	p := &Pool{
		queue:     queue,
		threshold: time.Duration(cfg.StuckJobThresholdSec) * time.Second,
		stopCh:    make(chan struct{}),
	}
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%s-%d", base, i)
		p.workers = append(p.workers, New(id, queue, st, ext, res, embedder, cfg))
	}
	return p
}

// WithMetrics attaches telemetry instruments to every worker; nil metrics
// record nothing.
func (p *Pool) WithMetrics(m *telemetry.Metrics) *Pool {
	for _, w := range p.workers {
		w.metrics = m
	}
	return p
}

func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		w.Start(ctx)
	}
	if p.threshold > 0 {
		p.wg.Add(1)
		go p.supervise(ctx)
	}
}

// Stop drains every worker and the supervisor.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	for _, w := range p.workers {
		w.Stop()
	}
	p.wg.Wait()
}

// supervise periodically resets PROCESSING jobs whose lock went stale
// (crashed or partitioned worker).
func (p *Pool) supervise(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.threshold / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ResetStuck(ctx, p.threshold)
			if err != nil {
				log.Error().Err(err).Msg("stuck_job_reset_failed")
				continue
			}
			if n > 0 {
				log.Warn().Int("jobs", n).Msg("stuck_jobs_reset")
			}
		}
	}
}
