// Package scheduler orchestrates pipeline runs and guarantees that at most
// one run is active at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-indexer/internal/indexing"
	"github.com/JakeFAU/url-indexer/internal/metrics"
	"github.com/JakeFAU/url-indexer/internal/telemetry"
)

// Crawler verifies pending URLs.
type Crawler interface {
	ProcessPendingURLs(ctx context.Context, batchSize int) (indexing.Summary, error)
}

// Submitter submits verified URLs.
type Submitter interface {
	SubmitReady(ctx context.Context, batchSize int, settings indexing.Settings) (indexing.Summary, error)
}

// Inspector inspects submitted URLs.
type Inspector interface {
	ProcessSubmitted(ctx context.Context, batchSize int, settings indexing.Settings) (indexing.Summary, error)
}

// RunLock extends single-flight across processes.
type RunLock interface {
	TryLock(ctx context.Context) (bool, error)
	Extend(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Reporter receives every finished or skipped run.
type Reporter interface {
	Report(ctx context.Context, run indexing.PipelineRun) error
}

// Config holds the per-stage batch sizes.
type Config struct {
	RequeueBatch int
	CrawlBatch   int
	SubmitBatch  int
	InspectBatch int
	// LockRefresh is how often a held RunLock is extended while a stage runs.
	// It must be well under the lock's TTL.
	LockRefresh time.Duration
}

// Defaults for Config.
const (
	DefaultRequeueBatch = 500
	DefaultCrawlBatch   = 50
	DefaultSubmitBatch  = 50
	DefaultInspectBatch = 100
	DefaultLockRefresh  = time.Minute
)

// ErrLockLost cancels a run whose RunLock could not be extended.
var ErrLockLost = errors.New("run lock lost")

const (
	stateIdle int32 = iota
	stateRunning
)

// Stages bundles the pipeline steps a Scheduler drives.
type Stages struct {
	Crawler   Crawler
	Submitter Submitter
	Inspector Inspector
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithRunLock adds a cross-process lock around runs.
func WithRunLock(lock RunLock) Option {
	return func(s *Scheduler) { s.lock = lock }
}

// WithReporters adds run reporters.
func WithReporters(reporters ...Reporter) Option {
	return func(s *Scheduler) { s.reporters = append(s.reporters, reporters...) }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Scheduler runs requeue, crawl, submission and inspection in sequence. It
// holds no timer; a Loop or a caller decides when to trigger.
type Scheduler struct {
	repo      indexing.URLRepository
	stages    Stages
	settings  indexing.SettingsProvider
	clock     indexing.Clock
	ids       indexing.IDGenerator
	cfg       Config
	lock      RunLock
	reporters []Reporter
	logger    *zap.Logger

	state atomic.Int32
	rerun atomic.Bool
}

// New constructs a Scheduler.
func New(
	repo indexing.URLRepository,
	stages Stages,
	settings indexing.SettingsProvider,
	clock indexing.Clock,
	ids indexing.IDGenerator,
	cfg Config,
	opts ...Option,
) (*Scheduler, error) {
	if repo == nil || stages.Crawler == nil || stages.Submitter == nil || stages.Inspector == nil {
		return nil, fmt.Errorf("repository and all stages are required")
	}
	if settings == nil || clock == nil || ids == nil {
		return nil, fmt.Errorf("settings, clock and id generator are required")
	}
	if cfg.RequeueBatch <= 0 {
		cfg.RequeueBatch = DefaultRequeueBatch
	}
	if cfg.CrawlBatch <= 0 {
		cfg.CrawlBatch = DefaultCrawlBatch
	}
	if cfg.SubmitBatch <= 0 {
		cfg.SubmitBatch = DefaultSubmitBatch
	}
	if cfg.InspectBatch <= 0 {
		cfg.InspectBatch = DefaultInspectBatch
	}
	if cfg.LockRefresh <= 0 {
		cfg.LockRefresh = DefaultLockRefresh
	}
	s := &Scheduler{
		repo:     repo,
		stages:   stages,
		settings: settings,
		clock:    clock,
		ids:      ids,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Running reports whether a run currently owns the scheduler.
func (s *Scheduler) Running() bool {
	return s.state.Load() == stateRunning
}

// TriggerRun executes one pipeline run unless disabled or already running.
// It never blocks on another run: a non-forced trigger during a run returns
// RunSkippedAlreadyRunning, a forced one queues a single coalesced rerun that
// the current owner executes right after its own run.
func (s *Scheduler) TriggerRun(ctx context.Context, force bool) indexing.PipelineRun {
	settings, err := s.settings.Snapshot(ctx)
	if err != nil {
		run := s.finishedRun(force, indexing.RunAborted)
		run.Error = fmt.Sprintf("load settings: %v", err)
		s.report(ctx, run)
		return run
	}
	if !settings.Enabled {
		run := s.finishedRun(force, indexing.RunSkippedDisabled)
		s.report(ctx, run)
		return run
	}

	if !s.state.CompareAndSwap(stateIdle, stateRunning) {
		outcome := indexing.RunSkippedAlreadyRunning
		if force {
			s.rerun.Store(true)
			outcome = indexing.RunQueued
		}
		run := s.finishedRun(force, outcome)
		s.report(ctx, run)
		return run
	}

	first := s.runOwned(ctx, force, settings)
	for {
		for s.rerun.Swap(false) {
			if ctx.Err() != nil {
				break
			}
			next, err := s.settings.Snapshot(ctx)
			if err != nil || !next.Enabled {
				break
			}
			s.runOwned(ctx, true, next)
		}
		s.state.Store(stateIdle)
		// A forced trigger may have landed between the last Swap and the
		// release; take ownership back for it.
		if !s.rerun.Load() || ctx.Err() != nil || !s.state.CompareAndSwap(stateIdle, stateRunning) {
			break
		}
	}
	return first
}

// runOwned executes one run while the caller holds the local state.
func (s *Scheduler) runOwned(ctx context.Context, force bool, settings indexing.Settings) indexing.PipelineRun {
	if s.lock != nil {
		acquired, err := s.lock.TryLock(ctx)
		if err != nil {
			run := s.finishedRun(force, indexing.RunAborted)
			run.Error = err.Error()
			s.report(ctx, run)
			return run
		}
		if !acquired {
			run := s.finishedRun(force, indexing.RunSkippedAlreadyRunning)
			s.report(ctx, run)
			return run
		}
		defer func() {
			if err := s.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release run lock failed", zap.Error(err))
			}
		}()
	}

	run := s.execute(ctx, force, settings)
	s.report(ctx, run)
	s.observeQueues(ctx)
	return run
}

type stageStep struct {
	name string
	run  func(ctx context.Context) (indexing.Summary, error)
	dst  *indexing.Summary
}

func (s *Scheduler) execute(ctx context.Context, force bool, settings indexing.Settings) indexing.PipelineRun {
	run := indexing.PipelineRun{
		ID:        s.newRunID(),
		Forced:    force,
		StartedAt: s.clock.Now(),
	}
	ctx, span := telemetry.StartSpan(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", run.ID), attribute.Bool("run.forced", force))

	logger := s.logger.With(zap.String("run_id", run.ID))
	logger.Info("pipeline run started", zap.Bool("forced", force))

	if s.lock != nil {
		var release func()
		ctx, release = s.keepLock(ctx, logger)
		defer release()
	}

	steps := []stageStep{
		{name: "requeue", dst: &run.Requeue, run: s.requeueDue},
		{name: "crawl", dst: &run.Crawl, run: func(ctx context.Context) (indexing.Summary, error) {
			return s.stages.Crawler.ProcessPendingURLs(ctx, s.cfg.CrawlBatch)
		}},
		{name: "submission", dst: &run.Submission, run: func(ctx context.Context) (indexing.Summary, error) {
			return s.stages.Submitter.SubmitReady(ctx, s.cfg.SubmitBatch, settings)
		}},
		{name: "inspection", dst: &run.Inspection, run: func(ctx context.Context) (indexing.Summary, error) {
			return s.stages.Inspector.ProcessSubmitted(ctx, s.cfg.InspectBatch, settings)
		}},
	}

	run.Outcome = indexing.RunCompleted
	for i, step := range steps {
		if i > 0 && s.lock != nil {
			if err := s.lock.Extend(ctx); err != nil {
				err = fmt.Errorf("%w: %w", ErrLockLost, err)
				run.Outcome = indexing.RunAborted
				run.Error = err.Error()
				telemetry.RecordError(span, err)
				break
			}
		}
		stageCtx, stageSpan := telemetry.StartSpan(ctx, "pipeline.stage."+step.name)
		summary, err := step.run(stageCtx)
		telemetry.RecordError(stageSpan, err)
		stageSpan.End()
		*step.dst = summary
		if err != nil {
			if cause := context.Cause(ctx); errors.Is(cause, ErrLockLost) {
				err = fmt.Errorf("%s: %w", step.name, cause)
			}
			run.Outcome = indexing.RunAborted
			run.Error = err.Error()
			telemetry.RecordError(span, err)
			logger.Error("pipeline stage aborted", zap.String("stage", step.name), zap.Error(err))
			break
		}
	}
	run.FinishedAt = s.clock.Now()
	span.SetAttributes(attribute.String("run.outcome", string(run.Outcome)))
	return run
}

// keepLock extends the run lock every LockRefresh until release is called. A
// failed extension cancels the returned context with ErrLockLost.
func (s *Scheduler) keepLock(ctx context.Context, logger *zap.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.LockRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.lock.Extend(ctx); err != nil {
					logger.Error("extend run lock failed", zap.Error(err))
					cancel(fmt.Errorf("%w: %w", ErrLockLost, err))
					return
				}
			}
		}
	}()
	return ctx, func() {
		close(done)
		wg.Wait()
		cancel(nil)
	}
}

// requeueDue moves Retrying URLs whose delay has elapsed back to Pending.
func (s *Scheduler) requeueDue(ctx context.Context) (indexing.Summary, error) {
	var summary indexing.Summary
	now := s.clock.Now()
	items, err := s.repo.Select(ctx, indexing.Selection{
		Statuses: []indexing.Status{indexing.StatusRetrying},
		DueBy:    now,
		Limit:    s.cfg.RequeueBatch,
	})
	if err != nil {
		return summary, indexing.Abort("requeue", fmt.Errorf("select due retries: %w", err))
	}
	summary.Selected = len(items)
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return summary, indexing.Abort("requeue", err)
		}
		_, err := indexing.Apply(ctx, s.repo, item, indexing.Change{
			To:     indexing.StatusPending,
			Reason: "retry delay elapsed",
		}, now)
		if err != nil {
			if errors.Is(err, indexing.ErrStatusConflict) {
				summary.Skipped++
				continue
			}
			return summary, indexing.Abort("requeue", err)
		}
		summary.Requeued++
	}
	metrics.ObserveStage("requeue", "requeued", summary.Requeued)
	return summary, nil
}

func (s *Scheduler) observeQueues(ctx context.Context) {
	for _, status := range []indexing.Status{
		indexing.StatusPending,
		indexing.StatusVerified,
		indexing.StatusSubmitted,
		indexing.StatusInspecting,
		indexing.StatusRetrying,
	} {
		n, err := s.repo.CountByStatus(ctx, status)
		if err != nil {
			s.logger.Debug("queue depth unavailable", zap.String("status", string(status)), zap.Error(err))
			return
		}
		metrics.SetQueueDepth(string(status), n)
	}
}

func (s *Scheduler) finishedRun(force bool, outcome indexing.RunOutcome) indexing.PipelineRun {
	now := s.clock.Now()
	return indexing.PipelineRun{
		ID:         s.newRunID(),
		Forced:     force,
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    outcome,
	}
}

func (s *Scheduler) newRunID() string {
	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Warn("run id generation failed", zap.Error(err))
		return ""
	}
	return id
}

func (s *Scheduler) report(ctx context.Context, run indexing.PipelineRun) {
	for _, r := range s.reporters {
		if err := r.Report(ctx, run); err != nil {
			s.logger.Warn("run reporter failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
}
