package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-indexer/internal/indexing"
	"github.com/JakeFAU/url-indexer/internal/queue/memory"
)

// ErrQueueFull is returned by Request when too many triggers are waiting.
var ErrQueueFull = errors.New("trigger queue full")

// DefaultInterval is the cadence used when neither interval nor cron is set.
const DefaultInterval = 5 * time.Minute

// Trigger is the part of Scheduler the loop drives.
type Trigger interface {
	TriggerRun(ctx context.Context, force bool) indexing.PipelineRun
}

// LoopConfig controls the hosted loop cadence.
type LoopConfig struct {
	Interval time.Duration
	// Cron, when set, replaces Interval with a standard five-field schedule.
	Cron       string
	QueueDepth int
	// RunOnStart triggers a run as soon as Run starts.
	RunOnStart bool
}

type runRequest struct {
	force bool
}

// Loop drives a Trigger on a cadence and serves manual requests handed over
// through a bounded queue. Runs execute under the loop's context, so a
// requester going away never cancels a run.
type Loop struct {
	trigger    Trigger
	interval   time.Duration
	schedule   cron.Schedule
	requests   *memory.Queue[runRequest]
	runOnStart bool
	logger     *zap.Logger
	now        func() time.Time
}

// NewLoop builds a Loop.
func NewLoop(trigger Trigger, cfg LoopConfig, logger *zap.Logger) (*Loop, error) {
	if trigger == nil {
		return nil, fmt.Errorf("trigger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		trigger:    trigger,
		interval:   cfg.Interval,
		requests:   memory.NewQueue[runRequest](cfg.QueueDepth),
		runOnStart: cfg.RunOnStart,
		logger:     logger,
		now:        time.Now,
	}
	if cfg.Cron != "" {
		schedule, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", cfg.Cron, err)
		}
		l.schedule = schedule
	} else if l.interval <= 0 {
		l.interval = DefaultInterval
	}
	return l, nil
}

// Request hands a manual trigger to the loop without waiting for the run.
func (l *Loop) Request(ctx context.Context, force bool) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("request run: %w", err)
	}
	if err := l.requests.TryEnqueue(runRequest{force: force}); err != nil {
		if errors.Is(err, memory.ErrFull) {
			return ErrQueueFull
		}
		return fmt.Errorf("request run: %w", err)
	}
	return nil
}

// Run blocks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer l.requests.Close()
	if l.runOnStart {
		l.fire(ctx, false, "startup")
	}
	// The tick deadline survives manual runs, so requests never push it back.
	next := l.nextTick(l.now())
	for {
		timer := time.NewTimer(l.until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			l.fire(ctx, false, "tick")
			next = l.nextTick(l.now())
		case req, ok := <-l.requests.C():
			timer.Stop()
			if !ok {
				return nil
			}
			l.fire(ctx, req.force, "manual")
		}
	}
}

func (l *Loop) fire(ctx context.Context, force bool, source string) {
	run := l.trigger.TriggerRun(ctx, force)
	l.logger.Debug("trigger handled",
		zap.String("source", source),
		zap.String("run_id", run.ID),
		zap.String("outcome", string(run.Outcome)),
	)
}

// nextTick returns the first scheduled tick after the given instant.
func (l *Loop) nextTick(after time.Time) time.Time {
	if l.schedule == nil {
		return after.Add(l.interval)
	}
	return l.schedule.Next(after)
}

func (l *Loop) until(deadline time.Time) time.Duration {
	d := deadline.Sub(l.now())
	if d < 0 {
		return 0
	}
	return d
}
