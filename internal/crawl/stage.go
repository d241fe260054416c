// Package crawl verifies pending URLs before they are submitted.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-indexer/internal/indexing"
	"github.com/JakeFAU/url-indexer/internal/metrics"
)

const stageName = "crawl"

// Defaults for Config.
const (
	DefaultCheckTimeout = 10 * time.Second
	DefaultAttempts     = 3
)

// Config bounds each reachability check.
type Config struct {
	// CheckTimeout bounds a single reachability attempt.
	CheckTimeout time.Duration
	// Attempts is the in-stage retry budget for inconclusive checks. These
	// retries never touch URLItem.Attempts.
	Attempts int
}

// Stage moves Pending URLs through Verifying to Verified or FailedVerification.
type Stage struct {
	repo    indexing.URLRepository
	checker indexing.ReachabilityChecker
	clock   indexing.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a crawl Stage.
func New(repo indexing.URLRepository, checker indexing.ReachabilityChecker, clock indexing.Clock, cfg Config, logger *zap.Logger) *Stage {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{repo: repo, checker: checker, clock: clock, cfg: cfg, logger: logger}
}

// PendingCount returns how many URLs wait for verification.
func (s *Stage) PendingCount(ctx context.Context) (int, error) {
	n, err := s.repo.CountByStatus(ctx, indexing.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// ProcessPendingURLs verifies up to batchSize URLs. Items left in Verifying by
// an interrupted run are picked up again. A repository failure aborts the
// batch with an *indexing.StageError.
func (s *Stage) ProcessPendingURLs(ctx context.Context, batchSize int) (indexing.Summary, error) {
	var summary indexing.Summary
	if batchSize <= 0 {
		return summary, nil
	}
	items, err := s.repo.Select(ctx, indexing.Selection{
		Statuses: []indexing.Status{indexing.StatusPending, indexing.StatusVerifying},
		Limit:    batchSize,
	})
	if err != nil {
		return summary, indexing.Abort(stageName, fmt.Errorf("select pending: %w", err))
	}
	summary.Selected = len(items)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return summary, indexing.Abort(stageName, err)
		}
		if err := s.processItem(ctx, item, &summary); err != nil {
			return summary, indexing.Abort(stageName, err)
		}
	}

	metrics.ObserveStage(stageName, "verified", summary.Verified)
	metrics.ObserveStage(stageName, "failed", summary.Failed)
	metrics.ObserveStage(stageName, "skipped", summary.Skipped)
	return summary, nil
}

func (s *Stage) processItem(ctx context.Context, item indexing.URLItem, summary *indexing.Summary) error {
	logger := s.logger.With(zap.String("url_id", item.ID), zap.String("url", item.URL))

	claimed, err := indexing.Apply(ctx, s.repo, item, indexing.Change{
		To:     indexing.StatusVerifying,
		Reason: "claimed for verification",
	}, s.clock.Now())
	if err != nil {
		if errors.Is(err, indexing.ErrStatusConflict) {
			logger.Debug("url claimed elsewhere")
			summary.Skipped++
			return nil
		}
		return err
	}

	result, checkErr := s.verify(ctx, claimed)
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Left in Verifying; the next run re-selects it.
		return ctxErr
	}

	change := indexing.Change{To: indexing.StatusVerified, Reason: "reachable"}
	if !result.OK {
		diagnostic := result.Diagnostic
		if checkErr != nil {
			diagnostic = checkErr.Error()
		}
		change = indexing.Change{
			To:        indexing.StatusFailedVerification,
			Reason:    "verification failed",
			Error:     diagnostic,
			ErrorCode: result.StatusCode,
		}
		if result.Permanent {
			change.Category = indexing.CategoryPermanent
		} else {
			change.Category = indexing.CategoryTransient
		}
	}

	if _, err := indexing.Apply(ctx, s.repo, claimed, change, s.clock.Now()); err != nil {
		if errors.Is(err, indexing.ErrStatusConflict) {
			logger.Warn("verification result lost to a concurrent update")
			summary.Skipped++
			return nil
		}
		return err
	}
	if change.To == indexing.StatusVerified {
		summary.Verified++
		logger.Debug("url verified", zap.Int("status", result.StatusCode))
	} else {
		summary.Failed++
		logger.Info("url failed verification", zap.String("diagnostic", change.Error))
	}
	return nil
}

// verify runs the checker up to the configured budget. Permanent verdicts end
// the loop early. The last error is returned only when no attempt produced a
// result.
func (s *Stage) verify(ctx context.Context, item indexing.URLItem) (indexing.ReachabilityResult, error) {
	var (
		last    indexing.ReachabilityResult
		lastErr error
	)
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		checkCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
		res, err := s.checker.Check(checkCtx, item.URL)
		cancel()
		if ctx.Err() != nil {
			return indexing.ReachabilityResult{}, ctx.Err()
		}
		if err == nil {
			if res.OK || res.Permanent {
				return res, nil
			}
			last, lastErr = res, nil
		} else {
			last, lastErr = indexing.ReachabilityResult{}, err
		}
		s.logger.Debug("reachability attempt failed",
			zap.String("url_id", item.ID),
			zap.Int("attempt", attempt),
			zap.Int("status", res.StatusCode),
			zap.Error(err),
		)
	}
	return last, lastErr
}
