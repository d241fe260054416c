// Package inspection checks what the indexing API did with submitted URLs and
// decides whether failures are retried.
package inspection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-indexer/internal/indexing"
	"github.com/JakeFAU/url-indexer/internal/metrics"
)

const stageName = "inspection"

// Defaults for Config.
const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = time.Minute
	DefaultBackoffCap  = 24 * time.Hour
	DefaultSettleDelay = 15 * time.Minute
)

// Config tunes retry policy and inspection timing.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// SettleDelay is the minimum age of the last transition before a URL is
	// inspected.
	SettleDelay time.Duration
}

// AccountLookup resolves the credential of the account that submitted a URL.
type AccountLookup interface {
	Lookup(ctx context.Context, accountID string) (indexing.ServiceAccount, error)
}

// Stage inspects Submitted URLs.
type Stage struct {
	repo     indexing.URLRepository
	accounts AccountLookup
	client   indexing.IndexingClient
	clock    indexing.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs an inspection Stage.
func New(
	repo indexing.URLRepository,
	accounts AccountLookup,
	client indexing.IndexingClient,
	clock indexing.Clock,
	cfg Config,
	logger *zap.Logger,
) *Stage {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{repo: repo, accounts: accounts, client: client, clock: clock, cfg: cfg, logger: logger}
}

// PendingInspectionCount returns how many URLs await inspection, settled or not.
func (s *Stage) PendingInspectionCount(ctx context.Context) (int, error) {
	n, err := s.repo.CountByStatus(ctx, indexing.StatusSubmitted, indexing.StatusInspecting)
	if err != nil {
		return 0, fmt.Errorf("count pending inspection: %w", err)
	}
	return n, nil
}

// ProcessSubmitted inspects up to batchSize settled URLs.
func (s *Stage) ProcessSubmitted(ctx context.Context, batchSize int, settings indexing.Settings) (indexing.Summary, error) {
	var summary indexing.Summary
	if batchSize <= 0 {
		return summary, nil
	}
	items, err := s.repo.Select(ctx, indexing.Selection{
		Statuses:           []indexing.Status{indexing.StatusSubmitted, indexing.StatusInspecting},
		TransitionedBefore: s.clock.Now().Add(-s.cfg.SettleDelay),
		Limit:              batchSize,
	})
	if err != nil {
		return summary, indexing.Abort(stageName, fmt.Errorf("select submitted: %w", err))
	}
	summary.Selected = len(items)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return summary, indexing.Abort(stageName, err)
		}
		if err := s.processItem(ctx, item, settings, &summary); err != nil {
			return summary, indexing.Abort(stageName, err)
		}
	}

	metrics.ObserveStage(stageName, "completed", summary.Completed)
	metrics.ObserveStage(stageName, "retried", summary.Retried)
	metrics.ObserveStage(stageName, "failed", summary.Failed)
	metrics.ObserveStage(stageName, "skipped", summary.Skipped)
	return summary, nil
}

type verdict struct {
	category indexing.FailureCategory
	detail   string
	code     int
}

func (s *Stage) processItem(ctx context.Context, item indexing.URLItem, settings indexing.Settings, summary *indexing.Summary) error {
	logger := s.logger.With(zap.String("url_id", item.ID), zap.String("url", item.URL))

	current := item
	if item.Status == indexing.StatusSubmitted {
		claimed, err := indexing.Apply(ctx, s.repo, item, indexing.Change{
			To:     indexing.StatusInspecting,
			Reason: "settled",
		}, s.clock.Now())
		if err != nil {
			if errors.Is(err, indexing.ErrStatusConflict) {
				summary.Skipped++
				return nil
			}
			return err
		}
		current = claimed
	}

	v, err := s.evaluate(ctx, current)
	if err != nil {
		return err
	}

	var change indexing.Change
	if v.category == indexing.CategoryNone {
		change = indexing.Change{To: indexing.StatusCompleted, Reason: v.detail}
	} else {
		analyzed := current
		analyzed.FailureCategory = v.category
		rec := s.AnalyzeFailure(analyzed, settings)
		change = indexing.Change{
			Category:  rec.Reason,
			Error:     v.detail,
			ErrorCode: v.code,
		}
		switch {
		case rec.ShouldRetry:
			change.To = indexing.StatusRetrying
			change.RetryDelay = rec.Delay
			change.Reason = fmt.Sprintf("retry in %s", rec.Delay)
		case rec.CeilingReached:
			change.To = indexing.StatusFailedPermanent
			change.Reason = fmt.Sprintf("attempt ceiling %d reached", s.cfg.MaxAttempts)
		default:
			change.To = indexing.StatusFailedPermanent
			change.Reason = "permanent failure"
		}
	}

	if _, err := indexing.Apply(ctx, s.repo, current, change, s.clock.Now()); err != nil {
		if errors.Is(err, indexing.ErrStatusConflict) {
			logger.Warn("inspection result lost to a concurrent update")
			summary.Skipped++
			return nil
		}
		return err
	}

	switch change.To {
	case indexing.StatusCompleted:
		summary.Completed++
		logger.Debug("url indexed")
	case indexing.StatusRetrying:
		summary.Retried++
		logger.Info("url scheduled for retry",
			zap.String("category", string(change.Category)),
			zap.Duration("delay", change.RetryDelay),
			zap.Int("attempts", current.Attempts+1),
		)
	default:
		summary.Failed++
		logger.Info("url failed permanently",
			zap.String("category", string(change.Category)),
			zap.String("reason", change.Reason),
		)
	}
	return nil
}

// evaluate decides the outcome of one Inspecting item. Items without an
// assigned account carry the error and category recorded when submission
// failed; others are looked up upstream. Only account-store failures are returned as errors.
func (s *Stage) evaluate(ctx context.Context, item indexing.URLItem) (verdict, error) {
	if item.AssignedAccountID == "" {
		if item.LastError == "" {
			return verdict{category: indexing.CategoryUnknown, detail: "no submission record"}, nil
		}
		category := item.FailureCategory
		if category == indexing.CategoryNone {
			category = indexing.ClassifyStatus(item.LastErrorCode)
		}
		return verdict{
			category: category,
			detail:   item.LastError,
			code:     item.LastErrorCode,
		}, nil
	}

	acct, err := s.accounts.Lookup(ctx, item.AssignedAccountID)
	if err != nil {
		if errors.Is(err, indexing.ErrNotFound) {
			return verdict{category: indexing.CategoryUnknown, detail: "submitting account no longer exists"}, nil
		}
		return verdict{}, err
	}

	outcome, err := s.client.Inspect(ctx, acct.CredentialRef, item.URL)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return verdict{}, ctxErr
	}
	if err != nil {
		v := verdict{category: indexing.Classify(err), detail: err.Error()}
		var callErr *indexing.CallError
		if errors.As(err, &callErr) {
			v.code = callErr.StatusCode
		}
		return v, nil
	}
	if !outcome.Processed {
		return verdict{category: indexing.CategoryUnknown, detail: outcome.Detail, code: outcome.StatusCode}, nil
	}
	return verdict{category: indexing.CategoryNone, detail: "processed upstream"}, nil
}
