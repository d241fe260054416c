// Package submission hands verified URLs to the indexing API under the
// per-account and global quota budgets.
package submission

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-indexer/internal/indexing"
	"github.com/JakeFAU/url-indexer/internal/metrics"
	"github.com/JakeFAU/url-indexer/internal/quota"
)

const (
	stageName = "submission"
	unitCost  = uint32(1)
)

// Stage submits Verified URLs.
type Stage struct {
	repo   indexing.URLRepository
	ledger *quota.Ledger
	client indexing.IndexingClient
	clock  indexing.Clock
	logger *zap.Logger
}

// New constructs a submission Stage.
func New(repo indexing.URLRepository, ledger *quota.Ledger, client indexing.IndexingClient, clock indexing.Clock, logger *zap.Logger) *Stage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{repo: repo, ledger: ledger, client: client, clock: clock, logger: logger}
}

// SubmitReady submits up to batchSize Verified URLs, plus any left in
// Submitting by an interrupted run. URLs that find no quota go back to
// Pending without losing an attempt.
func (s *Stage) SubmitReady(ctx context.Context, batchSize int, settings indexing.Settings) (indexing.Summary, error) {
	var summary indexing.Summary
	if batchSize <= 0 {
		return summary, nil
	}
	items, err := s.repo.Select(ctx, indexing.Selection{
		Statuses: []indexing.Status{indexing.StatusVerified, indexing.StatusSubmitting},
		Limit:    batchSize,
	})
	if err != nil {
		return summary, indexing.Abort(stageName, fmt.Errorf("select verified: %w", err))
	}
	summary.Selected = len(items)

	ledger := s.ledger.WithSettings(settings)
	capReached := false
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return summary, indexing.Abort(stageName, err)
		}
		if capReached {
			if err := s.deferItem(ctx, item, "global daily cap reached", &summary); err != nil {
				return summary, indexing.Abort(stageName, err)
			}
			continue
		}
		reached, err := s.submitItem(ctx, ledger, item, &summary)
		if err != nil {
			return summary, indexing.Abort(stageName, err)
		}
		capReached = reached
	}

	metrics.ObserveStage(stageName, "submitted", summary.Submitted)
	metrics.ObserveStage(stageName, "deferred", summary.Deferred)
	metrics.ObserveStage(stageName, "failed", summary.Failed)
	metrics.ObserveStage(stageName, "skipped", summary.Skipped)
	return summary, nil
}

// submitItem reports whether the global cap was found exhausted.
func (s *Stage) submitItem(ctx context.Context, ledger *quota.Ledger, item indexing.URLItem, summary *indexing.Summary) (bool, error) {
	logger := s.logger.With(zap.String("url_id", item.ID), zap.String("url", item.URL))

	ok, err := ledger.ReserveGlobal(ctx, unitCost)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.ObserveQuotaDenied("global")
		logger.Info("global daily cap reached; deferring remaining batch")
		return true, s.deferItem(ctx, item, "global daily cap reached", summary)
	}

	accountID, found, err := s.reserveAccount(ctx, ledger)
	if err != nil {
		return false, errors.Join(err, ledger.ReleaseGlobal(ctx, unitCost))
	}
	if !found {
		metrics.ObserveQuotaDenied("account")
		if err := ledger.ReleaseGlobal(ctx, unitCost); err != nil {
			return false, err
		}
		return false, s.deferItem(ctx, item, "no account has quota left", summary)
	}

	claimed, err := indexing.Apply(ctx, s.repo, item, indexing.Change{
		To:        indexing.StatusSubmitting,
		AccountID: accountID,
		Reason:    "quota reserved",
	}, s.clock.Now())
	if err != nil {
		// Nothing was sent, so the reservation is refunded.
		refundErr := errors.Join(ledger.Release(ctx, accountID, unitCost), ledger.ReleaseGlobal(ctx, unitCost))
		if errors.Is(err, indexing.ErrStatusConflict) {
			logger.Debug("url claimed elsewhere")
			summary.Skipped++
			return false, refundErr
		}
		return false, errors.Join(err, refundErr)
	}
	metrics.ObserveQuotaConsumed(accountID)

	acct, err := ledger.Lookup(ctx, accountID)
	if err != nil {
		return false, err
	}

	pubErr := s.client.Publish(ctx, acct.CredentialRef, claimed)
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Left in Submitting; re-selected next run.
		return false, ctxErr
	}
	if pubErr != nil {
		// The unit was spent contacting the API and is not released.
		change := indexing.Change{
			To:        indexing.StatusInspecting,
			AccountID: accountID,
			Reason:    "submission failed",
			Error:     pubErr.Error(),
			Category:  indexing.Classify(pubErr),
		}
		var callErr *indexing.CallError
		if errors.As(pubErr, &callErr) {
			change.ErrorCode = callErr.StatusCode
		}
		applied, err := s.persist(ctx, claimed, change, logger, summary)
		if err != nil || !applied {
			return false, err
		}
		summary.Failed++
		logger.Warn("submission failed", zap.String("account_id", accountID), zap.Error(pubErr))
		return false, nil
	}

	applied, err := s.persist(ctx, claimed, indexing.Change{
		To:        indexing.StatusSubmitted,
		AccountID: accountID,
		Reason:    "accepted by indexing api",
	}, logger, summary)
	if err != nil || !applied {
		return false, err
	}
	summary.Submitted++
	logger.Debug("url submitted", zap.String("account_id", accountID))
	return false, nil
}

// reserveAccount walks the candidate list, excluding accounts that lose the
// race for their last units, bounded by the number of active accounts.
func (s *Stage) reserveAccount(ctx context.Context, ledger *quota.Ledger) (string, bool, error) {
	active, err := ledger.ActiveAccounts(ctx)
	if err != nil {
		return "", false, err
	}
	excluded := make(map[string]struct{}, active)
	for tries := 0; tries < active; tries++ {
		id, ok, err := ledger.SelectCandidate(ctx, excluded)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, nil
		}
		consumed, err := ledger.TryConsume(ctx, id, unitCost)
		if err != nil {
			return "", false, err
		}
		if consumed {
			return id, true, nil
		}
		excluded[id] = struct{}{}
	}
	return "", false, nil
}

// deferItem returns a Verified URL to Pending. Items caught in Submitting stay
// there for the next run since that state has no edge back to Pending.
func (s *Stage) deferItem(ctx context.Context, item indexing.URLItem, reason string, summary *indexing.Summary) error {
	if item.Status != indexing.StatusVerified {
		summary.Skipped++
		return nil
	}
	_, err := indexing.Apply(ctx, s.repo, item, indexing.Change{
		To:     indexing.StatusPending,
		Reason: reason,
	}, s.clock.Now())
	if err != nil {
		if errors.Is(err, indexing.ErrStatusConflict) {
			summary.Skipped++
			return nil
		}
		return err
	}
	summary.Deferred++
	return nil
}

func (s *Stage) persist(
	ctx context.Context,
	item indexing.URLItem,
	change indexing.Change,
	logger *zap.Logger,
	summary *indexing.Summary,
) (bool, error) {
	if _, err := indexing.Apply(ctx, s.repo, item, change, s.clock.Now()); err != nil {
		if errors.Is(err, indexing.ErrStatusConflict) {
			logger.Warn("submission result lost to a concurrent update")
			summary.Skipped++
			return false, nil
		}
		return false, err
	}
	return true, nil
}
