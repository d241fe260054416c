package inspection

import (
	"time"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

// AnalyzeFailure turns the item's recorded failure category into a retry
// recommendation. Unknown categories are treated as transient one backoff
// step further along. The attempt ceiling overrides any retry.
func (s *Stage) AnalyzeFailure(item indexing.URLItem, settings indexing.Settings) indexing.RetryRecommendation {
	now := s.clock.Now()
	rec := indexing.RetryRecommendation{Reason: item.FailureCategory}

	switch item.FailureCategory {
	case indexing.CategoryPermanent:
		rec.ShouldRetry = false
	case indexing.CategoryRateLimited:
		rec.ShouldRetry = true
		rec.Delay = indexing.NextPeriodStart(now, settings.Loc()).Sub(now)
	case indexing.CategoryTransient:
		rec.ShouldRetry = true
		rec.Delay = s.backoff(item.Attempts)
	default:
		rec.Reason = indexing.CategoryTransient
		rec.ShouldRetry = true
		rec.Delay = s.backoff(item.Attempts + 1)
	}

	if rec.ShouldRetry && item.Attempts >= s.cfg.MaxAttempts {
		rec.ShouldRetry = false
		rec.Delay = 0
		rec.CeilingReached = true
	}
	return rec
}

// backoff returns base*2^attempt capped at the configured maximum.
func (s *Stage) backoff(attempt int) time.Duration {
	delay := s.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		if delay >= s.cfg.BackoffCap/2 {
			return s.cfg.BackoffCap
		}
		delay *= 2
	}
	if delay > s.cfg.BackoffCap {
		return s.cfg.BackoffCap
	}
	return delay
}
