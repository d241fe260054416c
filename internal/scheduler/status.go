package scheduler

import (
	"context"
	"fmt"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

// AllStatuses lists every lifecycle state in pipeline order.
var AllStatuses = []indexing.Status{
	indexing.StatusPending,
	indexing.StatusVerifying,
	indexing.StatusVerified,
	indexing.StatusFailedVerification,
	indexing.StatusSubmitting,
	indexing.StatusSubmitted,
	indexing.StatusInspecting,
	indexing.StatusRetrying,
	indexing.StatusCompleted,
	indexing.StatusFailedPermanent,
}

// Status answers read-only questions about URLs.
type Status struct {
	repo indexing.URLRepository
}

var _ indexing.StatusReader = (*Status)(nil)

// NewStatus constructs a Status reader.
func NewStatus(repo indexing.URLRepository) *Status {
	return &Status{repo: repo}
}

// URLStatus returns the item with its transition history.
func (s *Status) URLStatus(ctx context.Context, id string) (indexing.URLHistory, error) {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return indexing.URLHistory{}, fmt.Errorf("get url %s: %w", id, err)
	}
	history, err := s.repo.History(ctx, id)
	if err != nil {
		return indexing.URLHistory{}, fmt.Errorf("get history %s: %w", id, err)
	}
	return indexing.URLHistory{Item: item, Transitions: history}, nil
}

// Counts returns the number of URLs in each status.
func (s *Status) Counts(ctx context.Context) (map[indexing.Status]int, error) {
	out := make(map[indexing.Status]int, len(AllStatuses))
	for _, status := range AllStatuses {
		n, err := s.repo.CountByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", status, err)
		}
		out[status] = n
	}
	return out, nil
}
