package indexing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// edges lists every legal status change. Self-edges on transient states let a
// later run re-claim work orphaned by a crash or cancellation.
var edges = map[Status][]Status{
	StatusPending:    {StatusVerifying},
	StatusVerifying:  {StatusVerifying, StatusVerified, StatusFailedVerification},
	StatusVerified:   {StatusSubmitting, StatusPending},
	StatusSubmitting: {StatusSubmitting, StatusSubmitted, StatusInspecting},
	StatusSubmitted:  {StatusInspecting},
	StatusInspecting: {StatusInspecting, StatusCompleted, StatusRetrying, StatusFailedPermanent},
	StatusRetrying:   {StatusPending},
}

// CanTransition reports whether from -> to is part of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further pipeline work happens for the status.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailedPermanent, StatusFailedVerification:
		return true
	default:
		return false
	}
}

// IsTransient reports whether the status is only held while a stage works on it.
func IsTransient(s Status) bool {
	switch s {
	case StatusVerifying, StatusSubmitting, StatusInspecting:
		return true
	default:
		return false
	}
}

// Change describes a requested transition and the data it carries.
type Change struct {
	To Status
	// AccountID is required when entering Submitted.
	AccountID  string
	Reason     string
	Category   FailureCategory
	Error      string
	ErrorCode  int
	RetryDelay time.Duration
}

// Transit applies change to item and returns the updated item with its
// transition record. The input item is not modified.
func Transit(item URLItem, change Change, at time.Time) (URLItem, Transition, error) {
	from := item.Status
	if !CanTransition(from, change.To) {
		return item, Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, change.To)
	}

	next := item
	switch change.To {
	case StatusVerified:
		next.LastError = ""
		next.LastErrorCode = 0
	case StatusFailedVerification:
		next.LastError = change.Error
		next.LastErrorCode = change.ErrorCode
	case StatusSubmitted:
		if change.AccountID == "" {
			return item, Transition{}, fmt.Errorf("%w: submitted requires an account", ErrInvalidTransition)
		}
		next.AssignedAccountID = change.AccountID
		next.LastError = ""
		next.LastErrorCode = 0
		next.FailureCategory = CategoryNone
	case StatusInspecting:
		if change.Error != "" {
			next.LastError = change.Error
			next.LastErrorCode = change.ErrorCode
		}
	case StatusRetrying:
		next.Attempts++
		next.AssignedAccountID = ""
		retryAt := at.Add(change.RetryDelay)
		next.RetryAt = &retryAt
		if change.Error != "" {
			next.LastError = change.Error
			next.LastErrorCode = change.ErrorCode
		}
	case StatusPending:
		next.RetryAt = nil
	case StatusCompleted:
		next.LastError = ""
		next.LastErrorCode = 0
		next.FailureCategory = CategoryNone
	case StatusFailedPermanent:
		if change.Error != "" {
			next.LastError = change.Error
			next.LastErrorCode = change.ErrorCode
		}
	}
	if change.Category != CategoryNone {
		next.FailureCategory = change.Category
	}
	next.Status = change.To
	next.LastTransitionAt = at

	account := next.AssignedAccountID
	if account == "" {
		account = change.AccountID
	}
	rec := Transition{
		URLID:      item.ID,
		From:       from,
		To:         change.To,
		At:         at,
		Attempt:    next.Attempts,
		AccountID:  account,
		Reason:     change.Reason,
		Category:   change.Category,
		RetryDelay: change.RetryDelay,
	}
	return next, rec, nil
}

// Apply runs Transit and persists the result with a compare-and-swap on the
// item's current status.
func Apply(ctx context.Context, repo URLRepository, item URLItem, change Change, at time.Time) (URLItem, error) {
	next, rec, err := Transit(item, change, at)
	if err != nil {
		return item, err
	}
	if err := repo.CompareAndSwap(ctx, item.Status, next, rec); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return item, err
		}
		return item, fmt.Errorf("persist %s -> %s: %w", item.Status, change.To, err)
	}
	return next, nil
}
