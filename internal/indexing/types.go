package indexing

import (
	"time"
)

// URLType distinguishes first submissions from content refreshes.
type URLType string

// URL types accepted on import.
const (
	URLTypeNew     URLType = "new"
	URLTypeUpdated URLType = "updated"
)

// Status is the lifecycle state of a URLItem.
type Status string

// URL lifecycle states.
const (
	StatusPending            Status = "pending"
	StatusVerifying          Status = "verifying"
	StatusVerified           Status = "verified"
	StatusFailedVerification Status = "failed_verification"
	StatusSubmitting         Status = "submitting"
	StatusSubmitted          Status = "submitted"
	StatusInspecting         Status = "inspecting"
	StatusRetrying           Status = "retrying"
	StatusCompleted          Status = "completed"
	StatusFailedPermanent    Status = "failed_permanent"
)

// FailureCategory classifies the outcome of an external call.
type FailureCategory string

// Failure categories produced by inspection.
const (
	CategoryNone        FailureCategory = ""
	CategoryTransient   FailureCategory = "transient"
	CategoryRateLimited FailureCategory = "rate_limited"
	CategoryPermanent   FailureCategory = "permanent"
	CategoryUnknown     FailureCategory = "unknown"
)

// URLItem is a unit of indexing work.
type URLItem struct {
	ID                string          `json:"id"`
	URL               string          `json:"url"`
	Type              URLType         `json:"type"`
	Priority          int             `json:"priority"`
	Status            Status          `json:"status"`
	AssignedAccountID string          `json:"assigned_account_id,omitempty"`
	Attempts          int             `json:"attempts"`
	LastError         string          `json:"last_error,omitempty"`
	LastErrorCode     int             `json:"last_error_code,omitempty"`
	FailureCategory   FailureCategory `json:"failure_category,omitempty"`
	RetryAt           *time.Time      `json:"retry_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	LastTransitionAt  time.Time       `json:"last_transition_at"`
}

// ServiceAccount is an indexing credential with a daily quota budget.
type ServiceAccount struct {
	ID                string     `json:"id"`
	ProjectID         string     `json:"project_id"`
	CredentialRef     string     `json:"-"`
	QuotaLimitPerDay  uint32     `json:"quota_limit_per_day"`
	QuotaUsedInPeriod uint32     `json:"quota_used_in_period"`
	QuotaPeriodStart  time.Time  `json:"quota_period_start"`
	CreatedAt         time.Time  `json:"created_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the account was soft-deleted.
func (a ServiceAccount) Deleted() bool {
	return a.DeletedAt != nil
}

// UsedAt returns the quota used as seen from a period starting at periodStart.
// Accounts whose last reset predates the period are treated as fresh.
func (a ServiceAccount) UsedAt(periodStart time.Time) uint32 {
	if a.QuotaPeriodStart.Before(periodStart) {
		return 0
	}
	return a.QuotaUsedInPeriod
}

// RemainingAt returns the unused quota for the period starting at periodStart.
func (a ServiceAccount) RemainingAt(periodStart time.Time) uint32 {
	used := a.UsedAt(periodStart)
	if used >= a.QuotaLimitPerDay {
		return 0
	}
	return a.QuotaLimitPerDay - used
}

// RetryRecommendation is the advisory output of failure analysis.
type RetryRecommendation struct {
	ShouldRetry    bool            `json:"should_retry"`
	Delay          time.Duration   `json:"delay"`
	Reason         FailureCategory `json:"reason"`
	CeilingReached bool            `json:"ceiling_reached"`
}

// Transition records one status change of a URLItem.
type Transition struct {
	URLID      string          `json:"url_id"`
	From       Status          `json:"from"`
	To         Status          `json:"to"`
	At         time.Time       `json:"at"`
	Attempt    int             `json:"attempt"`
	AccountID  string          `json:"account_id,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Category   FailureCategory `json:"category,omitempty"`
	RetryDelay time.Duration   `json:"retry_delay,omitempty"`
}

// Summary counts what a stage did with its batch.
type Summary struct {
	Selected  int `json:"selected"`
	Verified  int `json:"verified"`
	Submitted int `json:"submitted"`
	Deferred  int `json:"deferred"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Requeued  int `json:"requeued"`
	Skipped   int `json:"skipped"`
}

// Add accumulates another summary into s.
func (s *Summary) Add(other Summary) {
	s.Selected += other.Selected
	s.Verified += other.Verified
	s.Submitted += other.Submitted
	s.Deferred += other.Deferred
	s.Completed += other.Completed
	s.Retried += other.Retried
	s.Failed += other.Failed
	s.Requeued += other.Requeued
	s.Skipped += other.Skipped
}

// RunOutcome is the terminal result of a TriggerRun call.
type RunOutcome string

// Pipeline run outcomes.
const (
	RunCompleted             RunOutcome = "completed"
	RunAborted               RunOutcome = "aborted"
	RunSkippedAlreadyRunning RunOutcome = "skipped_already_running"
	RunSkippedDisabled       RunOutcome = "skipped_disabled"
	RunQueued                RunOutcome = "queued"
)

// PipelineRun describes one scheduler execution. It is never persisted by the core.
type PipelineRun struct {
	ID         string     `json:"id"`
	Forced     bool       `json:"forced"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Outcome    RunOutcome `json:"outcome"`
	Error      string     `json:"error,omitempty"`
	Requeue    Summary    `json:"requeue"`
	Crawl      Summary    `json:"crawl"`
	Submission Summary    `json:"submission"`
	Inspection Summary    `json:"inspection"`
}

// Totals folds the per-stage summaries together.
func (r PipelineRun) Totals() Summary {
	var total Summary
	total.Add(r.Requeue)
	total.Add(r.Crawl)
	total.Add(r.Submission)
	total.Add(r.Inspection)
	return total
}

// Duration returns how long the run took.
func (r PipelineRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Settings is the read-only snapshot handed to each run.
type Settings struct {
	Enabled           bool
	RequestsPerDayCap uint32
	Location          *time.Location
}

// Loc returns the tenant location, defaulting to UTC.
func (s Settings) Loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// URLHistory is the per-URL view exposed to reporting surfaces.
type URLHistory struct {
	Item        URLItem      `json:"item"`
	Transitions []Transition `json:"transitions"`
}
