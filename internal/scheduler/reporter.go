package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-indexer/internal/indexing"
	"github.com/JakeFAU/url-indexer/internal/metrics"
)

// LogReporter writes one structured line per run.
type LogReporter struct {
	Logger *zap.Logger
}

// Report implements Reporter.
func (r LogReporter) Report(_ context.Context, run indexing.PipelineRun) error {
	logger := r.Logger
	if logger == nil {
		return nil
	}
	totals := run.Totals()
	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("outcome", string(run.Outcome)),
		zap.Bool("forced", run.Forced),
		zap.Duration("duration", run.Duration()),
		zap.Int("requeued", totals.Requeued),
		zap.Int("verified", totals.Verified),
		zap.Int("submitted", totals.Submitted),
		zap.Int("deferred", totals.Deferred),
		zap.Int("completed", totals.Completed),
		zap.Int("retried", totals.Retried),
		zap.Int("failed", totals.Failed),
	}
	switch run.Outcome {
	case indexing.RunAborted:
		logger.Error("pipeline run aborted", append(fields, zap.String("error", run.Error))...)
	case indexing.RunCompleted:
		logger.Info("pipeline run finished", fields...)
	default:
		logger.Debug("pipeline run skipped", fields...)
	}
	return nil
}

// MetricsReporter records run outcomes in Prometheus.
type MetricsReporter struct{}

// Report implements Reporter.
func (MetricsReporter) Report(_ context.Context, run indexing.PipelineRun) error {
	metrics.ObserveRun(string(run.Outcome), run.Duration())
	return nil
}
