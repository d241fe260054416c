// Package memory contains an in-memory run reporter for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

// Publisher stores reported runs for inspection.
type Publisher struct {
	mu   sync.RWMutex
	runs []indexing.PipelineRun
	// limit caps retained runs; the oldest are dropped first.
	limit int
}

// New returns a memory Publisher retaining at most limit runs (0 = unbounded).
func New(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Report records the run.
func (p *Publisher) Report(_ context.Context, run indexing.PipelineRun) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, run)
	if p.limit > 0 && len(p.runs) > p.limit {
		p.runs = append([]indexing.PipelineRun(nil), p.runs[len(p.runs)-p.limit:]...)
	}
	return nil
}

// Runs returns the recorded runs, oldest first.
func (p *Publisher) Runs() []indexing.PipelineRun {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]indexing.PipelineRun, len(p.runs))
	copy(out, p.runs)
	return out
}

// Last returns the most recent run.
func (p *Publisher) Last() (indexing.PipelineRun, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.runs) == 0 {
		return indexing.PipelineRun{}, false
	}
	return p.runs[len(p.runs)-1], true
}
