package memory

import (
	"context"
	"testing"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

func TestPublisherStoresRuns(t *testing.T) {
	t.Parallel()

	pub := New(2)
	if _, ok := pub.Last(); ok {
		t.Fatal("expected no runs yet")
	}
	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if err := pub.Report(context.Background(), indexing.PipelineRun{ID: id}); err != nil {
			t.Fatalf("Report() error = %v", err)
		}
	}

	runs := pub.Runs()
	if len(runs) != 2 {
		t.Fatalf("expected 2 retained runs, got %d", len(runs))
	}
	if runs[0].ID != "run-2" || runs[1].ID != "run-3" {
		t.Fatalf("unexpected retained runs: %+v", runs)
	}
	last, ok := pub.Last()
	if !ok || last.ID != "run-3" {
		t.Fatalf("unexpected last run %+v", last)
	}

	runs[0].ID = "modified"
	if pub.Runs()[0].ID == "modified" {
		t.Fatal("expected Runs() to return a copy")
	}
}
