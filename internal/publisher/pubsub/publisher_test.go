package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

func TestReportPublishesRun(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "indexer-runs")
	require.NoError(t, err)

	pub := New(topic)
	t.Cleanup(pub.Stop)

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	run := indexing.PipelineRun{
		ID:         "run-1",
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Outcome:    indexing.RunCompleted,
		Submission: indexing.Summary{Submitted: 3},
	}
	require.NoError(t, pub.Report(ctx, run))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "run-1", msgs[0].Attributes["run_id"])
	require.Equal(t, "completed", msgs[0].Attributes["outcome"])

	var got indexing.PipelineRun
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, 3, got.Submission.Submitted)
	require.Equal(t, indexing.RunCompleted, got.Outcome)
}

func TestReportWithoutTopic(t *testing.T) {
	t.Parallel()

	require.Error(t, New(nil).Report(context.Background(), indexing.PipelineRun{}))
}
