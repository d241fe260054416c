package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, runsTotal)
	require.NotNil(t, stageItemsTotal)
	require.NotNil(t, quotaConsumedTotal)
	require.NotNil(t, httpRequestsTotal)
}

func TestObserveHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(runsTotal.WithLabelValues("completed"))
	ObserveRun("completed", 2*time.Second)
	require.Equal(t, before+1, testutil.ToFloat64(runsTotal.WithLabelValues("completed")))

	before = testutil.ToFloat64(stageItemsTotal.WithLabelValues("crawl", "verified"))
	ObserveStage("crawl", "verified", 3)
	ObserveStage("crawl", "verified", 0)
	require.Equal(t, before+3, testutil.ToFloat64(stageItemsTotal.WithLabelValues("crawl", "verified")))

	before = testutil.ToFloat64(quotaDeniedTotal.WithLabelValues("global"))
	ObserveQuotaDenied("global")
	require.Equal(t, before+1, testutil.ToFloat64(quotaDeniedTotal.WithLabelValues("global")))

	SetQueueDepth("pending", 7)
	require.Equal(t, float64(7), testutil.ToFloat64(urlsByStatus.WithLabelValues("pending")))

	before = testutil.ToFloat64(apiCallsTotal.WithLabelValues("publish", "429"))
	ObserveAPICall("publish", 429)
	require.Equal(t, before+1, testutil.ToFloat64(apiCallsTotal.WithLabelValues("publish", "429")))
}
