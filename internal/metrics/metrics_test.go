package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("test")

	c.JobQueued("story")
	c.JobQueued("story")
	c.JobFinished("story", "complete")
	c.CreditsSpent(10)
	c.CreditsSpent(0)
	c.CreditsGranted("refund", 12)
	c.PageImageFailed()
	c.CoverFallback()
	c.ObserveStage("story", "text", time.Now().Add(-time.Second))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsQueued.WithLabelValues("story")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("story", "complete")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.creditsSpent))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.creditsGranted.WithLabelValues("refund")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pageImageFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.coverFallbacks))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.JobQueued("mascot")
		c.JobFinished("mascot", "failed")
		c.CreditsSpent(1)
		c.CreditsGranted("grant", 1)
		c.PageImageFailed()
		c.CoverFallback()
		c.ObserveStage("mascot", "image", time.Now())
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("test")
	c.JobQueued("mascot")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_jobs_queued_total{kind="mascot"} 1`)
}
