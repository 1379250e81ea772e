package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Counters(t *testing.T) {
	c := New()

	c.ObserveRequest("run-stage-3", "success", 200*time.Millisecond)
	c.ObserveRequest("run-stage-3", "success", 300*time.Millisecond)
	c.ObserveRequest("run-stage-3", "timeout", time.Second)
	c.IncBatch()
	c.IncBatch()
	c.IncStall()
	c.IncPollTick("error")
	c.RunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runActive))
	c.RunFinished("stage3", "partial")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("run-stage-3", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("run-stage-3", "timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.batchesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stallsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pollTicksTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("stage3", "partial")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.runActive))
}

func TestNew_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
