package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTiming(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpNodeExecute, 10*time.Millisecond)
	c.RecordTiming(OpNodeExecute, 30*time.Millisecond)

	snap := c.Snapshot()
	op := snap.Operations[OpNodeExecute]
	require.NotNil(t, op)
	assert.EqualValues(t, 2, op.Count)
	assert.EqualValues(t, 10, op.MinTimeMs)
	assert.EqualValues(t, 30, op.MaxTimeMs)
	assert.InDelta(t, 20.0, op.AvgTimeMs, 0.001)
	assert.Nil(t, op.TotalInputTokens)
}

func TestRecordLLMUsage(t *testing.T) {
	c := NewCollector()
	c.RecordLLMUsage(OpLLMStream, time.Second, 12, 40)

	op := c.Snapshot().Operations[OpLLMStream]
	require.NotNil(t, op)
	require.NotNil(t, op.TotalOutputTokens)
	assert.EqualValues(t, 40, *op.TotalOutputTokens)
}

func TestTaskGauges(t *testing.T) {
	c := NewCollector()
	c.TaskQueued(1)
	c.TaskQueued(-1)
	c.TaskStarted()
	c.TaskFinished("COMPLETED", true)
	c.TaskFinished("CANCELLED", false)
	c.HubConnections(2)
	c.HubDropped()

	snap := c.Snapshot()
	assert.EqualValues(t, 0, snap.TasksRunning)
	assert.EqualValues(t, 0, snap.TasksQueued)
	assert.EqualValues(t, 1, snap.TasksFinished["COMPLETED"])
	assert.EqualValues(t, 1, snap.TasksFinished["CANCELLED"])
	assert.EqualValues(t, 2, snap.HubConnections)
	assert.EqualValues(t, 1, snap.HubDropped)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTiming(OpTaskRun, time.Millisecond)
		c.TaskStarted()
		c.TaskFinished("FAILED", true)
		c.HubDropped()
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.TaskFinished("FAILED", false)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `flowhub_tasks_finished_total{status="FAILED"} 1`)
}
