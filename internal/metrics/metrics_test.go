package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMetrics(t *testing.T) {
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("/api/v1/tasks")
		ObservePublish("youtube", 0.3)
		AddReclaimed(0)
		SetLastTick(1)
		IncJob("decay", false)
	})
}

func TestOutcomeCounter(t *testing.T) {
	completed := taskOutcomes.WithLabelValues("generic-post", "twitter", "completed")
	before := counterValue(t, completed)
	IncOutcome("generic-post", "twitter", "completed")
	assert.Equal(t, before+1, counterValue(t, completed))

	manual := tasksEnqueued.WithLabelValues("upload", "youtube", "manual")
	before = counterValue(t, manual)
	IncEnqueued("upload", "youtube", "manual")
	assert.Equal(t, before+1, counterValue(t, manual))
}
