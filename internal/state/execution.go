package state

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// newExecutionID returns exec_<unixMillis>_<8 hex chars>.
func newExecutionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("exec_%d_%s", now.UnixMilli(), suffix)
}

func beginRun(m *ExecutionMetrics, id string, now time.Time) {
	m.TotalRuns++
	t := now.UTC()
	m.LastRunStart = &t
	m.CurrentExecutionID = id
}

// finishRun folds one finished run into the rolling average and success
// rate. TotalRuns already counts this run (beginRun incremented it).
func finishRun(m *ExecutionMetrics, success bool, stats RunStats, now time.Time) {
	var durationMs int64
	if m.LastRunStart != nil {
		durationMs = max(now.Sub(*m.LastRunStart).Milliseconds(), 0)
	}

	n := float64(m.TotalRuns)
	if n < 1 {
		n = 1
	}
	m.AvgRunDuration = (m.AvgRunDuration*(n-1) + float64(durationMs)) / n

	prevSuccesses := math.Min(m.SuccessRate*(n-1)/100, n-1)
	var s float64
	if success {
		s = 1
	}
	rate := math.Min(100, (prevSuccesses+s)/n*100)
	if rate < 0 || math.IsNaN(rate) {
		rate = 0
	}
	m.SuccessRate = rate

	t := now.UTC()
	m.LastRunTime = &t
	m.LastRunDuration = durationMs
	m.CurrentExecutionID = ""
	m.LastRunStats = &stats
}
