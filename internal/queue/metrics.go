package queue

import (
	"sync"
	"time"

	"github.com/hivemail/syncd/internal/models"
)

// LaneMetrics is a point-in-time copy of one lane's running counters.
// Counters live in memory and reset on process restart; they exist for
// operational visibility, not correctness.
type LaneMetrics struct {
	Completed    int64         `json:"completed"`
	Failed       int64         `json:"failed"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration_ns"`
	AvgDuration  time.Duration `json:"avg_duration_ns"`
}

type metrics struct {
	mu    sync.Mutex
	lanes map[models.JobPriority]*laneCounters
}

type laneCounters struct {
	completed     int64
	failed        int64
	lastError     string
	lastDuration  time.Duration
	totalDuration time.Duration
}

func newMetrics() *metrics {
	m := &metrics{lanes: make(map[models.JobPriority]*laneCounters, len(models.Lanes))}
	for _, lane := range models.Lanes {
		m.lanes[lane] = &laneCounters{}
	}
	return m
}

func (m *metrics) recordCompleted(lane models.JobPriority, dur time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.lanes[lane]
	c.completed++
	c.lastDuration = dur
	c.totalDuration += dur
}

func (m *metrics) recordFailed(lane models.JobPriority, dur time.Duration, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.lanes[lane]
	c.failed++
	c.lastError = errMsg
	c.lastDuration = dur
	c.totalDuration += dur
}

func (m *metrics) snapshot() map[models.JobPriority]LaneMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[models.JobPriority]LaneMetrics, len(m.lanes))
	for lane, c := range m.lanes {
		lm := LaneMetrics{
			Completed:    c.completed,
			Failed:       c.failed,
			LastError:    c.lastError,
			LastDuration: c.lastDuration,
		}
		if total := c.completed + c.failed; total > 0 {
			lm.AvgDuration = c.totalDuration / time.Duration(total)
		}
		out[lane] = lm
	}
	return out
}
