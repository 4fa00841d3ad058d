package cursor

import (
	"time"
)

// commitRecord holds timing data for a committed window.
type commitRecord struct {
	Advanced    uint64
	CommittedAt time.Time
}

// Metrics holds cursor performance data.
type Metrics struct {
	NSUPerMinute  float64
	LastCommitAt  *time.Time
	LastBlockedAt *time.Time
	StateHistory  []Transition
}

// MetricsCollector tracks cursor progress over time.
type MetricsCollector struct {
	windowSize    int            // number of commits to track
	commits       []commitRecord // ring buffer of commit records
	transitions   []Transition   // recent state changes
	lastBlockedAt *time.Time
}

// RecordCommit records how far a commit moved the cursor.
func (mc *MetricsCollector) RecordCommit(advanced uint64, committedAt time.Time) {
	record := commitRecord{
		Advanced:    advanced,
		CommittedAt: committedAt,
	}

	if len(mc.commits) >= mc.windowSize {
		// Shift elements left, drop oldest
		copy(mc.commits, mc.commits[1:])
		mc.commits[len(mc.commits)-1] = record
	} else {
		mc.commits = append(mc.commits, record)
	}
}

// RecordTransition records a state transition.
func (mc *MetricsCollector) RecordTransition(t Transition) {
	// Keep only last 10 transitions
	if len(mc.transitions) >= 10 {
		copy(mc.transitions, mc.transitions[1:])
		mc.transitions[len(mc.transitions)-1] = t
	} else {
		mc.transitions = append(mc.transitions, t)
	}

	if t.To == StateBlocked {
		at := t.Timestamp
		mc.lastBlockedAt = &at
	}
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{
		LastBlockedAt: mc.lastBlockedAt,
		StateHistory:  make([]Transition, len(mc.transitions)),
	}
	copy(m.StateHistory, mc.transitions)

	if n := len(mc.commits); n > 0 {
		last := mc.commits[n-1].CommittedAt
		m.LastCommitAt = &last
	}

	// The first record only marks the start of the window.
	if len(mc.commits) >= 2 {
		first := mc.commits[0]
		last := mc.commits[len(mc.commits)-1]
		duration := last.CommittedAt.Sub(first.CommittedAt)

		if duration > 0 {
			var advanced uint64
			for _, c := range mc.commits[1:] {
				advanced += c.Advanced
			}
			m.NSUPerMinute = float64(advanced) / duration.Minutes()
		}
	}

	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.commits = mc.commits[:0]
	mc.transitions = mc.transitions[:0]
	mc.lastBlockedAt = nil
}
