package extract

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// CallOutcome classifies one oracle observation.
type CallOutcome string

const (
	OutcomeOK            CallOutcome = "ok"
	OutcomeRetryable     CallOutcome = "retryable"
	OutcomeTimeout       CallOutcome = "timeout"
	OutcomeError         CallOutcome = "error"
	OutcomeProtocolError CallOutcome = "protocol_error"
)

// ClassifyCall maps the error of an Invoke round trip to its outcome.
func ClassifyCall(err error) CallOutcome {
	var rerr *RetryableError
	var perr *ProtocolError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &rerr):
		return OutcomeRetryable
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.As(err, &perr):
		return OutcomeProtocolError
	default:
		return OutcomeError
	}
}

// Call is one observation: a timed round trip, or a reply that failed
// validation after its round trip was already counted.
type Call struct {
	Model      string
	Outcome    CallOutcome
	DurationMs int64
}

// timed reports whether the call carries a latency measurement.
func (c Call) timed() bool { return c.Outcome != OutcomeProtocolError }

type sample struct {
	at   time.Time
	call Call
}

// StatsSnapshot aggregates the samples inside the rolling window. Latency
// fields cover round trips only; Outcomes also counts rejected replies.
type StatsSnapshot struct {
	Count    int                 `json:"count"`
	MinMs    int64               `json:"min_ms"`
	MaxMs    int64               `json:"max_ms"`
	AvgMs    float64             `json:"avg_ms"`
	P50Ms    float64             `json:"p50_ms"`
	P95Ms    float64             `json:"p95_ms"`
	P99Ms    float64             `json:"p99_ms"`
	Outcomes map[CallOutcome]int `json:"outcomes"`
	Models   map[string]int      `json:"models"`
}

// LLMStats keeps oracle observations for maxAge.
type LLMStats struct {
	mu      sync.Mutex
	samples []sample
	maxAge  time.Duration
	now     func() time.Time
}

func NewLLMStats(maxAge time.Duration) *LLMStats {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &LLMStats{
		samples: make([]sample, 0, 256),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

func (s *LLMStats) Record(c Call) {
	if c.DurationMs < 0 {
		c.DurationMs = 0
	}
	if c.Outcome == "" {
		c.Outcome = OutcomeOK
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)
	s.samples = append(s.samples, sample{at: now, call: c})
}

func (s *LLMStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(s.now())
	snap := StatsSnapshot{
		Outcomes: make(map[CallOutcome]int),
		Models:   make(map[string]int),
	}

	values := make([]int64, 0, len(s.samples))
	var sum int64
	for _, sm := range s.samples {
		snap.Outcomes[sm.call.Outcome]++
		if !sm.call.timed() {
			continue
		}
		snap.Models[sm.call.Model]++
		values = append(values, sm.call.DurationMs)
		sum += sm.call.DurationMs
	}
	if len(values) == 0 {
		return snap
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	snap.Count = len(values)
	snap.MinMs = values[0]
	snap.MaxMs = values[len(values)-1]
	snap.AvgMs = float64(sum) / float64(len(values))
	snap.P50Ms = percentile(values, 50)
	snap.P95Ms = percentile(values, 95)
	snap.P99Ms = percentile(values, 99)
	return snap
}

func (s *LLMStats) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.maxAge)
	kept := s.samples[:0]
	for _, sm := range s.samples {
		if !sm.at.Before(cutoff) {
			kept = append(kept, sm)
		}
	}
	s.samples = kept
}

// percentile interpolates linearly between the two nearest ranks.
func percentile(sorted []int64, pct float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case pct <= 0:
		return float64(sorted[0])
	case pct >= 100:
		return float64(sorted[len(sorted)-1])
	}
	rank := float64(len(sorted)-1) * pct / 100
	lower := int(rank)
	if lower+1 >= len(sorted) {
		return float64(sorted[lower])
	}
	lo, hi := float64(sorted[lower]), float64(sorted[lower+1])
	return lo + (hi-lo)*(rank-float64(lower))
}
