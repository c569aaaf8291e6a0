package extract

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOracle struct {
	model string
	err   error
}

func (s stubOracle) Invoke(ctx context.Context, prompt string) (Reply, error) {
	if s.err != nil {
		return Reply{}, s.err
	}
	return Reply{Text: "{}"}, nil
}

func (s stubOracle) Model() string { return s.model }

func TestLLMStats_LatencyAggregates(t *testing.T) {
	tests := []struct {
		name      string
		durations []int64
		want      StatsSnapshot
	}{
		{
			name:      "five samples",
			durations: []int64{500, 100, 300, 200, 400},
			want:      StatsSnapshot{Count: 5, MinMs: 100, MaxMs: 500, AvgMs: 300, P50Ms: 300, P95Ms: 480, P99Ms: 496},
		},
		{
			name:      "single sample",
			durations: []int64{250},
			want:      StatsSnapshot{Count: 1, MinMs: 250, MaxMs: 250, AvgMs: 250, P50Ms: 250, P95Ms: 250, P99Ms: 250},
		},
		{
			name:      "negative clamps to zero",
			durations: []int64{-10},
			want:      StatsSnapshot{Count: 1},
		},
		{
			name: "empty",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stats := NewLLMStats(time.Hour)
			for _, d := range tc.durations {
				stats.Record(Call{Model: "m", DurationMs: d})
			}
			snap := stats.Snapshot()
			assert.Equal(t, tc.want.Count, snap.Count)
			assert.Equal(t, tc.want.MinMs, snap.MinMs)
			assert.Equal(t, tc.want.MaxMs, snap.MaxMs)
			assert.InDelta(t, tc.want.AvgMs, snap.AvgMs, 1e-9)
			assert.InDelta(t, tc.want.P50Ms, snap.P50Ms, 1e-9)
			assert.InDelta(t, tc.want.P95Ms, snap.P95Ms, 1e-9)
			assert.InDelta(t, tc.want.P99Ms, snap.P99Ms, 1e-9)
			assert.Equal(t, len(tc.durations), snap.Outcomes[OutcomeOK])
		})
	}
}

func TestLLMStats_PrunesExpiredSamples(t *testing.T) {
	clock := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	stats := NewLLMStats(time.Minute)
	stats.now = func() time.Time { return clock }

	stats.Record(Call{Model: "m", DurationMs: 100})
	stats.Record(Call{Model: "m", Outcome: OutcomeProtocolError})
	clock = clock.Add(2 * time.Minute)

	snap := stats.Snapshot()
	assert.Zero(t, snap.Count)
	assert.Empty(t, snap.Outcomes)

	stats.Record(Call{Model: "m", DurationMs: 200})
	snap = stats.Snapshot()
	assert.Equal(t, 1, snap.Count)
	assert.Equal(t, int64(200), snap.MinMs)
	assert.Equal(t, int64(200), snap.MaxMs)
}

func TestClassifyCall(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want CallOutcome
	}{
		{"nil", nil, OutcomeOK},
		{"rate limited", &RetryableError{StatusCode: 429}, OutcomeRetryable},
		{"wrapped server error", fmt.Errorf("claude api: %w", &RetryableError{StatusCode: 503}), OutcomeRetryable},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), OutcomeTimeout},
		{"protocol", &ProtocolError{Reason: "no JSON payload in reply"}, OutcomeProtocolError},
		{"other", errors.New("connection refused"), OutcomeError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyCall(tc.err))
		})
	}
}

func TestTimedOracle_RecordsOutcomes(t *testing.T) {
	stats := NewLLMStats(time.Hour)
	calls := []struct {
		oracle stubOracle
		ctx    func() (context.Context, context.CancelFunc)
	}{
		{oracle: stubOracle{model: "claude"}},
		{oracle: stubOracle{model: "claude"}},
		{oracle: stubOracle{model: "claude", err: &RetryableError{StatusCode: 529}}},
		{oracle: stubOracle{model: "llama", err: errors.New("bad request")}},
		{
			oracle: stubOracle{model: "llama", err: errors.New("read: connection reset")},
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
			},
		},
	}
	for _, c := range calls {
		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if c.ctx != nil {
			ctx, cancel = c.ctx()
		}
		_, _ = WithStats(c.oracle, stats).Invoke(ctx, "p")
		cancel()
	}
	WithStats(stubOracle{model: "claude"}, stats).RecordProtocolError()

	snap := stats.Snapshot()
	assert.Equal(t, 5, snap.Count)
	assert.Equal(t, map[CallOutcome]int{
		OutcomeOK:            2,
		OutcomeRetryable:     1,
		OutcomeError:         1,
		OutcomeTimeout:       1,
		OutcomeProtocolError: 1,
	}, snap.Outcomes)
	assert.Equal(t, map[string]int{"claude": 3, "llama": 2}, snap.Models)
}

func TestTimedOracle_PassesReplyThrough(t *testing.T) {
	stats := NewLLMStats(time.Hour)
	reply, err := WithStats(stubOracle{model: "m"}, stats).Invoke(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "{}", reply.Text)
}
