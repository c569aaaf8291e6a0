package extract

import (
	"context"
	"errors"
	"time"
)

// Reply is the raw answer of an extraction oracle: either free text (possibly
// with a fenced JSON payload) or an already structured value.
type Reply struct {
	Text  string
	Value map[string]any
}

// Oracle turns a composed prompt into a raw reply. One blocking round trip
// per call; implementations never retry.
type Oracle interface {
	Invoke(ctx context.Context, prompt string) (Reply, error)
	Model() string
}

// ProtocolRecorder is implemented by oracles that count replies rejected by
// Validate.
type ProtocolRecorder interface {
	RecordProtocolError()
}

// TimedOracle records the latency and outcome of every call into Stats.
type TimedOracle struct {
	Oracle
	Stats *LLMStats
}

// WithStats wraps o so that each call is recorded.
func WithStats(o Oracle, stats *LLMStats) *TimedOracle {
	return &TimedOracle{Oracle: o, Stats: stats}
}

func (t *TimedOracle) Invoke(ctx context.Context, prompt string) (Reply, error) {
	start := time.Now()
	reply, err := t.Oracle.Invoke(ctx, prompt)
	outcome := ClassifyCall(err)
	if outcome == OutcomeError && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		outcome = OutcomeTimeout
	}
	t.Stats.Record(Call{
		Model:      t.Model(),
		Outcome:    outcome,
		DurationMs: time.Since(start).Milliseconds(),
	})
	return reply, err
}

// RecordProtocolError counts a reply from this oracle that failed validation.
func (t *TimedOracle) RecordProtocolError() {
	t.Stats.Record(Call{Model: t.Model(), Outcome: OutcomeProtocolError})
}
