// Package align runs the dual-cursor alignment loop over a question paper and
// its mark scheme.
package align

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dgallion1/markalign/internal/document"
	"github.com/dgallion1/markalign/internal/extract"
)

// DefaultMaxExpansions bounds consecutive window expansions for one question.
const DefaultMaxExpansions = 3

// ErrIterationLimit is returned when a pair hits its iteration cap before
// either document is exhausted.
var ErrIterationLimit = errors.New("alignment iteration limit reached")

// Checkpointer persists controller state between iterations.
type Checkpointer interface {
	SaveState(ctx context.Context, key string, st State) error
	LoadState(ctx context.Context, key string) (State, bool, error)
	ClearState(ctx context.Context, key string) error
}

// Config tunes a Controller. Zero values take defaults.
type Config struct {
	Lookahead     int
	MaxPageTokens int
	MaxExpansions int
	// MaxIterations caps oracle calls per pair; 0 derives a cap from the
	// page counts.
	MaxIterations int
	OracleTimeout time.Duration
}

// Pair is one exam's document pair plus where alignment starts.
type Pair struct {
	Key           string // checkpoint key, see PairKey
	QuestionPaper []document.Page
	MarkScheme    []document.Page
	QPStart       int
	MSStart       int
}

// PairKey identifies the checkpoint of one exam aligned against one specific
// question paper and mark scheme. Overriding either document yields a new key.
func PairKey(examID, questionPaperID, markSchemeID string) string {
	return strings.Join([]string{examID, questionPaperID, markSchemeID}, "|")
}

// Result summarizes one alignment run. Questions holds everything accepted
// even when Run also returns an error.
type Result struct {
	Questions           []*document.Question
	State               State
	Phase               Phase
	Iterations          int
	Expansions          int
	ExhaustedExpansions int
	Resumed             bool
}

// Controller drives the oracle over successive windows until one document
// runs out.
type Controller struct {
	oracle      extract.Oracle
	builder     WindowBuilder
	cfg         Config
	checkpoints Checkpointer
	log         *zap.Logger
}

// NewController creates a controller. log may be nil.
func NewController(oracle extract.Oracle, cfg Config, log *zap.Logger) *Controller {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.MaxExpansions <= 0 {
		cfg.MaxExpansions = DefaultMaxExpansions
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		oracle:  oracle,
		builder: WindowBuilder{Lookahead: cfg.Lookahead, MaxPageTokens: cfg.MaxPageTokens},
		cfg:     cfg,
		log:     log,
	}
}

// WithCheckpointer enables resumable runs.
func (c *Controller) WithCheckpointer(cp Checkpointer) *Controller {
	c.checkpoints = cp
	return c
}

// Run aligns one pair. Oracle transport failures and malformed replies stop
// the run; the questions accepted so far are still returned in the Result.
func (c *Controller) Run(ctx context.Context, pair Pair) (*Result, error) {
	log := c.log.With(zap.String("pair", pair.Key))
	res := &Result{Phase: PhaseSeeking}

	st := State{
		QPCursor:       max(pair.QPStart, 0),
		MSCursor:       max(pair.MSStart, 0),
		QuestionNumber: 1,
	}
	if saved, ok := c.resume(ctx, pair.Key, log); ok && saved.QPCursor >= st.QPCursor && saved.MSCursor >= st.MSCursor {
		st = saved
		res.Resumed = true
		log.Info("resuming alignment from checkpoint",
			zap.Int("qp_cursor", st.QPCursor),
			zap.Int("ms_cursor", st.MSCursor),
			zap.Int("questions", len(st.Questions)))
	}

	limit := c.cfg.MaxIterations
	if limit <= 0 {
		limit = 2*(len(pair.QuestionPaper)+len(pair.MarkScheme)) + c.cfg.MaxExpansions + 1
	}

	finish := func(err error) (*Result, error) {
		res.State = st
		res.Questions = st.Questions
		if err == nil {
			res.Phase = PhaseDone
			c.clear(ctx, pair.Key, log)
		}
		return res, err
	}

	for {
		if st.QPCursor >= len(pair.QuestionPaper) || st.MSCursor >= len(pair.MarkScheme) {
			log.Info("alignment complete",
				zap.Int("iterations", res.Iterations),
				zap.Int("questions", document.Count(st.Questions)))
			return finish(nil)
		}
		if err := ctx.Err(); err != nil {
			return finish(eris.Wrap(err, "alignment cancelled"))
		}
		if res.Iterations >= limit {
			log.Error("iteration limit reached",
				zap.Int("limit", limit),
				zap.Int("qp_cursor", st.QPCursor),
				zap.Int("ms_cursor", st.MSCursor))
			return finish(eris.Wrapf(ErrIterationLimit, "pair %s after %d iterations", pair.Key, limit))
		}

		c.save(ctx, pair.Key, st, log)
		res.Iterations++

		w := c.builder.Window(pair.QuestionPaper, pair.MarkScheme, st)
		resp, err := c.ask(ctx, w)
		if err != nil {
			log.Error("alignment iteration failed",
				zap.Int("iteration", res.Iterations),
				zap.Int("qp_cursor", st.QPCursor),
				zap.Int("ms_cursor", st.MSCursor),
				zap.Error(err))
			return finish(err)
		}
		for _, warn := range resp.Warnings {
			log.Warn("oracle reply normalized", zap.String("warning", warn))
		}

		switch o := Classify(resp, st, c.cfg.MaxExpansions).(type) {
		case NeedsMoreContext:
			res.Phase = PhaseExpanding
			res.Expansions++
			st.ExpansionAttempts++
			if o.QuestionPaper {
				st.QPCursor++
			}
			if o.MarkScheme {
				st.MSCursor++
			}
			log.Debug("expanding window",
				zap.Int("attempt", st.ExpansionAttempts),
				zap.Bool("question_paper", o.QuestionPaper),
				zap.Bool("mark_scheme", o.MarkScheme))

		case Accepted:
			res.Phase = PhaseAdvancing
			if o.ExpansionExhausted {
				res.ExhaustedExpansions++
				log.Warn("context still incomplete after max expansions, accepting",
					zap.Int("attempts", st.ExpansionAttempts),
					zap.Int("question_number", st.QuestionNumber))
			}
			c.advance(&st, o, log)
		}
	}
}

// ask runs one oracle call under the per-call timeout and validates the reply.
func (c *Controller) ask(ctx context.Context, w Window) (*extract.Response, error) {
	callCtx := ctx
	if c.cfg.OracleTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.OracleTimeout)
		defer cancel()
	}

	prompt := extract.BuildPrompt(w.QPExcerpt, w.MSExcerpt, w.QuestionNumber)
	reply, err := c.oracle.Invoke(callCtx, prompt)
	if err != nil {
		return nil, eris.Wrapf(err, "oracle call at qp=%d ms=%d", w.QPCursor, w.MSCursor)
	}
	resp, err := extract.Validate(reply, w.QPCursor, w.MSCursor)
	if err != nil {
		if pr, ok := c.oracle.(extract.ProtocolRecorder); ok {
			pr.RecordProtocolError()
		}
		return nil, eris.Wrapf(err, "validate reply at qp=%d ms=%d", w.QPCursor, w.MSCursor)
	}
	return resp, nil
}

// advance applies an accepted response. Cursors never move backward, and a
// response that moves neither cursor still advances both by one.
func (c *Controller) advance(st *State, o Accepted, log *zap.Logger) {
	st.Questions = append(st.Questions, o.Questions...)
	if len(o.Questions) > 0 {
		st.ExpansionAttempts = 0
	}

	nextQP, nextMS := o.NextQPCursor, o.NextMSCursor
	if nextQP < st.QPCursor || nextMS < st.MSCursor {
		log.Warn("oracle moved a cursor backward, clamping",
			zap.Int("qp_cursor", st.QPCursor), zap.Int("next_qp", nextQP),
			zap.Int("ms_cursor", st.MSCursor), zap.Int("next_ms", nextMS))
		nextQP = max(nextQP, st.QPCursor)
		nextMS = max(nextMS, st.MSCursor)
	}
	if nextQP == st.QPCursor && nextMS == st.MSCursor {
		log.Warn("no cursor progress, forcing advance",
			zap.Int("qp_cursor", st.QPCursor), zap.Int("ms_cursor", st.MSCursor))
		nextQP++
		nextMS++
	}
	st.QPCursor, st.MSCursor = nextQP, nextMS

	if o.NextQuestionNumber != nil {
		st.QuestionNumber = max(st.QuestionNumber, *o.NextQuestionNumber)
	} else {
		st.QuestionNumber += len(o.Questions)
	}
	log.Debug("accepted questions",
		zap.Int("count", len(o.Questions)),
		zap.Int("qp_cursor", st.QPCursor),
		zap.Int("ms_cursor", st.MSCursor),
		zap.Int("question_number", st.QuestionNumber))
}

func (c *Controller) resume(ctx context.Context, key string, log *zap.Logger) (State, bool) {
	if c.checkpoints == nil || key == "" {
		return State{}, false
	}
	st, ok, err := c.checkpoints.LoadState(ctx, key)
	if err != nil {
		log.Warn("checkpoint load failed, starting fresh", zap.Error(err))
		return State{}, false
	}
	return st, ok
}

func (c *Controller) save(ctx context.Context, key string, st State, log *zap.Logger) {
	if c.checkpoints == nil || key == "" {
		return
	}
	if err := c.checkpoints.SaveState(ctx, key, st); err != nil {
		log.Warn("checkpoint save failed", zap.Error(err))
	}
}

func (c *Controller) clear(ctx context.Context, key string, log *zap.Logger) {
	if c.checkpoints == nil || key == "" {
		return
	}
	if err := c.checkpoints.ClearState(ctx, key); err != nil {
		log.Warn("checkpoint clear failed", zap.Error(err))
	}
}
