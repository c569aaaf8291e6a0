package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dgallion1/markalign/internal/align"
	"github.com/dgallion1/markalign/internal/checkpoint"
	"github.com/dgallion1/markalign/internal/document"
	"github.com/dgallion1/markalign/internal/index"
	"github.com/dgallion1/markalign/internal/media"
)

// PageLoader loads a document's pages by content path.
type PageLoader interface {
	Load(ctx context.Context, contentPath string) ([]document.Page, error)
}

// Patcher attaches aligned questions to an index record.
type Patcher interface {
	Patch(id string, typ index.DocumentType, questions []*document.Question, processedAt time.Time) error
}

// OutcomeRecorder appends per-exam results to a ledger.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, o checkpoint.Outcome) error
}

// Worker processes a single exam job: load, align, link, patch.
type Worker struct {
	loader     PageLoader
	index      Patcher
	controller *align.Controller
	ledger     OutcomeRecorder
	log        *zap.Logger

	retries int
	backoff func(attempt int) time.Duration
}

func NewWorker(loader PageLoader, idx Patcher, controller *align.Controller, log *zap.Logger, retries int) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		loader:     loader,
		index:      idx,
		controller: controller,
		log:        log,
		retries:    retries,
		backoff:    Backoff,
	}
}

// WithLedger records every finished job in l.
func (w *Worker) WithLedger(l OutcomeRecorder) *Worker {
	w.ledger = l
	return w
}

// Process runs the full alignment pipeline for a job. Failures end up in the
// job status; Process itself never fails so that one exam cannot stop a batch.
func (w *Worker) Process(ctx context.Context, job *Job) {
	start := time.Now()
	log := w.log.With(zap.String("job_id", job.ID), zap.String("exam", job.ExamID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("alignment panicked", zap.Any("panic", r))
			job.AddError(fmt.Sprintf("panic: %v", r))
			job.SetStatus(StatusFailed, "panic")
		}
		w.record(ctx, job, time.Since(start), log)
	}()

	// Phase 1: Load
	job.SetStatus(StatusLoading, "loading")
	qpPages, err := w.loader.Load(ctx, job.QuestionPaper.ContentPath)
	if err != nil {
		log.Error("question paper load failed", zap.String("path", job.QuestionPaper.ContentPath), zap.Error(err))
		job.AddError(fmt.Sprintf("load question paper: %s", err))
		job.SetStatus(StatusFailed, "loading")
		return
	}
	msPages, err := w.loader.Load(ctx, job.MarkScheme.ContentPath)
	if err != nil {
		log.Error("mark scheme load failed", zap.String("path", job.MarkScheme.ContentPath), zap.Error(err))
		job.AddError(fmt.Sprintf("load mark scheme: %s", err))
		job.SetStatus(StatusFailed, "loading")
		return
	}
	log.Info("loaded documents", zap.Int("qp_pages", len(qpPages)), zap.Int("ms_pages", len(msPages)))

	// Phase 2: Align, retrying the whole pair on transient oracle failures.
	job.SetStatus(StatusAligning, "aligning")
	pair := align.Pair{
		Key:           align.PairKey(job.ExamID, job.QuestionPaper.ID, job.MarkScheme.ID),
		QuestionPaper: qpPages,
		MarkScheme:    msPages,
		QPStart:       job.QuestionPaper.QuestionStartIndex,
		MSStart:       job.MarkScheme.QuestionStartIndex,
	}
	var res *align.Result
	var alignErr error
	for attempt := 0; ; attempt++ {
		job.IncrAttempts()
		res, alignErr = w.controller.Run(ctx, pair)
		job.SetResult(res)
		if alignErr == nil || !IsRetryable(alignErr) || attempt >= w.retries {
			break
		}
		wait := w.backoff(attempt)
		log.Warn("retryable alignment error", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(alignErr))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			alignErr = errors.Join(alignErr, ctx.Err())
		}
		if ctx.Err() != nil {
			break
		}
	}

	var questions []*document.Question
	if res != nil {
		questions = res.Questions
	}
	if alignErr != nil {
		log.Error("alignment failed", zap.Int("questions", len(questions)), zap.Error(alignErr))
		job.AddError(fmt.Sprintf("align: %s", alignErr))
		if len(questions) == 0 {
			job.SetStatus(StatusFailed, "aligning")
			return
		}
	}

	// Phase 3: Link diagrams
	job.SetStatus(StatusLinking, "linking")
	questions = media.Link(questions, qpPages, msPages)

	// Phase 4: Patch index
	job.SetStatus(StatusPatching, "patching")
	if err := w.index.Patch(job.QuestionPaper.ID, index.QuestionPaper, questions, time.Now()); err != nil {
		log.Warn("index patch skipped", zap.Error(err))
		job.AddError(fmt.Sprintf("patch: %s", err))
		job.SetStatus(StatusPartial, "patching")
		return
	}

	log.Info("exam aligned",
		zap.Int("questions", len(questions)),
		zap.Int("total_with_parts", document.Count(questions)),
		zap.Duration("elapsed", time.Since(start)))

	if alignErr != nil {
		job.SetStatus(StatusPartial, "done")
	} else {
		job.SetStatus(StatusCompleted, "done")
	}
}

func (w *Worker) record(ctx context.Context, job *Job, elapsed time.Duration, log *zap.Logger) {
	if w.ledger == nil {
		return
	}
	snap := job.Snapshot()
	o := checkpoint.Outcome{
		RunID:      snap.RunID,
		ExamID:     snap.ExamID,
		Status:     string(snap.Status),
		Questions:  snap.Progress.Questions,
		Attempts:   snap.Progress.Attempts,
		DurationMs: elapsed.Milliseconds(),
		FinishedAt: time.Now(),
	}
	if n := len(snap.Progress.Errors); n > 0 {
		o.Error = snap.Progress.Errors[n-1]
	}
	// The job context may already be cancelled; the ledger write should still land.
	if err := w.ledger.RecordOutcome(context.WithoutCancel(ctx), o); err != nil {
		log.Warn("outcome ledger write failed", zap.Error(err))
	}
}
