package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgallion1/markalign/internal/config"
	"github.com/dgallion1/markalign/internal/index"
)

// Orchestrator runs alignment jobs: queued one at a time from the API, or as
// a bounded-parallel batch over index entries.
type Orchestrator struct {
	jobs   *JobStore
	queue  chan *Job
	worker *Worker
	log    *zap.Logger
	cfg    config.BatchConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates the pipeline. Call Start before Submit.
func NewOrchestrator(cfg config.BatchConfig, worker *Worker, log *zap.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 100
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		jobs:   NewJobStore(cfg.JobTTL),
		queue:  make(chan *Job, cfg.MaxQueue),
		worker: worker,
		log:    log,
		cfg:    cfg,
	}
}

// Start launches worker goroutines.
func (o *Orchestrator) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for range o.cfg.Workers {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case job, ok := <-o.queue:
					if !ok {
						return
					}
					o.worker.Process(workerCtx, job)
				}
			}
		}()
	}

	// Start job store cleanup.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				o.jobs.Cleanup()
			}
		}
	}()
}

// Stop gracefully shuts down the pipeline.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	close(o.queue)
	o.wg.Wait()
}

// Submit queues a new job for processing.
func (o *Orchestrator) Submit(job *Job) error {
	o.jobs.Put(job)
	select {
	case o.queue <- job:
		return nil
	default:
		job.AddError("queue full")
		job.SetStatus(StatusFailed, "queue_full")
		return fmt.Errorf("job queue is full (%d)", o.cfg.MaxQueue)
	}
}

// GetJob returns a job by ID.
func (o *Orchestrator) GetJob(id string) *Job {
	return o.jobs.Get(id)
}

// Jobs lists all tracked jobs.
func (o *Orchestrator) Jobs() []JobSnapshot {
	return o.jobs.List()
}

// QueueDepth returns current queue depth.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// Failure names one exam that did not complete and why.
type Failure struct {
	ExamID string `json:"exam_id"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Summary aggregates one batch run.
type Summary struct {
	RunID     string        `json:"run_id"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Partial   int           `json:"partial"`
	Failed    int           `json:"failed"`
	Questions int           `json:"questions"`
	Failures  []Failure     `json:"failures,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// OK reports whether every exam completed.
func (s Summary) OK() bool { return s.Partial == 0 && s.Failed == 0 }

// RunBatch aligns every entry with at most cfg.Workers exams in flight. Each
// exam's failure is contained in its own job; the batch always runs to the
// end unless ctx is cancelled.
func (o *Orchestrator) RunBatch(ctx context.Context, entries []index.Entry) Summary {
	start := time.Now()
	runID := uuid.NewString()
	log := o.log.With(zap.String("run_id", runID))
	log.Info("batch started", zap.Int("exams", len(entries)), zap.Int("workers", o.cfg.Workers))

	jobs := make([]*Job, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i, entry := range entries {
		job := NewJob(runID, entry)
		jobs[i] = job
		o.jobs.Put(job)
		g.Go(func() error {
			o.worker.Process(gctx, job)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{RunID: runID, Total: len(jobs)}
	for _, job := range jobs {
		snap := job.Snapshot()
		sum.Questions += snap.Progress.Questions
		switch snap.Status {
		case StatusCompleted:
			sum.Completed++
			continue
		case StatusPartial:
			sum.Partial++
		default:
			sum.Failed++
		}
		reason := "cancelled"
		if n := len(snap.Progress.Errors); n > 0 {
			reason = snap.Progress.Errors[n-1]
		}
		sum.Failures = append(sum.Failures, Failure{ExamID: snap.ExamID, Status: string(snap.Status), Reason: reason})
	}
	sum.Elapsed = time.Since(start)

	log.Info("batch finished",
		zap.Int("completed", sum.Completed),
		zap.Int("partial", sum.Partial),
		zap.Int("failed", sum.Failed),
		zap.Duration("elapsed", sum.Elapsed))
	return sum
}
