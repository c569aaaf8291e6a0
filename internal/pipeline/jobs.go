package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgallion1/markalign/internal/align"
	"github.com/dgallion1/markalign/internal/document"
	"github.com/dgallion1/markalign/internal/index"
)

// JobStatus represents the state of an exam alignment job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusLoading   JobStatus = "loading"
	StatusAligning  JobStatus = "aligning"
	StatusLinking   JobStatus = "linking"
	StatusPatching  JobStatus = "patching"
	StatusCompleted JobStatus = "completed"
	StatusPartial   JobStatus = "partial"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions follow.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusFailed
}

// Job tracks the alignment of one exam's question paper and mark scheme.
type Job struct {
	mu sync.Mutex

	ID     string `json:"job_id"`
	RunID  string `json:"run_id,omitempty"`
	ExamID string `json:"exam_id"`

	QuestionPaper index.Record `json:"-"`
	MarkScheme    index.Record `json:"-"`

	Status   JobStatus `json:"status"`
	Phase    string    `json:"phase"`
	Progress Progress  `json:"progress"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Internal: not serialized.
	questions []*document.Question
	errors    []string
	done      chan struct{}
}

// Progress tracks alignment progress.
type Progress struct {
	Attempts            int      `json:"attempts"`
	Iterations          int      `json:"iterations"`
	Expansions          int      `json:"expansions"`
	ExhaustedExpansions int      `json:"exhausted_expansions"`
	Questions           int      `json:"questions"`
	Errors              []string `json:"errors"`
}

// NewJob creates a queued job for an exam entry.
func NewJob(runID string, entry index.Entry) *Job {
	now := time.Now()
	return &Job{
		ID:            uuid.NewString(),
		RunID:         runID,
		ExamID:        entry.ExamID,
		QuestionPaper: entry.QuestionPaper,
		MarkScheme:    entry.MarkScheme,
		Status:        StatusQueued,
		Phase:         "queued",
		CreatedAt:     now,
		UpdatedAt:     now,
		done:          make(chan struct{}),
	}
}

// Done is closed once the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done == nil {
		j.done = make(chan struct{})
	}
	return j.done
}

// JobStore is a thread-safe in-memory job registry with TTL eviction.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
}

func NewJobStore(ttl time.Duration) *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
		ttl:  ttl,
	}
}

func (s *JobStore) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *JobStore) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// List returns snapshots of all jobs, newest first.
func (s *JobStore) List() []JobSnapshot {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]JobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out
}

// Cleanup removes expired jobs that have finished.
func (s *JobStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, job := range s.jobs {
		snap := job.Snapshot()
		if snap.Status.Terminal() && now.Sub(snap.UpdatedAt) > s.ttl {
			delete(s.jobs, id)
		}
	}
}

// SetStatus updates job status atomically.
func (j *Job) SetStatus(status JobStatus, phase string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
	j.Phase = phase
	j.UpdatedAt = time.Now()
	if status.Terminal() {
		if j.done == nil {
			j.done = make(chan struct{})
		}
		select {
		case <-j.done:
		default:
			close(j.done)
		}
	}
}

// AddError records an error.
func (j *Job) AddError(err string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errors = append(j.errors, err)
	j.Progress.Errors = j.errors
	j.UpdatedAt = time.Now()
}

// IncrAttempts counts one alignment attempt.
func (j *Job) IncrAttempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress.Attempts++
	j.UpdatedAt = time.Now()
	return j.Progress.Attempts
}

// SetResult records the controller's counters and accepted questions.
func (j *Job) SetResult(res *align.Result) {
	if res == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress.Iterations += res.Iterations
	j.Progress.Expansions += res.Expansions
	j.Progress.ExhaustedExpansions += res.ExhaustedExpansions
	j.Progress.Questions = document.Count(res.Questions)
	j.questions = res.Questions
	j.UpdatedAt = time.Now()
}

// Questions returns the accepted questions so far.
func (j *Job) Questions() []*document.Question {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.questions
}

// JobSnapshot is a read-only, JSON-safe copy of job state.
type JobSnapshot struct {
	ID              string    `json:"job_id"`
	RunID           string    `json:"run_id,omitempty"`
	ExamID          string    `json:"exam_id"`
	QuestionPaperID string    `json:"question_paper_id"`
	MarkSchemeID    string    `json:"mark_scheme_id"`
	Status          JobStatus `json:"status"`
	Phase           string    `json:"phase"`
	Progress        Progress  `json:"progress"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Snapshot returns a JSON-safe copy of the job state.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	errs := append([]string{}, j.Progress.Errors...)
	p := j.Progress
	p.Errors = errs
	return JobSnapshot{
		ID:              j.ID,
		RunID:           j.RunID,
		ExamID:          j.ExamID,
		QuestionPaperID: j.QuestionPaper.ID,
		MarkSchemeID:    j.MarkScheme.ID,
		Status:          j.Status,
		Phase:           j.Phase,
		Progress:        p,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}
