package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/dgallion1/markalign/internal/align"
	"github.com/dgallion1/markalign/internal/checkpoint"
	"github.com/dgallion1/markalign/internal/config"
	"github.com/dgallion1/markalign/internal/extract"
	"github.com/dgallion1/markalign/internal/index"
	"github.com/dgallion1/markalign/internal/loader"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var firstPageRe = regexp.MustCompile(`--- page (\d+) ---`)

// pageOracle answers by advancing both cursors one page past the first page
// shown. Prompts containing BROKEN get prose; FLAKY fails once with a 429.
type pageOracle struct {
	mu    sync.Mutex
	flaky int
	calls int
}

func (o *pageOracle) Invoke(ctx context.Context, prompt string) (extract.Reply, error) {
	o.mu.Lock()
	o.calls++
	if strings.Contains(prompt, "FLAKY") && o.flaky == 0 {
		o.flaky++
		o.mu.Unlock()
		return extract.Reply{}, &extract.RetryableError{StatusCode: 429, Message: "slow down"}
	}
	o.mu.Unlock()

	if strings.Contains(prompt, "BROKEN") {
		return extract.Reply{Text: "Sorry, I cannot help with that."}, nil
	}
	cursor := 0
	if m := firstPageRe.FindStringSubmatch(prompt); m != nil {
		cursor, _ = strconv.Atoi(m[1])
	}
	return extract.Reply{Value: map[string]any{
		"questions": []any{map[string]any{
			"question_number": strconv.Itoa(cursor + 1),
			"question_text":   "Label the cell in ![Figure](cell.png)",
			"mark_scheme":     "nucleus (1)",
			"max_marks":       1,
		}},
		"next_question_paper_index": cursor + 1,
		"next_mark_scheme_index":    cursor + 1,
		"context_complete":          true,
	}}, nil
}

func (o *pageOracle) Model() string { return "pages" }

type memLedger struct {
	mu       sync.Mutex
	outcomes []checkpoint.Outcome
}

func (l *memLedger) RecordOutcome(_ context.Context, o checkpoint.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, o)
	return nil
}

type fixture struct {
	root   string
	index  *index.Store
	oracle *pageOracle
	ledger *memLedger
	worker *Worker
}

// newFixture writes one markdown question paper and mark scheme per exam.
// Exams listed in missing get index records but no files.
func newFixture(t *testing.T, exams map[string]string, missing ...string) *fixture {
	t.Helper()
	root := t.TempDir()
	h := &index.Hierarchy{Subjects: map[string]*index.Subject{
		"Biology": {Years: map[string]*index.Year{
			"2024": {Qualifications: map[string]*index.Qualification{
				"GCSE": {Exams: map[string]*index.Exam{}},
			}},
		}},
	}}
	examsNode := h.Subjects["Biology"].Years["2024"].Qualifications["GCSE"].Exams

	for id, qp := range exams {
		require.NoError(t, os.MkdirAll(filepath.Join(root, id), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, id, "qp.md"), []byte(qp), 0o644))
		ms := "<!-- page 0 -->\nMark scheme one\n<!-- page 1 -->\nMark scheme two\n<!-- page 2 -->\nMark scheme three"
		require.NoError(t, os.WriteFile(filepath.Join(root, id, "ms.md"), []byte(ms), 0o644))
	}
	for id := range exams {
		examsNode[id] = &index.Exam{
			QuestionPaper: &index.Record{ID: id + "-qp", ContentPath: id + "/qp.md"},
			MarkScheme:    &index.Record{ID: id + "-ms", ContentPath: id + "/ms.md"},
		}
	}
	for _, id := range missing {
		examsNode[id] = &index.Exam{
			QuestionPaper: &index.Record{ID: id + "-qp", ContentPath: id + "/qp.md"},
			MarkScheme:    &index.Record{ID: id + "-ms", ContentPath: id + "/ms.md"},
		}
	}

	log := zaptest.NewLogger(t)
	idx := index.New(h, log)
	oracle := &pageOracle{}
	ledger := &memLedger{}
	ctrl := align.NewController(oracle, align.Config{OracleTimeout: 5 * time.Second}, log)
	w := NewWorker(loader.NewStore(root, nil, log), idx, ctrl, log, 2).WithLedger(ledger)
	w.backoff = func(int) time.Duration { return 0 }

	return &fixture{root: root, index: idx, oracle: oracle, ledger: ledger, worker: w}
}

const twoPageQP = "<!-- page 0 -->\nQuestion one ![Figure](cell.png)\n<!-- page 1 -->\nQuestion two"

func (f *fixture) job(t *testing.T, examID string) *Job {
	t.Helper()
	e, err := f.index.Locate(examID+"-qp", index.QuestionPaper)
	require.NoError(t, err)
	return NewJob("run-test", e)
}

func TestWorker_ProcessCompleted(t *testing.T) {
	f := newFixture(t, map[string]string{"bio-1": twoPageQP})
	job := f.job(t, "bio-1")

	f.worker.Process(context.Background(), job)

	snap := job.Snapshot()
	require.Equal(t, StatusCompleted, snap.Status, "errors: %v", snap.Progress.Errors)
	assert.Equal(t, 2, snap.Progress.Questions)
	assert.Equal(t, 1, snap.Progress.Attempts)

	rec, err := f.index.Find("bio-1-qp", index.QuestionPaper)
	require.NoError(t, err)
	require.Len(t, rec.Questions, 2)
	require.NotNil(t, rec.ProcessedAt)
	require.Len(t, rec.Questions[0].MediaFiles, 1)
	assert.Equal(t, "cell.png", rec.Questions[0].MediaFiles[0].ID)

	require.Len(t, f.ledger.outcomes, 1)
	assert.Equal(t, "completed", f.ledger.outcomes[0].Status)
	assert.Equal(t, "run-test", f.ledger.outcomes[0].RunID)
}

func TestWorker_MissingContentFails(t *testing.T) {
	f := newFixture(t, nil, "ghost")
	job := f.job(t, "ghost")

	f.worker.Process(context.Background(), job)

	snap := job.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	require.NotEmpty(t, snap.Progress.Errors)
	assert.Contains(t, snap.Progress.Errors[0], loader.ErrContentNotFound.Error())
	assert.Equal(t, 0, f.oracle.calls)

	rec, err := f.index.Find("ghost-qp", index.QuestionPaper)
	require.NoError(t, err)
	assert.Nil(t, rec.ProcessedAt)
}

func TestWorker_RetriesTransientOracleFailure(t *testing.T) {
	f := newFixture(t, map[string]string{"bio-2": "<!-- page 0 -->\nFLAKY question"})
	job := f.job(t, "bio-2")

	f.worker.Process(context.Background(), job)

	snap := job.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status, "errors: %v", snap.Progress.Errors)
	assert.Equal(t, 2, snap.Progress.Attempts)
}

func TestWorker_ProtocolErrorKeepsPartialResults(t *testing.T) {
	qp := "<!-- page 0 -->\nQuestion one\n<!-- page 1 -->\nQuestion two\n<!-- page 2 -->\nBROKEN scan"
	f := newFixture(t, map[string]string{"bio-3": qp})
	job := f.job(t, "bio-3")

	f.worker.Process(context.Background(), job)

	snap := job.Snapshot()
	assert.Equal(t, StatusPartial, snap.Status)
	assert.Equal(t, 1, snap.Progress.Attempts, "protocol errors are not retried")

	rec, err := f.index.Find("bio-3-qp", index.QuestionPaper)
	require.NoError(t, err)
	assert.Len(t, rec.Questions, 1)
	assert.NotNil(t, rec.ProcessedAt)
}

func TestRunBatch_IsolatesFailures(t *testing.T) {
	f := newFixture(t, map[string]string{
		"bio-ok":     twoPageQP,
		"bio-broken": "<!-- page 0 -->\nBROKEN",
	}, "bio-missing")
	orch := NewOrchestrator(config.BatchConfig{Workers: 2}, f.worker, zaptest.NewLogger(t))

	entries := f.index.Entries(index.Filter{})
	require.Len(t, entries, 3)

	sum := orch.RunBatch(context.Background(), entries)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 2, sum.Failed)
	assert.False(t, sum.OK())
	require.Len(t, sum.Failures, 2)
	assert.NotEmpty(t, sum.RunID)

	failed := map[string]bool{}
	for _, fl := range sum.Failures {
		failed[fl.ExamID] = true
		assert.NotEmpty(t, fl.Reason)
	}
	assert.True(t, failed["bio-broken"])
	assert.True(t, failed["bio-missing"])

	rec, err := f.index.Find("bio-ok-qp", index.QuestionPaper)
	require.NoError(t, err)
	assert.Len(t, rec.Questions, 2)
	assert.Len(t, f.ledger.outcomes, 3)

	// Processed exams drop out of the next selection.
	assert.Len(t, f.index.Entries(index.Filter{}), 2)
}

func TestOrchestrator_SubmitAndWait(t *testing.T) {
	f := newFixture(t, map[string]string{"bio-q": twoPageQP})
	orch := NewOrchestrator(config.BatchConfig{Workers: 1, MaxQueue: 4}, f.worker, zaptest.NewLogger(t))
	orch.Start(context.Background())
	defer orch.Stop()

	job := f.job(t, "bio-q")
	require.NoError(t, orch.Submit(job))
	assert.Same(t, job, orch.GetJob(job.ID))

	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}
	assert.Equal(t, StatusCompleted, job.Snapshot().Status)
	assert.Len(t, orch.Jobs(), 1)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&extract.RetryableError{StatusCode: 503}))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(loader.ErrContentNotFound))
	assert.False(t, IsRetryable(&extract.ProtocolError{Reason: "bad"}))
}

func TestBackoff(t *testing.T) {
	for attempt := 0; attempt < 8; attempt++ {
		d := Backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 46*time.Second)
	}
}

// keyedCheckpoints keeps the latest state per key and every save in order.
type keyedCheckpoints struct {
	mu     sync.Mutex
	latest map[string]align.State
	saves  map[string][]align.State
}

func newKeyedCheckpoints() *keyedCheckpoints {
	return &keyedCheckpoints{latest: map[string]align.State{}, saves: map[string][]align.State{}}
}

func (k *keyedCheckpoints) SaveState(_ context.Context, key string, st align.State) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.latest[key] = st
	k.saves[key] = append(k.saves[key], st)
	return nil
}

func (k *keyedCheckpoints) LoadState(_ context.Context, key string) (align.State, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	st, ok := k.latest[key]
	return st, ok, nil
}

func (k *keyedCheckpoints) ClearState(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.latest, key)
	return nil
}

func TestWorker_CheckpointKeyIncludesMarkScheme(t *testing.T) {
	qp := "<!-- page 0 -->\nQuestion one\n<!-- page 1 -->\nQuestion two\n<!-- page 2 -->\nBROKEN scan"
	f := newFixture(t, map[string]string{"bio-6": qp})
	log := zaptest.NewLogger(t)
	cp := newKeyedCheckpoints()
	ctrl := align.NewController(f.oracle, align.Config{}, log).WithCheckpointer(cp)
	w := NewWorker(loader.NewStore(f.root, nil, log), f.index, ctrl, log, 0)

	first := f.job(t, "bio-6")
	w.Process(context.Background(), first)
	require.Equal(t, StatusPartial, first.Snapshot().Status)

	original := align.PairKey("bio-6", "bio-6-qp", "bio-6-ms")
	require.Contains(t, cp.latest, original)
	assert.Equal(t, 1, cp.latest[original].QPCursor)

	// Same exam against a different mark scheme starts from the beginning.
	override := f.job(t, "bio-6")
	override.MarkScheme = index.Record{ID: "bio-6-ms-v2", ContentPath: "bio-6/ms.md"}
	w.Process(context.Background(), override)

	overrideKey := align.PairKey("bio-6", "bio-6-qp", "bio-6-ms-v2")
	assert.NotEqual(t, original, overrideKey)
	require.NotEmpty(t, cp.saves[overrideKey])
	assert.Equal(t, 0, cp.saves[overrideKey][0].QPCursor)
	assert.Empty(t, cp.saves[overrideKey][0].Questions)

	// The original pair still resumes where it stopped.
	again := f.job(t, "bio-6")
	w.Process(context.Background(), again)
	saves := cp.saves[original]
	require.Len(t, saves, 3)
	assert.Equal(t, 1, saves[2].QPCursor)
	assert.Len(t, saves[2].Questions, 1)
}
