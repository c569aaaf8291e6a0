package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgallion1/markalign/internal/config"
	"github.com/dgallion1/markalign/internal/extract"
	"github.com/dgallion1/markalign/internal/index"
	"github.com/dgallion1/markalign/internal/pipeline"
)

const testKey = "secret"

type nopOracle struct{}

func (nopOracle) Invoke(context.Context, string) (extract.Reply, error) {
	return extract.Reply{}, nil
}
func (nopOracle) Model() string { return "nop-model" }

func testIndex() *index.Store {
	return index.New(&index.Hierarchy{Subjects: map[string]*index.Subject{
		"Physics": {Years: map[string]*index.Year{
			"2021": {Qualifications: map[string]*index.Qualification{
				"GCSE": {Exams: map[string]*index.Exam{
					"phy-1": {
						QuestionPaper: &index.Record{ID: "qp-1", ContentPath: "phy/qp1.json"},
						MarkScheme:    &index.Record{ID: "ms-1", ContentPath: "phy/ms1.json"},
					},
					"phy-2": {
						QuestionPaper: &index.Record{ID: "qp-2", ContentPath: "phy/qp2.json"},
						MarkScheme:    &index.Record{ID: "ms-2", ContentPath: "phy/ms2.json"},
					},
				}},
			}},
		}},
	}}, nil)
}

func newTestServer(t *testing.T, oracle *extract.TimedOracle) (*Server, *index.Store) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.APIKey = testKey
	cfg.Index.OutputPath = filepath.Join(t.TempDir(), "snapshot.json")

	idx := testIndex()
	// Not started: submitted jobs stay queued.
	orch := pipeline.NewOrchestrator(config.BatchConfig{Workers: 1, MaxQueue: 10}, nil, zap.NewNop())
	return NewServer(orch, idx, oracle, zap.NewNop(), cfg), idx
}

func do(t *testing.T, s *Server, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthIsPublic(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/api/exams", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/exams", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAlignQueuesJob(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/align", map[string]string{"question_paper_id": "qp-1"}, true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "phy-1", body["exam_id"])
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)

	rec = do(t, s, http.MethodGet, "/api/align/"+jobID+"/status", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, "queued", status["status"])
	assert.Equal(t, "ms-1", status["mark_scheme_id"])
}

func TestAlignOverridesMarkScheme(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodPost, "/api/align",
		map[string]string{"question_paper_id": "qp-1", "mark_scheme_id": "ms-2"}, true)
	require.Equal(t, http.StatusAccepted, rec.Code)

	jobID := decode(t, rec)["job_id"].(string)
	status := decode(t, do(t, s, http.MethodGet, "/api/align/"+jobID+"/status", nil, true))
	assert.Equal(t, "ms-2", status["mark_scheme_id"])
}

func TestAlignErrors(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/align", map[string]string{}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/align", map[string]string{"question_paper_id": "nope"}, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/align",
		map[string]string{"question_paper_id": "qp-1", "mark_scheme_id": "nope"}, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/align/unknown/status", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchQueuesPendingExams(t *testing.T) {
	s, idx := newTestServer(t, nil)
	require.NoError(t, idx.Patch("qp-2", index.QuestionPaper, nil, time.Now()))

	rec := do(t, s, http.MethodPost, "/api/batch", nil, true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode(t, rec)["queued"])

	rec = do(t, s, http.MethodPost, "/api/batch", map[string]any{"force": true}, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["queued"])

	jobs := decode(t, do(t, s, http.MethodGet, "/api/jobs", nil, true))["jobs"].([]any)
	assert.Len(t, jobs, 3)
}

func TestListExams(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/api/exams?subject=Physics", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["count"])

	rec = do(t, s, http.MethodGet, "/api/exams?subject=Latin", nil, true)
	assert.EqualValues(t, 0, decode(t, rec)["count"])
}

func TestSnapshot(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodPost, "/api/index/snapshot", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	path := decode(t, rec)["path"].(string)
	assert.FileExists(t, path)
}

func TestLLMStats(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/api/stats/llm", nil, true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	timed := extract.WithStats(nopOracle{}, extract.NewLLMStats(time.Hour))
	_, err := timed.Invoke(context.Background(), "prompt")
	require.NoError(t, err)

	s, _ = newTestServer(t, timed)
	rec = do(t, s, http.MethodGet, "/api/stats/llm", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "nop-model", body["model"])
	assert.NotNil(t, body["stats"])
}
