package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dgallion1/markalign/internal/index"
	"github.com/dgallion1/markalign/internal/pipeline"
)

type alignRequest struct {
	QuestionPaperID string `json:"question_paper_id"`
	MarkSchemeID    string `json:"mark_scheme_id"`
}

func (s *Server) handleAlign(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)

	var req alignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.QuestionPaperID == "" {
		jsonError(w, "question_paper_id is required", http.StatusBadRequest)
		return
	}

	entry, err := s.index.Locate(req.QuestionPaperID, index.QuestionPaper)
	if err != nil {
		jsonError(w, fmt.Sprintf("question paper %s not in index", req.QuestionPaperID), http.StatusNotFound)
		return
	}
	if req.MarkSchemeID != "" && req.MarkSchemeID != entry.MarkScheme.ID {
		ms, err := s.index.Find(req.MarkSchemeID, index.MarkScheme)
		if err != nil {
			jsonError(w, fmt.Sprintf("mark scheme %s not in index", req.MarkSchemeID), http.StatusNotFound)
			return
		}
		entry.MarkScheme = ms
	}
	if entry.MarkScheme.ID == "" {
		jsonError(w, "exam has no mark scheme; pass mark_scheme_id", http.StatusBadRequest)
		return
	}

	job := pipeline.NewJob("", entry)
	if err := s.orchestrator.Submit(job); err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Info("alignment job queued",
		zap.String("job_id", job.ID),
		zap.String("exam", entry.ExamID))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   job.ID,
		"exam_id":  job.ExamID,
		"status":   pipeline.StatusQueued,
		"poll_url": fmt.Sprintf("/api/align/%s/status", job.ID),
	})
}

func (s *Server) handleAlignStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job := s.orchestrator.GetJob(jobID)
	if job == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.orchestrator.Jobs()})
}

type batchRequest struct {
	Subject       string `json:"subject"`
	Year          string `json:"year"`
	Qualification string `json:"qualification"`
	Force         bool   `json:"force"`
}

// handleBatch queues every pending exam matching the filter.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}

	entries := s.index.Entries(index.Filter{
		Subject:          req.Subject,
		Year:             req.Year,
		Qualification:    req.Qualification,
		IncludeProcessed: req.Force,
	})

	results := make([]map[string]any, 0, len(entries))
	queued := 0
	for _, e := range entries {
		job := pipeline.NewJob("", e)
		if err := s.orchestrator.Submit(job); err != nil {
			results = append(results, map[string]any{
				"exam_id": e.ExamID,
				"error":   err.Error(),
			})
			continue
		}
		queued++
		results = append(results, map[string]any{
			"exam_id":  e.ExamID,
			"job_id":   job.ID,
			"poll_url": fmt.Sprintf("/api/align/%s/status", job.ID),
		})
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued": queued,
		"jobs":   results,
	})
}
