package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dgallion1/markalign/internal/index"
)

func (s *Server) handleListExams(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	all, _ := strconv.ParseBool(q.Get("all"))
	entries := s.index.Entries(index.Filter{
		Subject:          q.Get("subject"),
		Year:             q.Get("year"),
		Qualification:    q.Get("qualification"),
		IncludeProcessed: all,
	})

	exams := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		exams = append(exams, map[string]any{
			"exam_id":           e.ExamID,
			"subject":           e.Subject,
			"year":              e.Year,
			"qualification":     e.Qualification,
			"question_paper_id": e.QuestionPaper.ID,
			"mark_scheme_id":    e.MarkScheme.ID,
			"questions":         len(e.QuestionPaper.Questions),
			"processed_at":      e.QuestionPaper.ProcessedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"exams": exams, "count": len(exams)})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	path, err := s.index.Snapshot(s.cfg.Index.OutputPath, time.Now())
	if err != nil {
		s.log.Error("index snapshot failed", zap.Error(err))
		jsonError(w, "snapshot failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "records": s.index.Len()})
}
