package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dgallion1/markalign/internal/config"
	"github.com/dgallion1/markalign/internal/extract"
	"github.com/dgallion1/markalign/internal/index"
	"github.com/dgallion1/markalign/internal/pipeline"
)

// Server is the HTTP API server for markalign.
type Server struct {
	router       chi.Router
	orchestrator *pipeline.Orchestrator
	index        *index.Store
	oracle       *extract.TimedOracle
	log          *zap.Logger
	cfg          config.Config
}

// NewServer creates and configures the HTTP server. oracle may be nil, in
// which case the stats endpoint reports unavailable.
func NewServer(orch *pipeline.Orchestrator, idx *index.Store, oracle *extract.TimedOracle, log *zap.Logger, cfg config.Config) *Server {
	s := &Server{
		orchestrator: orch,
		index:        idx,
		oracle:       oracle,
		log:          log,
		cfg:          cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.Server.APIKey, s.log))

		r.Post("/api/align", s.handleAlign)
		r.Get("/api/align/{jobID}/status", s.handleAlignStatus)
		r.Get("/api/jobs", s.handleListJobs)
		r.Post("/api/batch", s.handleBatch)
		r.Get("/api/exams", s.handleListExams)
		r.Post("/api/index/snapshot", s.handleSnapshot)
		r.Get("/api/stats/llm", s.handleLLMStats)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": s.orchestrator.QueueDepth(),
		"records":     s.index.Len(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
