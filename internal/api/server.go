// Package api serves the control-plane HTTP surface: scan initiation,
// status and results queries, and queue administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/gsasthq/gsastd/internal/config"
	"github.com/gsasthq/gsastd/internal/gitauth"
	"github.com/gsasthq/gsastd/internal/plugin"
	"github.com/gsasthq/gsastd/internal/repos"
	"github.com/gsasthq/gsastd/internal/results"
	"github.com/gsasthq/gsastd/internal/rules"
	"github.com/gsasthq/gsastd/internal/scan"
	"github.com/gsasthq/gsastd/internal/scanconfig"
	"github.com/gsasthq/gsastd/internal/store"
)

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Server struct {
	cfg         *config.Config
	store       *store.Store
	coordinator *scan.Coordinator
	results     *results.Store

	rateLimitMu  sync.Mutex
	rateLimiters map[string]*rateLimiterEntry
}

func NewServer(cfg *config.Config, st *store.Store, coordinator *scan.Coordinator, res *results.Store) *Server {
	return &Server{
		cfg:          cfg,
		store:        st,
		coordinator:  coordinator,
		results:      res,
		rateLimiters: make(map[string]*rateLimiterEntry),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.rateLimitMiddleware).Post("/scan", s.handleScan)
		r.Get("/scan/{scanID}/status", s.handleScanStatus)
		r.Get("/scan/{scanID}/results", s.handleScanResults)

		r.Get("/queue/scans", s.handleListScans)
		r.Get("/queue/projects", s.handleListProjects)
		r.Delete("/queue/cleanup", s.handleCleanupQueues)
		r.Delete("/queue/projects", s.handleCleanupProjects)
	})

	return r
}

type scanRequest struct {
	Config    json.RawMessage `json:"config"`
	RuleFiles []struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	} `json:"rule_files"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Config) == 0 {
		writeError(w, http.StatusBadRequest, "config is required")
		return
	}

	cfg, err := scanconfig.Parse(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ruleFiles := make([]plugin.RuleFile, 0, len(req.RuleFiles))
	for _, f := range req.RuleFiles {
		if err := rules.ValidateRuleFile(f.Name); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ruleFiles = append(ruleFiles, plugin.RuleFile{
			Name:    f.Name,
			Content: []byte(f.Content),
		})
	}

	scanID, err := s.coordinator.Initiate(r.Context(), cfg, ruleFiles)
	if err != nil {
		switch {
		case errors.Is(err, scan.ErrRuleFilesRequired):
			writeError(w, http.StatusBadRequest, "Rule files are required")
		case errors.Is(err, gitauth.ErrMissingToken), errors.Is(err, plugin.ErrUnknownPlugin):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"scan_id": scanID})
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")
	status, err := s.coordinator.GetStatus(r.Context(), scanID)
	if err != nil {
		if errors.Is(err, scan.ErrScanNotFound) {
			writeError(w, http.StatusNotFound, "Scan not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleScanResults(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")
	projectFilter := r.URL.Query().Get("project")
	scannerFilter := r.URL.Query().Get("scan")
	pathQuery := r.URL.Query().Get("query")

	envelope, err := s.results.Get(r.Context(), scanID, projectFilter, scannerFilter, pathQuery)
	if err != nil {
		if errors.Is(err, results.ErrNoProjects) {
			writeError(w, http.StatusNotFound, "No results found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := map[string]interface{}{
		"scan_id":  envelope.ScanID,
		"projects": envelope.Projects,
	}
	if projectFilter != "" || scannerFilter != "" || pathQuery != "" {
		response["filters_applied"] = map[string]string{
			"project": projectFilter,
			"scan":    scannerFilter,
			"query":   pathQuery,
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.coordinator.ListScans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if scans == nil {
		scans = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scans": scans})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	keys, err := repos.CacheKeys(r.Context(), s.store.Projects())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": keys})
}

func (s *Server) handleCleanupQueues(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.CleanupQueues(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Queues cleaned up successfully"})
}

func (s *Server) handleCleanupProjects(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.CleanupProjects(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Projects cache cleaned up successfully"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
