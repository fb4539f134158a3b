package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"compute-queue/internal/config"
	"compute-queue/internal/jobs"
	"compute-queue/internal/models"
	"compute-queue/internal/telemetry"
)

const maxBodyBytes = 64 << 20

// Limiter throttles submissions per owner.
type Limiter interface {
	Allow(ctx context.Context, owner string) (bool, float64, error)
}

// Server wires HTTP handlers for the job API.
type Server struct {
	cfg     config.Config
	jobs    *jobs.Manager
	limiter Limiter
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, manager *jobs.Manager, limiter Limiter) *Server {
	return &Server{
		cfg:     cfg,
		jobs:    manager,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if s.cfg.MetricsAddr == "" {
		r.Mount("/metrics", telemetry.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleList)
		r.Get("/job/{id}", s.handleGetJob)
		r.Get("/job/{id}/status", s.handleStatus)
		r.Get("/job/{id}/result/{artifact}", s.handleResult)
	})
	return r
}

// SubmitRequest is the body of POST /api/jobs.
type SubmitRequest struct {
	Label          string `json:"label"`
	PrimaryInput   string `json:"primaryInput"`
	SecondaryInput string `json:"secondaryInput"`
	AuxiliarySpec  string `json:"auxiliarySpec"`
	Email          string `json:"email"`
	Hidden         bool   `json:"hidden"`
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type messageResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "invalid json"})
		return
	}
	owner := ownerFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), owner)
		if err != nil {
			log.Printf("rate limit owner=%s: %v", owner, err)
			writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "rate limit error"})
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, messageResponse{Message: "rate limited"})
			return
		}
	}

	job := s.jobs.CreateJob(models.Submission{
		OwnerID:       owner,
		Label:         req.Label,
		NotifyAddress: req.Email,
		Hidden:        req.Hidden,
		Inputs: models.Inputs{
			Primary:       req.PrimaryInput,
			Secondary:     req.SecondaryInput,
			AuxiliarySpec: req.AuxiliarySpec,
		},
	})
	switch msg := s.jobs.Submit(job); msg {
	case "":
		writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID})
	case jobs.MessageTooManyJobs:
		writeJSON(w, http.StatusTooManyRequests, messageResponse{Message: msg})
	case jobs.MessageShuttingDown:
		writeJSON(w, http.StatusServiceUnavailable, messageResponse{Message: msg})
	default:
		writeJSON(w, http.StatusUnprocessableEntity, messageResponse{Message: msg, JobID: job.ID})
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	views := s.jobs.ListPublicJobs()
	if views == nil {
		views = []models.View{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: jobs.StatusNotFound})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.jobs.Status(chi.URLParam(r, "id"))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if status == jobs.StatusNotFound {
		w.WriteHeader(http.StatusNotFound)
	}
	_, _ = w.Write([]byte(status))
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var (
		body     string
		filename string
		err      error
	)
	switch chi.URLParam(r, "artifact") {
	case "primary":
		body, err = s.jobs.PrimaryResult(r.Context(), id)
		filename = s.cfg.OutputPrimaryFilename
	case "secondary":
		body, err = s.jobs.SecondaryResult(r.Context(), id)
		filename = s.cfg.OutputSecondaryFilename
	default:
		writeJSON(w, http.StatusNotFound, messageResponse{Message: "unknown artifact"})
		return
	}
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, messageResponse{Message: jobs.StatusNotFound})
		return
	case err != nil:
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: err.Error()})
		return
	}

	label := "unnamed"
	if job, ok := s.jobs.Lookup(id); ok {
		label = job.Label
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName(label, filename)))
	_, _ = w.Write([]byte(body))
}

// downloadName renders "<label>-result.<ext>" with the extension of the output file.
func downloadName(label, output string) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '"' || r < 0x20 {
			return '_'
		}
		return r
	}, label)
	return safe + "-result" + filepath.Ext(output)
}

// ownerFromRequest identifies the submitter by the first forwarded address,
// falling back to the peer address.
func ownerFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
