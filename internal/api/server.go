package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"upscale-worker/internal/models"
	"upscale-worker/internal/ratelimit"
	"upscale-worker/internal/store"
	"upscale-worker/internal/telemetry"
)

// Store is the part of the lease table producers touch.
type Store interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.Job, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// Limiter decides whether a producer may enqueue now.
type Limiter interface {
	Allow(ctx context.Context, producer string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	store   Store
	limiter Limiter
	log     *slog.Logger
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(st Store, limiter Limiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: st, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/prompts", s.handleEnqueue)
	r.Get("/prompts/{id}", s.handleGetJob)
	r.Get("/stats", s.handleStats)
	return r
}

type enqueueRequest struct {
	Prompt string `json:"prompt"`
	// Params is either a JSON object or a string holding one.
	Params   json.RawMessage `json:"params"`
	URL      string          `json:"url"`
	Selector string          `json:"selector"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	params, err := rawParams(req.Params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	producer := producerFromRequest(r)
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), producer)
		if err != nil {
			s.log.Error("rate limit check failed", "producer", producer, "err", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.store.Enqueue(r.Context(), store.EnqueueParams{
		Prompt:      req.Prompt,
		Params:      params,
		CallbackURL: req.URL,
		Selector:    req.Selector,
		SignalTS:    time.Now(),
	})
	if err != nil {
		s.log.Error("enqueue failed", "producer", producer, "err", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()
	s.log.Info("prompt enqueued", "job_id", job.ID, "producer", producer, "selector", job.Selector, "request_id", w.Header().Get("X-Request-ID"))

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, "stats failed", http.StatusInternalServerError)
		return
	}
	out := make(map[string]int64, len(models.Statuses))
	for _, st := range models.Statuses {
		out[string(st)] = counts[st]
	}
	writeJSON(w, http.StatusOK, out)
}

// rawParams normalizes the params field to the text stored in the params
// column.
func rawParams(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '{':
		return string(raw), nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", errors.New("invalid params")
		}
		return s, nil
	default:
		return "", errors.New("params must be an object or a string")
	}
}

func producerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Producer-ID"); v != "" {
		return v
	}
	return "default"
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
