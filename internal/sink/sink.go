// Package sink is a local stand-in for the notification endpoint. It records
// every notification id it sees and flags redeliveries.
package sink

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const contentType = "application/json"

type Response struct {
	Success bool `json:"success"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Stats struct {
	Calls      map[string]int `json:"calls"`
	Duplicates []string       `json:"duplicates"`
}

type Sink struct {
	mu         sync.Mutex
	seen       map[string]bool
	duplicates map[string]bool
	calls      map[string]int
	errorRate  float64
	maxDelay   time.Duration
	logger     *slog.Logger
}

func New(errorRate float64, maxDelay time.Duration, logger *slog.Logger) *Sink {
	return &Sink{
		seen:       make(map[string]bool),
		duplicates: make(map[string]bool),
		calls:      make(map[string]int),
		errorRate:  errorRate,
		maxDelay:   maxDelay,
		logger:     logger,
	}
}

func (s *Sink) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/stats", s.stats)

	r.Group(func(r chi.Router) {
		r.Use(s.record)
		r.Post("/always-success", s.alwaysSuccess)
		r.Post("/success-delayed", s.successDelayed)
		r.Post("/always-fail", s.alwaysFail)
		r.Post("/random-fail", s.randomFail)
	})
	return r
}

// record logs the request and tracks notification ids across calls.
func (s *Sink) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.logger.ErrorContext(r.Context(), "Error reading request body", "error", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var n struct {
			ID    string `json:"id"`
			Event string `json:"event"`
			Role  string `json:"role"`
		}
		_ = json.Unmarshal(body, &n)

		s.mu.Lock()
		s.calls[r.URL.Path]++
		duplicate := false
		if n.ID != "" {
			duplicate = s.seen[n.ID]
			s.seen[n.ID] = true
			if duplicate {
				s.duplicates[n.ID] = true
			}
		}
		s.mu.Unlock()

		s.logger.InfoContext(r.Context(), "Notification received",
			"path", r.URL.Path, "id", n.ID, "event", n.Event, "role", n.Role, "duplicate", duplicate)
		next.ServeHTTP(w, r)
	})
}

func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Calls: make(map[string]int, len(s.calls)), Duplicates: []string{}}
	for path, n := range s.calls {
		stats.Calls[path] = n
	}
	for id := range s.duplicates {
		stats.Duplicates = append(stats.Duplicates, id)
	}
	return stats
}

func (s *Sink) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

func (s *Sink) alwaysSuccess(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func (s *Sink) successDelayed(w http.ResponseWriter, r *http.Request) {
	if s.maxDelay > 0 {
		select {
		case <-time.After(time.Duration(rand.Int64N(int64(s.maxDelay)))):
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func (s *Sink) alwaysFail(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error"})
}

func (s *Sink) randomFail(w http.ResponseWriter, _ *http.Request) {
	if rand.Float64() < s.errorRate {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error"})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
