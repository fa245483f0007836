package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/event"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/logcontext"
	appmetrics "github.com/suaiden-dev/matriculausa-mvp-sub015/internal/metrics"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/reconcile"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/webhook"
)

const signatureHeader = "Stripe-Signature"

type WebhookHandler interface {
	Handle(ctx context.Context, body []byte, signature string) (reconcile.Result, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type response struct {
	Received bool                     `json:"received"`
	Outcome  reconcile.Outcome        `json:"outcome,omitempty"`
	Reason   string                   `json:"reason,omitempty"`
	Effects  []reconcile.EffectResult `json:"effects,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

func requestCounter(status int) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`webhook_requests_total{status="%d"}`, status))
}

func NewRouter(handler WebhookHandler, pinger Pinger, maxBodyBytes int64, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readiness", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			logger.ErrorContext(ctx, "Readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", appmetrics.Handler())
	r.Post("/webhooks/stripe", webhookHandler(handler, maxBodyBytes, logger))

	return r
}

func webhookHandler(handler WebhookHandler, maxBodyBytes int64, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()

		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, response{Error: "payload too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, response{Error: "unreadable body"})
			return
		}

		result, err := handler.Handle(ctx, body, req.Header.Get(signatureHeader))
		switch {
		case errors.Is(err, webhook.ErrMalformedSignature), errors.Is(err, webhook.ErrSignatureMismatch):
			writeJSON(w, http.StatusBadRequest, response{Error: "invalid signature"})
		case errors.Is(err, event.ErrMalformedPayload):
			writeJSON(w, http.StatusBadRequest, response{Error: "invalid payload"})
		case err != nil:
			logger.ErrorContext(ctx, "Webhook handling failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, response{Outcome: result.Outcome, Error: "reconciliation failed"})
		default:
			writeJSON(w, http.StatusOK, response{
				Received: true,
				Outcome:  result.Outcome,
				Reason:   result.Reason,
				Effects:  result.Effects,
			})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	requestCounter(status).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := logcontext.AppendCtx(r.Context(), slog.String("requestId", middleware.GetReqID(r.Context())))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			logger.InfoContext(ctx, "Handled request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"durationMs", time.Since(start).Milliseconds())
		})
	}
}
