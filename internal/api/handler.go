package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/auth"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/gateway"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/ratelimit"
	"github.com/felipepmaragno/gemini-gateway/internal/session"
	"github.com/felipepmaragno/gemini-gateway/internal/upstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBytes = 10 << 20

type HandlerConfig struct {
	Gateway *gateway.Gateway
	Keys    *auth.KeySet
	// RateLimiter is consulted only when RateLimitRPM is positive.
	RateLimiter  ratelimit.RateLimiter
	RateLimitRPM int
	Holder       *upstream.Holder
	Checkers     []HealthChecker
	Version      string
}

type Handler struct {
	gateway      *gateway.Gateway
	keys         *auth.KeySet
	rateLimiter  ratelimit.RateLimiter
	rateLimitRPM int
	holder       *upstream.Holder
	version      string
	mux          *http.ServeMux
	handler      http.Handler
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		gateway:      cfg.Gateway,
		keys:         cfg.Keys,
		rateLimiter:  cfg.RateLimiter,
		rateLimitRPM: cfg.RateLimitRPM,
		holder:       cfg.Holder,
		version:      cfg.Version,
		mux:          http.NewServeMux(),
	}

	h.mux.Handle("POST /v1/chat/completions", h.requireAPIKey(http.HandlerFunc(h.handleChatCompletions)))
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /dashboard/billing/usage", h.handleBillingUsage)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, 5*time.Second, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	h.handler = withRequestContext(h.mux)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// requireAPIKey authenticates the caller and applies the per-caller rate
// limit before the wrapped handler runs.
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := loggerFrom(ctx)

		key, err := h.keys.Authenticate(r.Header.Get("Authorization"))
		switch {
		case errors.Is(err, auth.ErrMissingAuthorization):
			logger.WarnContext(ctx, "authorization header missing")
			writeError(w, failureMissingAuthorization)
			return
		case errors.Is(err, auth.ErrInvalidAuthorizationFormat):
			logger.WarnContext(ctx, "invalid authorization header format")
			writeError(w, failureInvalidAuthorization)
			return
		case err != nil:
			logger.WarnContext(ctx, "unauthorized API key")
			writeError(w, failureInvalidAPIKey)
			return
		}

		caller := session.Mask(key)
		logger = logger.With("caller", caller)
		logger.InfoContext(ctx, "API key validated")

		if h.rateLimiter != nil && h.rateLimitRPM > 0 {
			allowed, remaining, resetAt, err := h.rateLimiter.Allow(ctx, auth.Fingerprint(key), h.rateLimitRPM)
			if err != nil {
				logger.ErrorContext(ctx, "rate limiter error", "error", err)
				writeError(w, errorFor(fmt.Errorf("rate limiter: %w", err)))
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimitRPM))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

			if !allowed {
				logger.WarnContext(ctx, "rate limit exceeded")
				metrics.RecordRateLimitHit(caller)
				writeError(w, failureRateLimited)
				return
			}
		}

		ctx = auth.WithCaller(ctx, key)
		ctx = contextWithLogger(ctx, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := loggerFrom(ctx)
	key, _ := auth.CallerFromContext(ctx)

	var req domain.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		logger.WarnContext(ctx, "invalid request body", "error", err)
		writeError(w, invalidRequestBody(err))
		return
	}
	if param, err := req.Validate(); err != nil {
		logger.WarnContext(ctx, "invalid request parameter", "param", param, "error", err)
		writeError(w, invalidParameter(param, err))
		return
	}

	res, err := h.gateway.Complete(ctx, gateway.Request{
		CallerKey: key,
		RequestID: RequestIDFromContext(ctx),
		Chat:      &req,
	})
	if err != nil {
		writeError(w, errorFor(err))
		return
	}

	if req.Stream {
		h.streamResult(w, r, res)
		return
	}

	logger.InfoContext(ctx, "completion sent", "model", res.Model, "upstream_model", res.UpstreamModel.Name)
	writeJSON(w, http.StatusOK, res.Completion())
}

func (h *Handler) streamResult(w http.ResponseWriter, r *http.Request, res *gateway.Result) {
	ctx := r.Context()
	logger := loggerFrom(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errorFor(errors.New("streaming not supported")))
		return
	}

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	chunks := 0
	for frame := range res.Events() {
		if ctx.Err() != nil {
			logger.WarnContext(ctx, "client disconnected during stream", "chunks_sent", chunks)
			return
		}
		if _, err := w.Write(frame); err != nil {
			logger.WarnContext(ctx, "stream write failed", "error", err)
			return
		}
		flusher.Flush()
		chunks++
	}

	metrics.RecordStreamChunks(chunks - 1)
	logger.InfoContext(ctx, "stream completed", "model", res.Model, "chunks", chunks-1)
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := h.gateway.Models()
	loggerFrom(r.Context()).InfoContext(r.Context(), "listing models", "count", len(models))

	writeJSON(w, http.StatusOK, domain.ModelsResponse{
		Object: "list",
		Data:   models,
	})
}

// handleBillingUsage answers dashboards that poll OpenAI billing. There is
// no billing, so usage is always zero.
func (h *Handler) handleBillingUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	for _, param := range []string{"start_date", "end_date"} {
		if q.Get(param) == "" {
			writeError(w, invalidParameter(param, fmt.Errorf("%s is required", param)))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object":      "list",
		"daily_costs": []any{},
		"total_usage": 0,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	upstreamState := "not_initialized"
	if h.holder != nil && h.holder.Current() != nil {
		upstreamState = "initialized"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  h.version,
		"upstream": upstreamState,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
