package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/audit"
	"github.com/felipepmaragno/gemini-gateway/internal/auth"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/gateway"
	"github.com/felipepmaragno/gemini-gateway/internal/notifications"
	"github.com/felipepmaragno/gemini-gateway/internal/router"
	"github.com/felipepmaragno/gemini-gateway/internal/session"
	"github.com/felipepmaragno/gemini-gateway/internal/upstream"
	"github.com/felipepmaragno/gemini-gateway/internal/upstream/upstreamtest"
)

// MockRateLimiter implements ratelimit.RateLimiter for testing
type MockRateLimiter struct {
	AllowFunc func(ctx context.Context, callerID string, limit int) (bool, int, time.Time, error)
}

func (m *MockRateLimiter) Allow(ctx context.Context, callerID string, limit int) (bool, int, time.Time, error) {
	if m.AllowFunc != nil {
		return m.AllowFunc(ctx, callerID, limit)
	}
	return true, limit - 1, time.Now().Add(time.Minute), nil
}

// MockHealthChecker implements HealthChecker for testing
type MockHealthChecker struct {
	NameValue string
	CheckFunc func(ctx context.Context) error
}

func (m *MockHealthChecker) Name() string { return m.NameValue }

func (m *MockHealthChecker) Check(ctx context.Context) error {
	if m.CheckFunc != nil {
		return m.CheckFunc(ctx)
	}
	return nil
}

const testKey = "sk-test-key-1234"

type testEnv struct {
	handler *Handler
	holder  *upstream.Holder
	client  *upstreamtest.Client
}

func newTestEnv(t *testing.T, cfg HandlerConfig, send func(ctx context.Context, model upstream.Model, text string) (*upstream.Reply, error)) *testEnv {
	t.Helper()

	env := &testEnv{}
	env.holder = upstream.NewHolder(func(ctx context.Context) (upstream.Client, error) {
		c := upstreamtest.NewClient()
		c.SendFunc = send
		env.client = c
		return c, nil
	}, time.Second)

	r := router.New(map[string]string{"gpt-4": "gemini-2.5-pro", "gpt-3.5-turbo": "gemini-2.0-flash"}, "unspecified",
		func(name string) (upstream.Model, error) { return upstream.Model{Name: name}, nil })

	cfg.Gateway = gateway.New(r, env.holder, session.NewRegistry(session.Options{}), gateway.Options{
		Timeout:  time.Second,
		Recorder: audit.NewInMemoryRecorder(),
		Notifier: notifications.NewInMemoryNotifier(),
	})
	if cfg.Keys == nil {
		cfg.Keys = auth.NewKeySet([]string{testKey})
	}
	cfg.Holder = env.holder
	cfg.Version = "test"

	env.handler = NewHandler(cfg)
	return env
}

func (e *testEnv) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func bearer(key string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + key}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorDetail {
	t.Helper()
	var resp domain.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	return resp.Error
}

func TestChatCompletions_Auth(t *testing.T) {
	env := newTestEnv(t, HandlerConfig{}, nil)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`

	tests := []struct {
		name   string
		header map[string]string
		status int
		code   string
	}{
		{"missing header", nil, http.StatusUnauthorized, "missing_authorization_header"},
		{"bad format", map[string]string{"Authorization": "Token abc"}, http.StatusUnauthorized, "invalid_authorization_format"},
		{"unknown key", bearer("sk-nope"), http.StatusForbidden, "invalid_api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/v1/chat/completions", body, tt.header)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			detail := decodeError(t, rec)
			if detail.Code != tt.code || detail.Type != "authentication_error" {
				t.Errorf("error = %+v", detail)
			}
		})
	}
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	env := newTestEnv(t, HandlerConfig{}, func(ctx context.Context, model upstream.Model, text string) (*upstream.Reply, error) {
		return &upstream.Reply{Text: "Hello there friend"}, nil
	})

	rec := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"system","content":"Be kind"},{"role":"user","content":"hi you"}]}`,
		bearer(testKey))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be set")
	}

	var resp domain.ChatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "chat.completion" || resp.Model != "gpt-4" || !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Hello there friend" {
		t.Errorf("choices = %+v", resp.Choices)
	}
	if resp.Usage.PromptTokens != 2 || resp.Usage.CompletionTokens != 3 || resp.Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	sent := env.client.Conversations()[0].Sent()
	if len(sent) != 1 || sent[0] != "Be kind\n\nhi you" {
		t.Errorf("sent = %q", sent)
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	env := newTestEnv(t, HandlerConfig{}, func(ctx context.Context, model upstream.Model, text string) (*upstream.Reply, error) {
		return &upstream.Reply{Text: "alpha beta gamma"}, nil
	})

	rec := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`,
		bearer(testKey))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var (
		content strings.Builder
		ids     = map[string]bool{}
		finish  []string
		done    bool
	)
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			t.Fatalf("unexpected line %q", line)
		}
		if data == "[DONE]" {
			done = true
			continue
		}
		if done {
			t.Fatal("frame after [DONE]")
		}

		var chunk domain.StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", data, err)
		}
		ids[chunk.ID] = true
		content.WriteString(chunk.Choices[0].Delta.Content)
		if fr := chunk.Choices[0].FinishReason; fr != nil {
			finish = append(finish, *fr)
		}
	}

	if !done {
		t.Error("stream must end with [DONE]")
	}
	if content.String() != "alpha beta gamma" {
		t.Errorf("content = %q", content.String())
	}
	if len(ids) != 1 {
		t.Errorf("chunks carry %d ids, want 1", len(ids))
	}
	if len(finish) != 1 || finish[0] != "stop" {
		t.Errorf("finish reasons = %v", finish)
	}
}

func TestChatCompletions_InvalidRequests(t *testing.T) {
	env := newTestEnv(t, HandlerConfig{}, nil)

	tests := []struct {
		name  string
		body  string
		code  string
		param string
	}{
		{"not json", `{`, "invalid_request_body", ""},
		{"no messages", `{"model":"gpt-4","messages":[]}`, "missing_messages", "messages"},
		{"no usable prompt", `{"model":"gpt-4","messages":[{"role":"user","content":""}]}`, "invalid_prompt", "messages"},
		{"bad temperature", `{"model":"gpt-4","temperature":3,"messages":[{"role":"user","content":"hi"}]}`, "invalid_parameter", "temperature"},
		{"bad role", `{"model":"gpt-4","messages":[{"role":"robot","content":"hi"}]}`, "invalid_parameter", "messages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/v1/chat/completions", tt.body, bearer(testKey))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			detail := decodeError(t, rec)
			if detail.Code != tt.code || detail.Type != "invalid_request_error" {
				t.Errorf("error = %+v", detail)
			}
			gotParam := ""
			if detail.Param != nil {
				gotParam = *detail.Param
			}
			if gotParam != tt.param {
				t.Errorf("param = %q, want %q", gotParam, tt.param)
			}
		})
	}
}

func TestChatCompletions_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"auth", upstream.Errorf(upstream.KindAuth, "expired"), http.StatusUnauthorized, "gemini_auth_failure"},
		{"usage", upstream.Errorf(upstream.KindUsageLimit, "quota"), http.StatusTooManyRequests, "gemini_usage_limit"},
		{"model", upstream.Errorf(upstream.KindModelInvalid, "bad"), http.StatusBadRequest, "gemini_model_invalid"},
		{"blocked", upstream.Errorf(upstream.KindTemporarilyBlocked, "ip"), http.StatusTooManyRequests, "gemini_temporarily_blocked"},
		{"timeout", upstream.Errorf(upstream.KindTimeout, "slow"), http.StatusGatewayTimeout, "gemini_timeout"},
		{"protocol", upstream.Errorf(upstream.KindProtocol, "garbled"), http.StatusBadGateway, "gemini_library_error"},
		{"generic", upstream.Errorf(upstream.KindGeneric, "?"), http.StatusInternalServerError, "gemini_generic_error"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_proxy_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, HandlerConfig{}, func(ctx context.Context, model upstream.Model, text string) (*upstream.Reply, error) {
				return nil, tt.err
			})

			for _, stream := range []string{"false", "true"} {
				rec := env.do(http.MethodPost, "/v1/chat/completions",
					`{"model":"gpt-4","stream":`+stream+`,"messages":[{"role":"user","content":"hi"}]}`,
					bearer(testKey))
				if rec.Code != tt.status {
					t.Errorf("stream=%s status = %d, want %d", stream, rec.Code, tt.status)
				}
				if detail := decodeError(t, rec); detail.Code != tt.code {
					t.Errorf("stream=%s code = %q, want %q", stream, detail.Code, tt.code)
				}
			}
		})
	}
}

func TestChatCompletions_RateLimited(t *testing.T) {
	var seenID string
	limiter := &MockRateLimiter{
		AllowFunc: func(ctx context.Context, callerID string, limit int) (bool, int, time.Time, error) {
			seenID = callerID
			return false, 0, time.Now().Add(30 * time.Second), nil
		},
	}
	env := newTestEnv(t, HandlerConfig{RateLimiter: limiter, RateLimitRPM: 10}, nil)

	rec := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`, bearer(testKey))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != "rate_limit_exceeded" {
		t.Errorf("code = %q", detail.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "10" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("rate limit headers = %v", rec.Header())
	}
	if seenID != auth.Fingerprint(testKey) {
		t.Errorf("limiter saw %q, want the key fingerprint", seenID)
	}
	if env.holder.Current() != nil {
		t.Error("rate limited requests must not reach the upstream")
	}
}

func TestChatCompletions_RateLimitDisabled(t *testing.T) {
	limiter := &MockRateLimiter{
		AllowFunc: func(ctx context.Context, callerID string, limit int) (bool, int, time.Time, error) {
			t.Error("limiter must not be called when RPM is zero")
			return false, 0, time.Time{}, nil
		},
	}
	env := newTestEnv(t, HandlerConfig{RateLimiter: limiter}, nil)

	rec := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`, bearer(testKey))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, HandlerConfig{}, nil)

	rec := env.do(http.MethodGet, "/health/live", "", map[string]string{"X-Request-ID": "req-42"})
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
}

func TestListModels(t *testing.T) {
	env := newTestEnv(t, HandlerConfig{}, nil)

	rec := env.do(http.MethodGet, "/v1/models", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp domain.ModelsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "list" || len(resp.Data) != 2 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Data[0].ID != "gpt-3.5-turbo" || resp.Data[1].ID != "gpt-4" {
		t.Errorf("models = %+v", resp.Data)
	}
	if resp.Data[0].OwnedBy != "proxy-engine" {
		t.Errorf("owned_by = %q", resp.Data[0].OwnedBy)
	}
}

func TestBillingUsage(t *testing.T) {
	env := newTestEnv(t, HandlerConfig{}, nil)

	rec := env.do(http.MethodGet, "/dashboard/billing/usage?start_date=2026-01-01&end_date=2026-01-31", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["object"] != "list" || body["total_usage"] != float64(0) {
		t.Errorf("body = %v", body)
	}

	rec = env.do(http.MethodGet, "/dashboard/billing/usage?start_date=2026-01-01", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing end_date: status = %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, HandlerConfig{}, nil)

	rec := env.do(http.MethodGet, "/health", "", nil)
	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "ok" || body["upstream"] != "not_initialized" {
		t.Errorf("before init: %v", body)
	}

	if _, err := env.holder.Get(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec = env.do(http.MethodGet, "/health", "", nil)
	body = nil
	json.NewDecoder(rec.Body).Decode(&body)
	if body["upstream"] != "initialized" {
		t.Errorf("after init: %v", body)
	}
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []HealthChecker
		wantStatus int
		wantBody   string
	}{
		{"no checkers", nil, http.StatusOK, "ready"},
		{"all ok", []HealthChecker{&MockHealthChecker{NameValue: "redis"}}, http.StatusOK, "ready"},
		{
			"one failing",
			[]HealthChecker{
				&MockHealthChecker{NameValue: "redis"},
				&MockHealthChecker{NameValue: "postgres", CheckFunc: func(ctx context.Context) error { return errors.New("down") }},
			},
			http.StatusServiceUnavailable,
			"not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, HandlerConfig{Checkers: tt.checkers}, nil)

			rec := env.do(http.MethodGet, "/health/ready", "", nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var status HealthStatus
			json.NewDecoder(rec.Body).Decode(&status)
			if status.Status != tt.wantBody {
				t.Errorf("status = %q, want %q", status.Status, tt.wantBody)
			}
			if len(status.Checks) != len(tt.checkers) {
				t.Errorf("checks = %v", status.Checks)
			}
		})
	}
}

func TestUpstreamHealthChecker(t *testing.T) {
	holder := upstream.NewHolder(func(ctx context.Context) (upstream.Client, error) {
		return upstreamtest.NewClient(), nil
	}, time.Second)
	checker := NewUpstreamHealthChecker(holder)

	if checker.Check(context.Background()) == nil {
		t.Error("expected error before initialisation")
	}
	if holder.Current() != nil {
		t.Error("Check must not initialise the client")
	}

	holder.Get(context.Background())
	if err := checker.Check(context.Background()); err != nil {
		t.Errorf("Check() after init error = %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, HandlerConfig{}, nil)

	rec := env.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
