package webchat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/upstream"
)

type fakeGemini struct {
	t        *testing.T
	token    string
	page     string
	status   int
	generate func(w http.ResponseWriter, r *http.Request)

	mu       sync.Mutex
	requests []generateRequest
}

type generateRequest struct {
	token    string
	prompt   string
	metadata json.RawMessage
	header   string
}

func (f *fakeGemini) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(cookiePSID); err != nil || c.Value != "psid" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch r.URL.Path {
	case initPath:
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		io.WriteString(w, f.page)
	case generatePath:
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var outer []any
		_ = json.Unmarshal([]byte(r.PostForm.Get("f.req")), &outer)
		var inner []json.RawMessage
		_ = json.Unmarshal([]byte(outer[1].(string)), &inner)
		var prompt []string
		_ = json.Unmarshal(inner[0], &prompt)

		f.mu.Lock()
		f.requests = append(f.requests, generateRequest{
			token:    r.PostForm.Get("at"),
			prompt:   prompt[0],
			metadata: inner[2],
			header:   r.Header.Get(modelHeader),
		})
		f.mu.Unlock()

		if r.PostForm.Get("at") != f.token {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		f.generate(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeGemini) lastRequest() generateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, fake *fakeGemini) *Client {
	t.Helper()

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, PSID: "psid", PSIDTS: "psidts"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_InitAndSend(t *testing.T) {
	fake := &fakeGemini{t: t, token: "tok-1", page: `{"SNlM0e":"tok-1"}`}
	fake.generate = func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, replyBody(t, "hi back"))
	}
	c := newTestClient(t, fake)
	ctx := context.Background()

	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	conv := c.StartConversation(Pro25, nil)
	reply, err := conv.Send(ctx, "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if reply.Text != "hi back" {
		t.Errorf("Text = %q, want %q", reply.Text, "hi back")
	}

	first := fake.lastRequest()
	if first.prompt != "hello" || first.token != "tok-1" {
		t.Errorf("request = %+v", first)
	}
	if string(first.metadata) != "null" {
		t.Errorf("first request metadata = %s, want null", first.metadata)
	}
	if first.header != Pro25.Header[modelHeader] {
		t.Errorf("model header = %q", first.header)
	}

	meta := conv.Metadata()
	if len(meta) != 3 || meta[0] != "c_1" || meta[1] != "r_1" || meta[2] != "rc_1" {
		t.Fatalf("Metadata() = %v", meta)
	}

	if _, err := conv.Send(ctx, "again"); err != nil {
		t.Fatal(err)
	}
	if got := string(fake.lastRequest().metadata); got != `["c_1","r_1","rc_1"]` {
		t.Errorf("second request metadata = %s", got)
	}
}

func TestClient_ContinueFromMetadata(t *testing.T) {
	fake := &fakeGemini{t: t, token: "tok", page: `"SNlM0e":"tok"`}
	fake.generate = func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, replyBody(t, "ok"))
	}
	c := newTestClient(t, fake)
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatal(err)
	}

	conv := c.StartConversation(upstream.Unspecified, []string{"c_9", "r_9", "rc_9"})
	if _, err := conv.Send(ctx, "hi"); err != nil {
		t.Fatal(err)
	}

	req := fake.lastRequest()
	if string(req.metadata) != `["c_9","r_9","rc_9"]` {
		t.Errorf("metadata = %s", req.metadata)
	}
	if req.header != "" {
		t.Errorf("unspecified model sent header %q", req.header)
	}
}

func TestClient_InitFailures(t *testing.T) {
	tests := []struct {
		name string
		page string
		code int
		kind upstream.Kind
	}{
		{"no token", "<html>please sign in</html>", 0, upstream.KindAuth},
		{"forbidden", "", http.StatusForbidden, upstream.KindAuth},
		{"server error", "", http.StatusInternalServerError, upstream.KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &fakeGemini{t: t, page: tt.page, status: tt.code})
			err := c.Init(context.Background())
			if got := upstream.KindOf(err); got != tt.kind {
				t.Errorf("KindOf(%v) = %v, want %v", err, got, tt.kind)
			}
		})
	}
}

func TestClient_SendBeforeInit(t *testing.T) {
	c := newTestClient(t, &fakeGemini{t: t})

	_, err := c.StartConversation(Flash25, nil).Send(context.Background(), "hi")
	if upstream.KindOf(err) != upstream.KindAuth {
		t.Errorf("expected auth error, got %v", err)
	}
}

func TestClient_SendErrors(t *testing.T) {
	tests := []struct {
		name     string
		generate func(t *testing.T) func(w http.ResponseWriter, r *http.Request)
		kind     upstream.Kind
	}{
		{
			name: "usage limit",
			generate: func(t *testing.T) func(w http.ResponseWriter, r *http.Request) {
				return func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, errorBody(t, 1037)) }
			},
			kind: upstream.KindUsageLimit,
		},
		{
			name: "garbage",
			generate: func(t *testing.T) func(w http.ResponseWriter, r *http.Request) {
				return func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "<html>oops</html>") }
			},
			kind: upstream.KindProtocol,
		},
		{
			name: "bad gateway",
			generate: func(t *testing.T) func(w http.ResponseWriter, r *http.Request) {
				return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }
			},
			kind: upstream.KindTransport,
		},
		{
			name: "unauthorized",
			generate: func(t *testing.T) func(w http.ResponseWriter, r *http.Request) {
				return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) }
			},
			kind: upstream.KindAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeGemini{t: t, token: "tok", page: `"SNlM0e":"tok"`, generate: tt.generate(t)}
			c := newTestClient(t, fake)
			ctx := context.Background()
			if err := c.Init(ctx); err != nil {
				t.Fatal(err)
			}

			conv := c.StartConversation(Flash25, nil)
			_, err := conv.Send(ctx, "hi")
			if got := upstream.KindOf(err); got != tt.kind {
				t.Errorf("KindOf(%v) = %v, want %v", err, got, tt.kind)
			}
			if meta := conv.Metadata(); meta[0] != "" {
				t.Errorf("failed send must not change metadata, got %v", meta)
			}
		})
	}
}

func TestClient_SendTimeout(t *testing.T) {
	fake := &fakeGemini{t: t, token: "tok", page: `"SNlM0e":"tok"`}
	fake.generate = func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}
	c := newTestClient(t, fake)
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.StartConversation(Flash25, nil).Send(ctx, "hi")
	if upstream.KindOf(err) != upstream.KindTimeout {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestNew_RequiresPSID(t *testing.T) {
	_, err := New(Config{})
	if upstream.KindOf(err) != upstream.KindAuth {
		t.Errorf("expected auth error, got %v", err)
	}
}

func TestClient_CloseDropsToken(t *testing.T) {
	fake := &fakeGemini{t: t, token: "tok", page: `"SNlM0e":"tok"`}
	c := newTestClient(t, fake)
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.Close()

	_, err := c.StartConversation(Flash25, nil).Send(context.Background(), "hi")
	if upstream.KindOf(err) != upstream.KindAuth {
		t.Errorf("expected auth error after Close, got %v", err)
	}
}
