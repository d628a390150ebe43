// Package webchat talks to the Gemini web application with browser session
// cookies.
package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/felipepmaragno/gemini-gateway/internal/httputil"
	"github.com/felipepmaragno/gemini-gateway/internal/upstream"
)

const (
	DefaultBaseURL = "https://gemini.google.com"

	initPath     = "/app"
	generatePath = "/_/BardChatUi/data/assistant.lamda.BardFrontendService/StreamGenerate"

	cookiePSID   = "__Secure-1PSID"
	cookiePSIDTS = "__Secure-1PSIDTS"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	maxResponseBytes = 16 << 20
)

type Config struct {
	BaseURL string
	PSID    string
	PSIDTS  string
	Proxy   *url.URL
}

// Client is safe for concurrent use. Init must succeed before any
// conversation can send.
type Client struct {
	baseURL *url.URL
	http    *http.Client

	mu          sync.RWMutex
	accessToken string
}

func New(cfg Config) (*Client, error) {
	if cfg.PSID == "" {
		return nil, upstream.Errorf(upstream.KindAuth, "missing %s cookie", cookiePSID)
	}

	raw := cfg.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	httpCfg := httputil.DefaultConfig()
	// Generation can take minutes; callers bound each request with a context.
	httpCfg.Timeout = 0
	httpCfg.ResponseHeaderTimeout = 0
	httpCfg.Proxy = cfg.Proxy
	httpCfg.Jar = httputil.NewCookieJar()

	cookies := []*http.Cookie{{Name: cookiePSID, Value: cfg.PSID, Path: "/"}}
	if cfg.PSIDTS != "" {
		cookies = append(cookies, &http.Cookie{Name: cookiePSIDTS, Value: cfg.PSIDTS, Path: "/"})
	}
	httpCfg.Jar.SetCookies(base, cookies)

	return &Client{
		baseURL: base,
		http:    httputil.NewClient(httpCfg),
	}, nil
}

// Init loads the web app and extracts the access token required by every
// generate call.
func (c *Client) Init(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.String()+initPath, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setBrowserHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return upstream.Errorf(upstream.KindAuth, "init rejected with status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return upstream.Errorf(upstream.KindTransport, "init failed with status %d", resp.StatusCode)
	}

	page, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(ctx, err)
	}

	token, ok := extractAccessToken(page)
	if !ok {
		return upstream.Errorf(upstream.KindAuth, "access token not found, the session cookies are invalid or expired")
	}

	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()

	slog.Debug("upstream access token acquired", "base_url", c.baseURL.String())
	return nil
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

func (c *Client) StartConversation(model upstream.Model, metadata []string) upstream.Conversation {
	conv := &Conversation{client: c, model: model, metadata: make([]string, 3)}
	copy(conv.metadata, metadata)
	return conv
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Origin", c.baseURL.String())
	req.Header.Set("Referer", c.baseURL.String()+"/")
	req.Header.Set("X-Same-Domain", "1")
}

func (c *Client) generate(ctx context.Context, model upstream.Model, prompt string, metadata []string) (*parsedReply, error) {
	token := c.token()
	if token == "" {
		return nil, upstream.Errorf(upstream.KindAuth, "client is not initialized")
	}

	freq, err := encodeRequest(prompt, metadata)
	if err != nil {
		return nil, err
	}
	form := url.Values{"at": {token}, "f.req": {freq}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+generatePath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setBrowserHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")
	for k, v := range model.Header {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, upstream.Errorf(upstream.KindAuth, "generate rejected with status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstream.Errorf(upstream.KindTransport, "generate failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	return parseReply(body)
}

// encodeRequest builds the f.req form value: a JSON array whose second element
// is itself the JSON encoding of [[prompt], null, metadata].
func encodeRequest(prompt string, metadata []string) (string, error) {
	var meta any
	for _, v := range metadata {
		if v != "" {
			meta = metadata
			break
		}
	}

	inner, err := json.Marshal([]any{[]string{prompt}, nil, meta})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	outer, err := json.Marshal([]any{nil, string(inner)})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	return string(outer), nil
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &upstream.Error{Kind: upstream.KindTimeout, Err: err}
	}
	return &upstream.Error{Kind: upstream.KindTransport, Err: err}
}

// Conversation keeps the [cid, rid, rcid] triple that identifies a dialogue
// on the upstream.
type Conversation struct {
	client *Client
	model  upstream.Model

	mu       sync.Mutex
	metadata []string
}

func (c *Conversation) Send(ctx context.Context, text string) (*upstream.Reply, error) {
	parsed, err := c.client.generate(ctx, c.model, text, c.Metadata())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	copy(c.metadata, parsed.metadata)
	if parsed.rcid != "" {
		c.metadata[2] = parsed.rcid
	}
	c.mu.Unlock()

	return &parsed.reply, nil
}

func (c *Conversation) Model() upstream.Model {
	return c.model
}

func (c *Conversation) Metadata() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.metadata...)
}
