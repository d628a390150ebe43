// Package upstreamtest provides in-memory upstream doubles for tests.
package upstreamtest

import (
	"context"
	"sync"

	"github.com/felipepmaragno/gemini-gateway/internal/upstream"
)

// Client records every conversation it starts and every message sent through
// them. SendFunc, when set, decides the reply; otherwise the text is echoed.
type Client struct {
	InitFunc func(ctx context.Context) error
	SendFunc func(ctx context.Context, model upstream.Model, text string) (*upstream.Reply, error)

	mu            sync.Mutex
	conversations []*Conversation
	closed        bool
}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) Init(ctx context.Context) error {
	if c.InitFunc != nil {
		return c.InitFunc(ctx)
	}
	return nil
}

func (c *Client) StartConversation(model upstream.Model, metadata []string) upstream.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := &Conversation{
		client:   c,
		model:    model,
		metadata: append([]string(nil), metadata...),
	}
	c.conversations = append(c.conversations, conv)
	return conv
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Conversations returns the conversations started so far, oldest first.
func (c *Client) Conversations() []*Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Conversation(nil), c.conversations...)
}

type Conversation struct {
	client   *Client
	model    upstream.Model
	metadata []string

	mu   sync.Mutex
	sent []string
}

func (c *Conversation) Send(ctx context.Context, text string) (*upstream.Reply, error) {
	c.mu.Lock()
	c.sent = append(c.sent, text)
	c.mu.Unlock()

	if c.client.SendFunc != nil {
		return c.client.SendFunc(ctx, c.model, text)
	}
	return &upstream.Reply{Text: "echo: " + text}, nil
}

func (c *Conversation) Model() upstream.Model {
	return c.model
}

func (c *Conversation) Metadata() []string {
	return c.metadata
}

// Sent returns the texts delivered to the upstream, in order.
func (c *Conversation) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}
