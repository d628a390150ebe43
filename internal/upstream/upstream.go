// Package upstream defines the boundary between the gateway and the stateful,
// cookie-authenticated conversational service it fronts.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Client is an initialised connection to the upstream service. Conversations
// started from one Client instance belong to it; once the instance is replaced
// its conversations are considered stale.
type Client interface {
	Init(ctx context.Context) error
	StartConversation(model Model, metadata []string) Conversation
	Close() error
}

// Conversation is an opaque handle to one ongoing upstream dialogue.
type Conversation interface {
	Send(ctx context.Context, text string) (*Reply, error)
	Model() Model
	// Metadata identifies the upstream dialogue so a replacement handle can
	// continue it.
	Metadata() []string
}

// Model is an upstream model identity.
type Model struct {
	Name   string
	Header map[string]string
}

// Unspecified lets the upstream pick its own default model.
var Unspecified = Model{Name: "unspecified"}

func (m Model) String() string {
	return m.Name
}

type Image struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Alt   string `json:"alt,omitempty"`
}

type Reply struct {
	Text   string
	Images []Image
}

// Empty reports whether the upstream returned neither text nor images.
func (r *Reply) Empty() bool {
	return r == nil || (r.Text == "" && len(r.Images) == 0)
}

// Kind classifies an upstream failure.
type Kind int

const (
	KindGeneric Kind = iota
	KindAuth
	KindTransport
	KindModelInvalid
	KindUsageLimit
	KindTemporarilyBlocked
	KindTimeout
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindModelInvalid:
		return "model_invalid"
	case KindUsageLimit:
		return "usage_limit"
	case KindTemporarilyBlocked:
		return "temporarily_blocked"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	default:
		return "generic"
	}
}

// Error is a classified upstream failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "upstream " + e.Kind.String() + " error"
	}
	return fmt.Sprintf("upstream %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a classified error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err. Context deadlines are reported as
// timeouts; anything unclassified is generic.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindGeneric
}

// CredentialFailure reports whether err looks like the upstream rejected the
// cookies, in which case the cached client must not be reused.
func CredentialFailure(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindAuth {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authentication") || strings.Contains(msg, "cookie")
}
