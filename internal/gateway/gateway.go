// Package gateway runs a single chat completion against the upstream
// conversation owned by the caller.
package gateway

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/audit"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/format"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/notifications"
	"github.com/felipepmaragno/gemini-gateway/internal/router"
	"github.com/felipepmaragno/gemini-gateway/internal/session"
	"github.com/felipepmaragno/gemini-gateway/internal/telemetry"
	"github.com/felipepmaragno/gemini-gateway/internal/turn"
	"github.com/felipepmaragno/gemini-gateway/internal/upstream"
)

const promptLogLimit = 200

type Options struct {
	// Timeout bounds a single upstream send. Zero means no bound beyond the
	// caller's context.
	Timeout  time.Duration
	Recorder audit.Recorder
	Notifier notifications.Notifier
}

type Gateway struct {
	router   *router.Router
	holder   *upstream.Holder
	sessions *session.Registry
	timeout  time.Duration
	recorder audit.Recorder
	notifier notifications.Notifier
}

func New(r *router.Router, holder *upstream.Holder, sessions *session.Registry, opts Options) *Gateway {
	g := &Gateway{
		router:   r,
		holder:   holder,
		sessions: sessions,
		timeout:  opts.Timeout,
		recorder: opts.Recorder,
		notifier: opts.Notifier,
	}
	if g.recorder == nil {
		g.recorder = audit.NewLogRecorder(nil)
	}
	if g.notifier == nil {
		g.notifier = notifications.LogNotifier{}
	}
	return g
}

// Request is one chat completion call. CallerKey identifies the session owner.
type Request struct {
	CallerKey string
	RequestID string
	Chat      *domain.ChatRequest
}

// Result is the outcome of a successful upstream exchange, ready to render.
type Result struct {
	ID            string
	Model         string
	UpstreamModel upstream.Model
	Prompt        string
	Text          string
	Images        []upstream.Image
	FreshSession  bool
	Injected      bool
}

// Completion renders the result as a single chat.completion object.
func (r *Result) Completion() *domain.ChatResponse {
	return format.Completion(r.Prompt, r.Text, r.Model, r.ID)
}

// Events renders the result as server-sent event frames, [DONE] included.
func (r *Result) Events() iter.Seq[[]byte] {
	return format.Events(r.Text, r.Model, r.ID)
}

// Complete resolves the caller's session, sends the current turn upstream and
// returns the reply. Upstream failures are returned as *upstream.Error and are
// never retried.
func (g *Gateway) Complete(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	caller := session.Mask(req.CallerKey)
	logger := slog.Default().With("request_id", req.RequestID, "caller", caller)

	ctx, span := telemetry.StartSpan(ctx, "gateway.complete")
	defer span.End()

	model := g.router.Resolve(req.Chat.Model)
	label := g.router.Label(req.Chat.Model)
	telemetry.AddRequestAttributes(span, caller, req.Chat.Model, model.Name, req.RequestID, req.Chat.Stream)

	rec := audit.Record{
		RequestID:      req.RequestID,
		CallerKey:      caller,
		RequestedModel: req.Chat.Model,
		UpstreamModel:  model.Name,
		Stream:         req.Chat.Stream,
	}
	defer func() {
		status := audit.StatusSuccess
		if err != nil {
			status = audit.StatusError
			rec.ErrorCode = ErrorCode(err)
			telemetry.AddErrorAttribute(span, err)
		}
		rec.Status = status
		rec.LatencyMs = time.Since(start).Milliseconds()
		rec.CreatedAt = start
		g.record(ctx, logger, rec)
		metrics.RecordRequest(label, model.Name, req.Chat.Stream, status, time.Since(start).Seconds())
	}()

	t, err := turn.Extract(req.Chat.Messages)
	if err != nil {
		logger.WarnContext(ctx, "no usable prompt in request", "error", err)
		return nil, err
	}
	rec.PromptWords = format.CountTokens(t.User)

	client, err := g.holder.Get(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "upstream client unavailable", "error", err)
		metrics.RecordUpstreamError(upstream.KindOf(err).String())
		g.alertOnCredentialFailure(ctx, logger, caller, err)
		return nil, err
	}

	sess, fresh := g.sessions.Resolve(ctx, req.CallerKey, model, client)
	rec.FreshSession = fresh

	// Only the call that created the session may carry the instruction, and
	// only once even if that turn later fails.
	text, injected := t.Compose(fresh && sess.ClaimSystemPrompt())
	telemetry.AddSessionAttributes(span, fresh, injected)
	if injected {
		logger.InfoContext(ctx, "first turn for session, prefixing system prompt")
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		logger.DebugContext(ctx, "prompt for upstream", "turn", sess.Turns()+1, "prompt", safePrompt(text))
	}

	reply, err := g.send(ctx, sess, text)
	if err != nil {
		kind := upstream.KindOf(err)
		metrics.RecordUpstreamError(kind.String())
		logger.ErrorContext(ctx, "upstream send failed", "kind", kind.String(), "model", sess.Model.Name, "error", err)

		if upstream.CredentialFailure(err) {
			g.holder.Invalidate(client)
		}
		g.alertOnCredentialFailure(ctx, logger, caller, err)
		if kind == upstream.KindUsageLimit {
			g.notify(ctx, logger, notifications.Notification{
				Type:    notifications.NotificationUsageLimit,
				Caller:  caller,
				Message: "upstream usage limit reached for model " + sess.Model.Name,
			})
		}
		return nil, err
	}
	sess.RecordTurn()

	if reply.Empty() {
		logger.WarnContext(ctx, "upstream returned an empty reply")
	}

	res = &Result{
		ID:            format.NewCompletionID(),
		Model:         req.Chat.Model,
		UpstreamModel: sess.Model,
		Prompt:        t.User,
		Text:          reply.Text,
		Images:        reply.Images,
		FreshSession:  fresh,
		Injected:      injected,
	}

	rec.ReplyWords = format.CountTokens(res.Text)
	metrics.RecordTokens(label, rec.PromptWords, rec.ReplyWords)
	telemetry.AddTokenAttributes(span, rec.PromptWords, rec.ReplyWords)

	return res, nil
}

func (g *Gateway) send(ctx context.Context, sess *session.Session, text string) (*upstream.Reply, error) {
	ctx, span := telemetry.StartSpan(ctx, "upstream.send")
	defer span.End()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	reply, err := sess.Conversation.Send(ctx, text)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && upstream.KindOf(err) != upstream.KindTimeout {
			err = &upstream.Error{Kind: upstream.KindTimeout, Err: err}
		}
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}
	if reply == nil {
		reply = &upstream.Reply{}
	}
	return reply, nil
}

func (g *Gateway) alertOnCredentialFailure(ctx context.Context, logger *slog.Logger, caller string, err error) {
	if !upstream.CredentialFailure(err) {
		return
	}
	g.notify(ctx, logger, notifications.UpstreamAuthFailure(caller, err))
}

func (g *Gateway) notify(ctx context.Context, logger *slog.Logger, n notifications.Notification) {
	if err := g.notifier.Send(context.WithoutCancel(ctx), n); err != nil {
		logger.WarnContext(ctx, "failed to send notification", "type", n.Type, "error", err)
	}
}

func (g *Gateway) record(ctx context.Context, logger *slog.Logger, rec audit.Record) {
	if err := g.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		logger.WarnContext(ctx, "failed to record audit entry", "error", err)
	}
}

// Models lists the advertised model names.
func (g *Gateway) Models() []domain.Model {
	return g.router.Models()
}

func safePrompt(text string) string {
	if r := []rune(text); len(r) > promptLogLimit {
		text = string(r[:promptLogLimit]) + "..."
	}
	return strings.NewReplacer("<", "&lt;", ">", "&gt;").Replace(text)
}
