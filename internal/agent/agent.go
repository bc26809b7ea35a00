// Package agent implements conversation agents backed by an n8n workflow
// webhook. Each turn is forwarded as one HTTP POST; the reply and the
// user's text are recorded in a per-session transcript.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/n8n-bridge/internal/config"
	"github.com/nugget/n8n-bridge/internal/events"
	"github.com/nugget/n8n-bridge/internal/httpkit"
	"github.com/nugget/n8n-bridge/internal/metrics"
	"github.com/nugget/n8n-bridge/internal/session"
)

// MatchAll is the supported-languages marker meaning "any language".
const MatchAll = "*"

// maxResponseBytes bounds how much of a webhook response is read.
const maxResponseBytes = 1 << 20

// Input is one user utterance.
type Input struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	Language       string `json:"language,omitempty"`
}

// Result is the agent's answer to one [Input].
type Result struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
}

// webhookPayload is the body POSTed to the webhook.
type webhookPayload struct {
	UserInput      string `json:"user_input"`
	ConversationID string `json:"conversation_id"`
}

// Options configures an [Agent].
type Options struct {
	// ID is the config entry id the agent belongs to.
	ID string
	// Name is the human-readable agent name.
	Name       string
	WebhookURL string
	// Timeout bounds each webhook call. Zero uses the config default.
	Timeout time.Duration
	// ReplyField is the JSON key holding the reply. Empty uses "output".
	ReplyField string
	// Sessions holds transcripts. Agents may share one store.
	Sessions *session.Store
	// Client overrides the HTTP client. When nil, a client is built
	// with Timeout and no retry.
	Client  *http.Client
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Events  *events.Bus
}

// Agent forwards user text to a webhook and returns its reply.
type Agent struct {
	id         string
	name       string
	webhookURL string
	replyField string
	sessions   *session.Store
	client     *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	events     *events.Bus
}

// New creates an agent. Sessions is required; a nil store gets a fresh
// unbounded one.
func New(opts Options) *Agent {
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultWebhookTimeout
	}
	if opts.ReplyField == "" {
		opts.ReplyField = config.DefaultReplyField
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewStore(session.Options{Logger: opts.Logger})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Client == nil {
		opts.Client = httpkit.NewClient(httpkit.WithTimeout(opts.Timeout))
	}

	return &Agent{
		id:         opts.ID,
		name:       opts.Name,
		webhookURL: opts.WebhookURL,
		replyField: opts.ReplyField,
		sessions:   opts.Sessions,
		client:     opts.Client,
		logger:     opts.Logger.With("agent", opts.Name),
		metrics:    opts.Metrics,
		events:     opts.Events,
	}
}

// ID returns the config entry id.
func (a *Agent) ID() string { return a.id }

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// WebhookURL returns the endpoint this agent posts to.
func (a *Agent) WebhookURL() string { return a.webhookURL }

// Sessions returns the transcript store.
func (a *Agent) Sessions() *session.Store { return a.sessions }

// SupportedLanguages reports the languages the agent accepts: all of them.
func (a *Agent) SupportedLanguages() string { return MatchAll }

// Process handles one user turn. The user turn is recorded before the
// webhook is called, so a failed call still leaves it in the transcript.
// Webhook failures are returned as *[CallError]; a response lacking the
// reply field yields an empty reply and no error.
func (a *Agent) Process(ctx context.Context, in Input) (*Result, error) {
	convID, created := a.sessions.Resolve(in.ConversationID)
	if created && in.ConversationID != "" {
		a.logger.Debug("unknown conversation id replaced",
			"requested", in.ConversationID,
			"conversation_id", convID,
		)
	}

	a.sessions.Append(convID, session.RoleUser, in.Text)

	a.logger.Info("conversation turn started",
		"conversation_id", convID,
		"text_len", len(in.Text),
		"language", in.Language,
	)
	a.events.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"agent":           a.name,
		"conversation_id": convID,
		"text_len":        len(in.Text),
	})

	start := time.Now()
	reply, err := a.call(ctx, webhookPayload{UserInput: in.Text, ConversationID: convID})
	elapsed := time.Since(start)
	a.metrics.ObserveAgentCall(a.name, err, elapsed)

	if err != nil {
		a.logger.Error("webhook call failed",
			"conversation_id", convID,
			"error", err,
			"elapsed", elapsed,
		)
		a.events.Emit(events.SourceAgent, events.KindRequestFailed, map[string]any{
			"agent":           a.name,
			"conversation_id": convID,
			"error":           err.Error(),
			"elapsed_ms":      elapsed.Milliseconds(),
		})
		return nil, err
	}

	turns := a.sessions.Append(convID, session.RoleAgent, reply)
	a.metrics.SetActiveSessions(a.sessions.Len())

	a.logger.Info("conversation turn completed",
		"conversation_id", convID,
		"reply_len", len(reply),
		"turns", turns,
		"elapsed", elapsed,
	)
	a.events.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"agent":           a.name,
		"conversation_id": convID,
		"reply_len":       len(reply),
		"elapsed_ms":      elapsed.Milliseconds(),
	})

	return &Result{Response: reply, ConversationID: convID}, nil
}

// call performs the single webhook POST and extracts the reply field.
func (a *Agent) call(ctx context.Context, payload webhookPayload) (string, error) {
	req, err := httpkit.NewJSONRequest(ctx, http.MethodPost, a.webhookURL, payload)
	if err != nil {
		return "", &CallError{URL: a.webhookURL, Err: err}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &CallError{URL: a.webhookURL, Err: err}
	}

	if !httpkit.IsSuccess(resp.StatusCode) {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return "", &CallError{URL: a.webhookURL, StatusCode: resp.StatusCode, Body: body}
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &CallError{URL: a.webhookURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return "", &CallError{URL: a.webhookURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}

	raw, ok := body[a.replyField]
	if !ok {
		a.logger.Warn("webhook response missing reply field",
			"field", a.replyField,
			"keys", len(body),
		)
		a.metrics.MissingReply()
		return "", nil
	}
	reply, ok := raw.(string)
	if !ok {
		a.logger.Warn("webhook reply field is not a string",
			"field", a.replyField,
			"type", fmt.Sprintf("%T", raw),
		)
		a.metrics.MissingReply()
		return "", nil
	}
	return reply, nil
}
