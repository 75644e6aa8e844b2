package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
)

// Poster delivers interactions to the chat platform. The service does not
// care which platform is behind it, only that questions come back with a
// thread and message handle for follow-up posts.
type Poster interface {
	// PostQuestion opens a new question thread and returns the platform's
	// thread and message identifiers. Options, when present, are rendered
	// as suggested answers.
	PostQuestion(ctx context.Context, in *Interaction, options []string) (threadID, messageID string, err error)
	// PostRetry re-asks an unanswered question inside its existing thread.
	PostRetry(ctx context.Context, in *Interaction) error
	// PostNotification sends a one-way message. The summary is optional
	// longer context shown under the message.
	PostNotification(ctx context.Context, in *Interaction, summary string) error
}

// BotPoster posts interactions to the Discord bot sidecar over HTTP. The
// sidecar owns the Discord connection; the gateway only speaks its small
// REST API.
type BotPoster struct {
	baseURL    string
	channel    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewBotPoster returns a poster for the configured bot sidecar, or nil
// when the bridge is disabled.
func NewBotPoster(cfg config.DiscordConfig, log *logger.Logger) *BotPoster {
	if !cfg.Enabled || cfg.BotURL == "" {
		return nil
	}
	return &BotPoster{
		baseURL: strings.TrimRight(cfg.BotURL, "/"),
		channel: cfg.Channel,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: log,
	}
}

type postQuestionRequest struct {
	InteractionID  string   `json:"interaction_id"`
	SessionID      string   `json:"session_id"`
	Question       string   `json:"question"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	Attempt        int      `json:"attempt"`
	MaxAttempts    int      `json:"max_attempts"`
	Priority       string   `json:"priority"`
	Channel        string   `json:"channel,omitempty"`
	Options        []string `json:"options,omitempty"`
}

type postQuestionResponse struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
}

func (p *BotPoster) PostQuestion(ctx context.Context, in *Interaction, options []string) (string, string, error) {
	payload := postQuestionRequest{
		InteractionID:  in.ID,
		SessionID:      in.SessionID,
		Question:       in.Message,
		TimeoutSeconds: in.TimeoutSeconds,
		Attempt:        in.Attempt,
		MaxAttempts:    in.MaxAttempts,
		Priority:       in.Priority,
		Channel:        p.channel,
		Options:        options,
	}
	var result postQuestionResponse
	if err := p.post(ctx, "/api/v1/questions", payload, &result); err != nil {
		return "", "", err
	}
	return result.ThreadID, result.MessageID, nil
}

type postRetryRequest struct {
	InteractionID  string `json:"interaction_id"`
	ThreadID       string `json:"thread_id"`
	Question       string `json:"question"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Attempt        int    `json:"attempt"`
	MaxAttempts    int    `json:"max_attempts"`
}

func (p *BotPoster) PostRetry(ctx context.Context, in *Interaction) error {
	threadID := ""
	if in.ThreadID != nil {
		threadID = *in.ThreadID
	}
	payload := postRetryRequest{
		InteractionID:  in.ID,
		ThreadID:       threadID,
		Question:       in.Message,
		TimeoutSeconds: in.TimeoutSeconds,
		Attempt:        in.Attempt,
		MaxAttempts:    in.MaxAttempts,
	}
	return p.post(ctx, "/api/v1/questions/"+in.ID+"/retry", payload, nil)
}

type postNotificationRequest struct {
	InteractionID string `json:"interaction_id"`
	SessionID     string `json:"session_id"`
	Message       string `json:"message"`
	Priority      string `json:"priority"`
	Summary       string `json:"summary,omitempty"`
	Channel       string `json:"channel,omitempty"`
}

func (p *BotPoster) PostNotification(ctx context.Context, in *Interaction, summary string) error {
	payload := postNotificationRequest{
		InteractionID: in.ID,
		SessionID:     in.SessionID,
		Message:       in.Message,
		Priority:      in.Priority,
		Summary:       summary,
		Channel:       p.channel,
	}
	return p.post(ctx, "/api/v1/notifications", payload, nil)
}

func (p *BotPoster) post(ctx context.Context, endpoint string, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode bot request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build bot request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bot request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("bot API %s returned %d: %s", endpoint, resp.StatusCode, string(snippet))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
