package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events"
	eventbus "github.com/agentdock/agentdock/internal/events/bus"
)

// Push priorities, following the Pushover convention of -2..2.
const (
	PushPriorityNormal = 0
	PushPriorityHigh   = 1
)

// Push is one outgoing push notification.
type Push struct {
	Title    string
	Message  string
	Priority int
	URL      string
	URLTitle string
}

// Notifier sends push alerts about noteworthy gateway events to a
// Pushover-compatible API.
type Notifier struct {
	apiURL     string
	token      string
	userKey    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewNotifier returns a notifier for the configured push API, or nil when
// push notifications are disabled or missing credentials.
func NewNotifier(cfg config.NotifyConfig, log *logger.Logger) *Notifier {
	if !cfg.Enabled || cfg.APIURL == "" || cfg.APIToken == "" || cfg.UserKey == "" {
		return nil
	}
	return &Notifier{
		apiURL:  cfg.APIURL,
		token:   cfg.APIToken,
		userKey: cfg.UserKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: log,
	}
}

// Send delivers one push. The API reports success as status 1 in the JSON
// body regardless of HTTP status.
func (n *Notifier) Send(ctx context.Context, push Push) error {
	form := url.Values{}
	form.Set("token", n.token)
	form.Set("user", n.userKey)
	form.Set("message", push.Message)
	form.Set("priority", strconv.Itoa(push.Priority))
	if push.Title != "" {
		form.Set("title", push.Title)
	}
	if push.URL != "" {
		form.Set("url", push.URL)
		if push.URLTitle != "" {
			form.Set("url_title", push.URLTitle)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Status int      `json:"status"`
		Errors []string `json:"errors"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&result); err != nil {
		return fmt.Errorf("decode push response (HTTP %d): %w", resp.StatusCode, err)
	}
	if result.Status != 1 {
		return fmt.Errorf("push API rejected message (HTTP %d): %s",
			resp.StatusCode, strings.Join(result.Errors, "; "))
	}
	return nil
}

// SubscribeEvents pushes an alert whenever a session fails or a task run
// reaches a terminal status. Safe to call on a nil notifier.
func (n *Notifier) SubscribeEvents(evts eventbus.EventBus) error {
	if n == nil || evts == nil {
		return nil
	}
	if _, err := evts.Subscribe(events.SessionFailed, n.onSessionFailed); err != nil {
		return err
	}
	if _, err := evts.Subscribe(events.BuildTaskRunWildcardSubject(), n.onTaskRunFinished); err != nil {
		return err
	}
	return nil
}

func (n *Notifier) onSessionFailed(ctx context.Context, event *eventbus.Event) error {
	sessionID := stringField(event.Data, "session_id")
	reason := stringField(event.Data, "reason")
	if reason == "" {
		reason = "no reason recorded"
	}
	push := Push{
		Title:    "AgentDock: session failed",
		Message:  fmt.Sprintf("Session %s failed: %s", shortID(sessionID), reason),
		Priority: PushPriorityHigh,
	}
	if err := n.Send(ctx, push); err != nil {
		n.logger.Warn("Failed to push session failure alert",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
	return nil
}

func (n *Notifier) onTaskRunFinished(ctx context.Context, event *eventbus.Event) error {
	taskName := stringField(event.Data, "task_name")
	if taskName == "" {
		taskName = stringField(event.Data, "task_id")
	}

	var push Push
	switch stringField(event.Data, "status") {
	case "failed":
		errorMessage := stringField(event.Data, "error_message")
		if errorMessage == "" {
			errorMessage = "Unknown error"
		}
		push = Push{
			Title:    fmt.Sprintf("AgentDock: %s failed", taskName),
			Message:  fmt.Sprintf("Task '%s' failed.\n\nError: %s", taskName, errorMessage),
			Priority: PushPriorityHigh,
		}
	case "completed":
		message := fmt.Sprintf("Task '%s' completed successfully.\n\nDuration: %ds",
			taskName, intField(event.Data, "duration_seconds"))
		if summary := stringField(event.Data, "result_summary"); summary != "" {
			message += "\n" + summary
		}
		push = Push{
			Title:    fmt.Sprintf("AgentDock: %s completed", taskName),
			Message:  message,
			Priority: PushPriorityNormal,
		}
	default:
		// Cancelled runs are operator-initiated, nothing to alert on.
		return nil
	}

	if err := n.Send(ctx, push); err != nil {
		n.logger.Warn("Failed to push task run alert",
			zap.String("task", taskName),
			zap.Error(err),
		)
	}
	return nil
}

func stringField(data map[string]interface{}, key string) string {
	if value, ok := data[key].(string); ok {
		return value
	}
	return ""
}

// intField tolerates both in-process ints and the float64 that JSON
// transports decode numbers into.
func intField(data map[string]interface{}, key string) int {
	switch value := data[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
