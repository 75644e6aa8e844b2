package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/platform"
	"github.com/agentdock/agentdock/internal/session/dto"
	"github.com/agentdock/agentdock/pkg/stream"
)

const (
	// resultPollInterval is how often get_child_result re-reads the
	// result key when asked to wait.
	resultPollInterval = 2 * time.Second
	// defaultResultWait bounds a waiting get_child_result call unless the
	// agent passes its own timeout.
	defaultResultWait = 5 * time.Minute
)

// Sessions is the slice of the session service the tools call.
type Sessions interface {
	Spawn(ctx context.Context, parentID string, req *dto.SpawnRequest) (*dto.SpawnResponse, error)
	Children(ctx context.Context, parentID string) (*dto.ChildrenResponse, error)
	IsDescendant(ctx context.Context, parentID, childID string) (bool, error)
	Stop(ctx context.Context, id string) (*dto.SessionDetail, error)
	GetResult(ctx context.Context, id string) (*stream.Result, error)
	Chat(ctx context.Context, id string, req *dto.ChatRequest) (*dto.ChatAccepted, *dto.ChatResult, error)
}

// Asker is the slice of the platform bridge behind ask_user.
type Asker interface {
	Ask(ctx context.Context, params platform.AskParams) (*platform.AskResult, error)
}

// Toolset holds the services the MCP tools are wired to. The bridge may
// be nil when no messaging platform is configured; ask_user then reports
// itself unavailable instead of hanging.
type Toolset struct {
	sessions Sessions
	bridge   Asker
	logger   *logger.Logger
}

// NewToolset creates the toolset over the given services.
func NewToolset(sessions Sessions, bridge Asker, log *logger.Logger) *Toolset {
	return &Toolset{
		sessions: sessions,
		bridge:   bridge,
		logger:   log.WithFields(zap.String("component", "mcp-tools")),
	}
}

func (t *Toolset) register(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("spawn_child",
			mcp.WithDescription(
				"Spawn a child agent session to work on a subtask in parallel. "+
					"The child runs in its own container and starts on the given prompt. "+
					"Returns the child session id; use it with send_to_child, "+
					"get_child_result and stop_child.",
			),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Your own session id (the SESSION_ID environment variable)"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The child's opening prompt"),
			),
			mcp.WithString("workspace_mode",
				mcp.Description("How the child sees your files: inherit (default, shared directory), clone (copy), or ephemeral (empty)"),
			),
			mcp.WithObject("config",
				mcp.Description("Agent profile overrides for the child (model, allowed_tools, system_prompt)"),
			),
		),
		t.handleSpawnChild,
	)

	s.AddTool(
		mcp.NewTool("send_to_child",
			mcp.WithDescription("Send a follow-up prompt to a child session you spawned."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Your own session id"),
			),
			mcp.WithString("child_id",
				mcp.Required(),
				mcp.Description("The child session id returned by spawn_child"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The prompt to queue for the child"),
			),
		),
		t.handleSendToChild,
	)

	s.AddTool(
		mcp.NewTool("get_child_result",
			mcp.WithDescription(
				"Fetch the result of a child session's last completed turn. "+
					"With wait=true the call blocks until the child finishes or the timeout passes.",
			),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Your own session id"),
			),
			mcp.WithString("child_id",
				mcp.Required(),
				mcp.Description("The child session id"),
			),
			mcp.WithBoolean("wait",
				mcp.Description("Block until the child produces a result (default false)"),
			),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("How long to wait when wait=true (default 300)"),
			),
		),
		t.handleChildResult,
	)

	s.AddTool(
		mcp.NewTool("list_children",
			mcp.WithDescription("List the child sessions you spawned, with their status."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Your own session id"),
			),
		),
		t.handleListChildren,
	)

	s.AddTool(
		mcp.NewTool("stop_child",
			mcp.WithDescription("Stop a child session you spawned. Its container is torn down; the last result stays readable."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Your own session id"),
			),
			mcp.WithString("child_id",
				mcp.Required(),
				mcp.Description("The child session id to stop"),
			),
		),
		t.handleStopChild,
	)

	s.AddTool(
		mcp.NewTool("ask_user",
			mcp.WithDescription(
				"Ask the human operator a question and block until they answer. "+
					"Use this when you need a decision you cannot make yourself: "+
					"requirements, preferences, or approval for a risky step. "+
					"Optionally offer 2-4 short choices; the user may also answer in free text.",
			),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Your own session id"),
			),
			mcp.WithString("question",
				mcp.Required(),
				mcp.Description("The question to ask"),
			),
			mcp.WithArray("options",
				mcp.Description("Optional choices to present, each a short string"),
			),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("How long each delivery attempt waits for an answer (default 1800)"),
			),
		),
		t.handleAskUser,
	)

	t.logger.Info("Registered MCP tools", zap.Int("count", 6))
}

func (t *Toolset) handleSpawnChild(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	spawnReq := &dto.SpawnRequest{
		Prompt:        prompt,
		WorkspaceMode: req.GetString("workspace_mode", ""),
	}
	if raw, ok := req.GetArguments()["config"]; ok {
		if cfg, ok := raw.(map[string]interface{}); ok {
			spawnReq.Config = cfg
		}
	}

	resp, err := t.sessions.Spawn(ctx, sessionID, spawnReq)
	if err != nil {
		t.logger.Warn("spawn_child failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp)
}

func (t *Toolset) handleSendToChild(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	childID, err := req.RequireString("child_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := t.requireChild(ctx, sessionID, childID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	accepted, _, err := t.sessions.Chat(ctx, childID, &dto.ChatRequest{Prompt: prompt})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(accepted)
}

func (t *Toolset) handleChildResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	childID, err := req.RequireString("child_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := t.requireChild(ctx, sessionID, childID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if !req.GetBool("wait", false) {
		result, err := t.sessions.GetResult(ctx, childID)
		if apperrors.IsNotFound(err) {
			// The child exists (requireChild resolved it) but has not
			// finished a turn yet.
			return mcp.NewToolResultText(fmt.Sprintf(
				"Child session %s has no result yet. Call get_child_result with wait=true to block until it finishes.",
				childID)), nil
		}
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result)
	}

	timeout := defaultResultWait
	if secs := req.GetInt("timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	result, err := t.waitForResult(ctx, childID, timeout)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(result)
}

func (t *Toolset) handleListChildren(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	children, err := t.sessions.Children(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(children)
}

func (t *Toolset) handleStopChild(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	childID, err := req.RequireString("child_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := t.requireChild(ctx, sessionID, childID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	detail, err := t.sessions.Stop(ctx, childID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t.logger.Info("Child stopped via MCP",
		zap.String("session_id", sessionID), zap.String("child_id", childID))
	return jsonResult(detail)
}

func (t *Toolset) handleAskUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if t.bridge == nil {
		return mcp.NewToolResultError("ask_user is not available: no messaging platform is configured"), nil
	}

	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var options []string
	if raw, ok := req.GetArguments()["options"]; ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse options: %v", err)), nil
		}
		if err := json.Unmarshal(encoded, &options); err != nil {
			return mcp.NewToolResultError("options must be an array of strings"), nil
		}
		if len(options) > 4 {
			return mcp.NewToolResultError("provide at most 4 options"), nil
		}
	}

	result, err := t.bridge.Ask(ctx, platform.AskParams{
		SessionID:      sessionID,
		Question:       question,
		TimeoutSeconds: req.GetInt("timeout_seconds", 0),
		Options:        options,
	})
	if err != nil {
		t.logger.Warn("ask_user failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatAskResult(question, result)), nil
}

// requireChild verifies the caller actually spawned the child before any
// cross-session operation. Agents only learn the ids of sessions in their
// own tree, but the id is caller-supplied, so it is never trusted.
func (t *Toolset) requireChild(ctx context.Context, parentID, childID string) error {
	ok, err := t.sessions.IsDescendant(ctx, parentID, childID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Forbidden(fmt.Sprintf("session %s is not a child of session %s", childID, parentID))
	}
	return nil
}

// waitForResult polls the child's result until it appears, the timeout
// passes, or the agent's MCP call is cancelled.
func (t *Toolset) waitForResult(ctx context.Context, childID string, timeout time.Duration) (*stream.Result, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()
	for {
		result, err := t.sessions.GetResult(waitCtx, childID)
		if err == nil {
			return result, nil
		}
		if !apperrors.IsNotFound(err) {
			return nil, err
		}
		select {
		case <-waitCtx.Done():
			return nil, apperrors.Timeout(fmt.Sprintf("child %s has not finished after %s", childID, timeout))
		case <-ticker.C:
		}
	}
}

// jsonResult renders a payload the way agents consume tool output.
func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}

// formatAskResult turns the bridge outcome into prose the agent can act
// on without parsing.
func formatAskResult(question string, result *platform.AskResult) string {
	if result.TimedOut {
		return "The user did not respond in time. Proceed with your best judgment based on the available information."
	}
	if result.Response == nil || *result.Response == "" {
		return "The user did not provide an answer. Proceed with your best judgment based on the available information."
	}

	var b strings.Builder
	b.WriteString("# User Response\n\n")
	fmt.Fprintf(&b, "**Question asked:** %s\n\n", question)
	fmt.Fprintf(&b, "**Answer:** %s\n", *result.Response)
	b.WriteString("\nProceed with the task based on the user's response above.")
	return b.String()
}
