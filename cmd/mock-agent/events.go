package main

import (
	"fmt"
	"os"
	"time"
)

// Event type and content-block constants matching the stream-json protocol.
const (
	typeSystem    = "system"
	typeAssistant = "assistant"
	typeToolUse   = "tool_use"
	typeResult    = "result"

	blockText     = "text"
	blockThinking = "thinking"
)

// streamDelay paces event emission so consumers see a stream rather than
// one burst. Tests set it to zero.
var streamDelay = 75 * time.Millisecond

// initEvent opens every turn and carries the CLI-side session id the
// wrapper records for --resume.
type initEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Cwd       string `json:"cwd,omitempty"`
}

type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

type assistantBody struct {
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason,omitempty"`
}

type assistantEvent struct {
	Type    string        `json:"type"`
	Message assistantBody `json:"message"`
}

type toolUseEvent struct {
	Type  string         `json:"type"`
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// resultEvent terminates a turn. The wrapper folds it into the session's
// turn summary and result key.
type resultEvent struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        usage   `json:"usage"`
	DurationMS   int64   `json:"duration_ms"`
	SessionID    string  `json:"session_id"`
}

func newInit(sessionID, workdir string) initEvent {
	return initEvent{
		Type:      typeSystem,
		Subtype:   "init",
		SessionID: sessionID,
		Model:     "mock-default",
		Cwd:       workdir,
	}
}

func newText(text string) assistantEvent {
	return assistantEvent{
		Type: typeAssistant,
		Message: assistantBody{
			Role:       "assistant",
			Content:    []contentBlock{{Type: blockText, Text: text}},
			Model:      "mock-default",
			StopReason: "end_turn",
		},
	}
}

func newThinking(thought string) assistantEvent {
	return assistantEvent{
		Type: typeAssistant,
		Message: assistantBody{
			Role:    "assistant",
			Content: []contentBlock{{Type: blockThinking, Thinking: thought}},
			Model:   "mock-default",
		},
	}
}

func newResult(subtype, text, sessionID string, startedAt time.Time, promptLen int) resultEvent {
	out := usage{
		InputTokens:  promptLen/4 + 12,
		OutputTokens: len(text)/4 + 3,
	}
	return resultEvent{
		Type:         typeResult,
		Subtype:      subtype,
		Result:       text,
		TotalCostUSD: float64(out.InputTokens+out.OutputTokens) * 0.00001,
		Usage:        out,
		DurationMS:   time.Since(startedAt).Milliseconds(),
		SessionID:    sessionID,
	}
}

// sessionID keeps a stable CLI session across resumed turns and mints a
// fresh one otherwise.
func sessionID(resumeID string) string {
	if resumeID != "" {
		return resumeID
	}
	return fmt.Sprintf("mock-%d", os.Getpid())
}

func pause() {
	if streamDelay > 0 {
		time.Sleep(streamDelay)
	}
}
