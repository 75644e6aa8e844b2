package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scenarios are selected by keywords in the prompt so tests and demos can
// steer the mock without extra flags:
//
//	"fail"       emit an error result and exit non-zero
//	"sleep N"    hold the turn open for N seconds (interrupt testing)
//	"use tools"  emit a tool_use event before answering
//
// Anything else is answered with a short echo.
func runTurn(enc *json.Encoder, args turnArgs) int {
	started := time.Now()
	sid := sessionID(args.ResumeID)
	prompt := args.Prompt
	lower := strings.ToLower(prompt)

	_ = enc.Encode(newInit(sid, args.Workdir))

	switch {
	case strings.Contains(lower, "fail"):
		return scenarioFail(enc, sid, started, prompt)
	case strings.Contains(lower, "sleep"):
		return scenarioSleep(enc, sid, started, prompt, lower)
	case strings.Contains(lower, "use tools"):
		return scenarioTools(enc, sid, started, prompt, args.Workdir)
	default:
		return scenarioEcho(enc, sid, started, prompt)
	}
}

func scenarioEcho(enc *json.Encoder, sid string, started time.Time, prompt string) int {
	pause()
	_ = enc.Encode(newThinking("Working out a reply..."))
	pause()
	answer := fmt.Sprintf("Mock response to: %s", firstLine(prompt))
	_ = enc.Encode(newText(answer))
	pause()
	_ = enc.Encode(newResult("success", answer, sid, started, len(prompt)))
	return 0
}

func scenarioFail(enc *json.Encoder, sid string, started time.Time, prompt string) int {
	pause()
	_ = enc.Encode(newText("I hit a simulated failure and cannot continue."))
	pause()
	_ = enc.Encode(newResult("error", "simulated agent failure", sid, started, len(prompt)))
	return 1
}

// scenarioSleep parses "sleep N" (seconds, default 5, capped at 300) and
// keeps the process alive that long before finishing. SIGTERM from the
// wrapper kills it mid-sleep, which is the point.
func scenarioSleep(enc *json.Encoder, sid string, started time.Time, prompt, lower string) int {
	seconds := 5
	fields := strings.Fields(lower)
	for i, f := range fields {
		if f == "sleep" && i+1 < len(fields) {
			if n, err := strconv.Atoi(fields[i+1]); err == nil && n > 0 {
				seconds = n
			}
			break
		}
	}
	if seconds > 300 {
		seconds = 300
	}

	_ = enc.Encode(newText(fmt.Sprintf("Sleeping for %d seconds.", seconds)))
	time.Sleep(time.Duration(seconds) * time.Second)
	answer := fmt.Sprintf("Woke up after %d seconds.", seconds)
	_ = enc.Encode(newText(answer))
	_ = enc.Encode(newResult("success", answer, sid, started, len(prompt)))
	return 0
}

func scenarioTools(enc *json.Encoder, sid string, started time.Time, prompt, workdir string) int {
	pause()
	_ = enc.Encode(toolUseEvent{
		Type: typeToolUse,
		Tool: "list_files",
		Input: map[string]any{
			"path": workdir,
		},
	})
	pause()
	answer := "Inspected the workspace with one tool call."
	_ = enc.Encode(newText(answer))
	pause()
	_ = enc.Encode(newResult("success", answer, sid, started, len(prompt)))
	return 0
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
