package wrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/session/models"
	"github.com/agentdock/agentdock/internal/wrapper/parser"
	"github.com/agentdock/agentdock/pkg/stream"
)

// readChunkSize is the stdout read granularity. Events regularly span
// chunk boundaries; the parser reassembles them.
const readChunkSize = 4096

// TurnResult summarizes one completed agent turn.
type TurnResult struct {
	Result       string
	Subtype      string
	TotalCostUSD float64
	Usage        json.RawMessage
	DurationMS   int64
	AgentSession string // CLI-side session id, used for --resume
	ExitCode     int
}

// AgentRunner executes agent subprocess turns, streaming normalized output
// through the publisher as it arrives.
type AgentRunner struct {
	config    *Config
	publisher *Publisher
	parser    *parser.Parser
	logger    *logger.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	waitDone chan struct{}
}

// NewAgentRunner creates a runner for one session.
func NewAgentRunner(cfg *Config, pub *Publisher, log *logger.Logger) *AgentRunner {
	return &AgentRunner{
		config:    cfg,
		publisher: pub,
		parser:    parser.New(log),
		logger:    log,
	}
}

// RunPrompt runs one agent turn. Output events are published as they
// stream; the terminal result envelope is published after the process
// exits. resumeID, when non-empty, continues a previous CLI conversation.
func (r *AgentRunner) RunPrompt(ctx context.Context, prompt, resumeID string) (*TurnResult, error) {
	start := time.Now()

	args := []string{
		"-p", prompt,
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--cwd", r.config.WorkspacePath,
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}

	cmd := exec.Command(r.config.AgentBin, args...)
	cmd.Dir = r.config.WorkspacePath
	cmd.Env = append(os.Environ(), "AGENT_ENTRYPOINT=agentdock")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	r.logger.Info("starting agent turn",
		zap.String("bin", r.config.AgentBin),
		zap.Bool("resume", resumeID != ""))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	waitDone := make(chan struct{})
	r.mu.Lock()
	r.cmd = cmd
	r.waitDone = waitDone
	r.mu.Unlock()

	turn := &TurnResult{Subtype: "success"}
	r.parser.Reset()

	buf := make([]byte, readChunkSize)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			for _, event := range r.parser.Feed(buf[:n]) {
				r.handleEvent(ctx, event, turn)
			}
		}
		if readErr != nil {
			break
		}
	}

	waitErr := cmd.Wait()
	close(waitDone)
	r.mu.Lock()
	r.cmd = nil
	r.waitDone = nil
	r.mu.Unlock()

	turn.ExitCode = cmd.ProcessState.ExitCode()
	turn.DurationMS = time.Since(start).Milliseconds()
	if turn.ExitCode != 0 {
		turn.Subtype = "error"
		r.logger.Warn("agent process exited with error",
			zap.Int("exit_code", turn.ExitCode),
			zap.ByteString("stderr", tail(stderr.Bytes(), 2048)),
			zap.Error(waitErr))
	}

	if err := r.publisher.PublishResult(ctx, &stream.Result{
		Subtype:      turn.Subtype,
		Result:       turn.Result,
		TotalCostUSD: turn.TotalCostUSD,
		Usage:        turn.Usage,
		DurationMS:   turn.DurationMS,
		AgentSession: turn.AgentSession,
	}); err != nil {
		r.logger.Error("failed to publish turn result", zap.Error(err))
	}

	return turn, nil
}

// Stop terminates a running agent process: SIGTERM, then SIGKILL after the
// grace period. No-op when nothing is running.
func (r *AgentRunner) Stop() {
	r.mu.Lock()
	cmd := r.cmd
	waitDone := r.waitDone
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	r.logger.Info("stopping agent process")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return
	}

	select {
	case <-waitDone:
	case <-time.After(stopGrace):
		r.logger.Warn("agent process ignored SIGTERM, killing")
		_ = cmd.Process.Kill()
	}
}

// handleEvent publishes a normalized event and folds result events into
// the turn summary.
func (r *AgentRunner) handleEvent(ctx context.Context, event map[string]interface{}, turn *TurnResult) {
	formatted := parser.FormatForClient(event)
	if err := r.publisher.PublishOutput(ctx, formatted); err != nil {
		r.logger.Error("failed to publish output event", zap.Error(err))
	}

	if parser.ExtractType(event) != "result" {
		return
	}

	if s, ok := event["result"].(string); ok {
		turn.Result = s
	}
	if cost, ok := event["total_cost_usd"].(float64); ok {
		turn.TotalCostUSD = cost
	}
	if usage, ok := event["usage"]; ok && usage != nil {
		if raw, err := json.Marshal(usage); err == nil {
			turn.Usage = raw
		}
	}
	if sid, ok := event["session_id"].(string); ok && sid != "" {
		turn.AgentSession = sid
	}
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}

// InteractiveLoop is the wrapper's prompt state machine: idle waiting on
// the input queue, running while a turn executes, back to idle.
type InteractiveLoop struct {
	config    *Config
	publisher *Publisher
	runner    *AgentRunner
	logger    *logger.Logger

	turns    int
	resumeID string

	mu       sync.Mutex
	shutdown bool
}

// NewInteractiveLoop creates the loop around a runner.
func NewInteractiveLoop(cfg *Config, pub *Publisher, runner *AgentRunner, log *logger.Logger) *InteractiveLoop {
	return &InteractiveLoop{
		config:    cfg,
		publisher: pub,
		runner:    runner,
		logger:    log,
	}
}

// Run consumes prompts until Stop is called or the context ends. Errors
// inside a turn are published and the loop returns to idle; they never
// terminate the session.
func (l *InteractiveLoop) Run(ctx context.Context) error {
	l.logger.Info("interactive session started", zap.String("session_id", l.config.SessionID))

	if err := l.publisher.UpdateState(ctx, models.StatusIdle); err != nil {
		return fmt.Errorf("failed to report initial state: %w", err)
	}

	for !l.isShutdown() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		input, err := l.publisher.GetInput(ctx, inputPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("input poll failed", zap.Error(err))
			time.Sleep(inputPollTimeout)
			continue
		}
		if input == nil || input.Prompt == "" {
			continue
		}

		l.logger.Info("received prompt", zap.Int("turn", l.turns+1))

		if err := l.publisher.UpdateState(ctx, models.StatusRunning); err != nil {
			l.logger.Error("failed to update state", zap.Error(err))
		}

		turn, err := l.runner.RunPrompt(ctx, input.Prompt, l.resumeArg())
		if err != nil {
			l.logger.Error("turn failed", zap.Error(err))
			if pubErr := l.publisher.PublishError(ctx, err.Error()); pubErr != nil {
				l.logger.Error("failed to publish turn error", zap.Error(pubErr))
			}
		} else {
			l.turns++
			if turn.AgentSession != "" {
				l.resumeID = turn.AgentSession
			}
		}

		if err := l.publisher.UpdateState(ctx, models.StatusIdle); err != nil {
			l.logger.Error("failed to update state", zap.Error(err))
		}
	}

	l.logger.Info("interactive session ended", zap.Int("turns", l.turns))
	return nil
}

// Stop ends the loop after the current turn and interrupts the runner.
func (l *InteractiveLoop) Stop() {
	l.mu.Lock()
	l.shutdown = true
	l.mu.Unlock()
	l.runner.Stop()
}

// resumeArg returns the --resume argument for the next turn: empty on the
// first turn, then the CLI session id from the last result when the agent
// reported one, else the wrapper's session id.
func (l *InteractiveLoop) resumeArg() string {
	if l.turns == 0 {
		return ""
	}
	if l.resumeID != "" {
		return l.resumeID
	}
	return l.config.SessionID
}

func (l *InteractiveLoop) isShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdown
}
