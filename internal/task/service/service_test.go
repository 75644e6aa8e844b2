package service

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/bus"
	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/db"
	eventbus "github.com/agentdock/agentdock/internal/events/bus"
	sessiondto "github.com/agentdock/agentdock/internal/session/dto"
	"github.com/agentdock/agentdock/internal/task/dto"
	"github.com/agentdock/agentdock/internal/task/models"
	"github.com/agentdock/agentdock/internal/task/store"
	"github.com/agentdock/agentdock/pkg/stream"
)

// fakeSessions stands in for the session service. Session ids are
// handed out sequentially so tests can address the bus keys.
type fakeSessions struct {
	mu         sync.Mutex
	seq        int
	created    map[string]*sessiondto.CreateSessionRequest
	stopped    []string
	failCreate bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{created: make(map[string]*sessiondto.CreateSessionRequest)}
}

func (f *fakeSessions) Create(_ context.Context, req *sessiondto.CreateSessionRequest) (*sessiondto.SessionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return nil, apperrors.ServiceUnavailable("docker daemon unreachable")
	}
	f.seq++
	id := fmt.Sprintf("sess-%d", f.seq)
	f.created[id] = req
	return &sessiondto.SessionResponse{
		SessionID: id,
		Status:    "idle",
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeSessions) Stop(_ context.Context, id string) (*sessiondto.SessionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return &sessiondto.SessionDetail{SessionID: id, Status: "stopped"}, nil
}

func (f *fakeSessions) stoppedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func (f *fakeSessions) requestFor(t *testing.T, sessionID string) *sessiondto.CreateSessionRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.created[sessionID]
	require.True(t, ok, "session %s was never created", sessionID)
	return req
}

type testEnv struct {
	svc      *Service
	store    *store.Store
	bus      bus.Client
	events   eventbus.EventBus
	sessions *fakeSessions
	cfg      *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	rawDB, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	rawDB.SetMaxOpenConns(1)
	t.Cleanup(func() { rawDB.Close() })
	sqlxDB := sqlx.NewDb(rawDB, "sqlite3")

	log := logger.Default()
	st, err := store.New(db.NewPool(sqlxDB, sqlxDB), log)
	require.NoError(t, err)

	busClient := bus.NewMemoryClient(log)
	sessions := newFakeSessions()
	evts := eventbus.NewMemoryEventBus(log)

	cfg := &config.Config{}
	cfg.Session.RequestTimeout = 5

	svc := New(st, sessions, busClient, evts, cfg, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return &testEnv{svc: svc, store: st, bus: busClient, events: evts, sessions: sessions, cfg: cfg}
}

func createTask(t *testing.T, env *testEnv, name string) *models.Task {
	t.Helper()
	task, err := env.svc.Create(context.Background(), &dto.CreateTaskRequest{
		Name:               name,
		TemplatePrompt:     "Summarize {repo} at {depth} depth",
		RequiredParameters: []string{"repo"},
		OptionalParameters: map[string]string{"depth": "shallow"},
	})
	require.NoError(t, err)
	return task
}

// runEchoWorker answers the next prompt pushed to a session's input
// queue with the given envelope.
func runEchoWorker(t *testing.T, env *testEnv, sessionID string, respond func(prompt string) *stream.Envelope) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			raw, err := env.bus.BlockingPop(context.Background(), bus.InputKey(sessionID), 200*time.Millisecond)
			if err != nil || raw == nil {
				continue
			}
			input, err := stream.DecodeInput(raw)
			if err != nil {
				return
			}
			payload, err := respond(input.Prompt).Encode()
			if err != nil {
				return
			}
			_, _ = env.bus.Publish(context.Background(), bus.OutputTopic(sessionID), payload)
			return
		}
	}()
}

func successResult(t *testing.T, sessionID, summary string) *stream.Envelope {
	t.Helper()
	envelope, err := stream.NewResult(sessionID, stream.Result{
		Subtype:      "success",
		Result:       summary,
		TotalCostUSD: 0.02,
		DurationMS:   1500,
		NumTurns:     3,
	})
	require.NoError(t, err)
	return envelope
}

func waitForRunStatus(t *testing.T, env *testEnv, runID string, want models.RunStatus) *models.Run {
	t.Helper()
	var run *models.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = env.svc.GetRun(context.Background(), runID)
		return err == nil && run.Status == want
	}, 5*time.Second, 20*time.Millisecond, "run %s never reached %s", runID, want)
	return run
}

func TestCreateTaskValidatesNameAndTemplate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, &dto.CreateTaskRequest{
		Name:           "Bad_Name",
		TemplatePrompt: "do things",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsBadRequest(err))

	_, err = env.svc.Create(ctx, &dto.CreateTaskRequest{
		Name:               "report",
		TemplatePrompt:     "Summarize the repository",
		RequiredParameters: []string{"repo"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsBadRequest(err))
	assert.Contains(t, err.Error(), "Required parameter 'repo' not found in template")
}

func TestCreateTaskRejectsDuplicateName(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	createTask(t, env, "nightly")
	_, err := env.svc.Create(ctx, &dto.CreateTaskRequest{
		Name:           "nightly",
		TemplatePrompt: "anything",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Contains(t, err.Error(), "Task with name 'nightly' already exists")
}

func TestCreateTaskValidatesSchedule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, &dto.CreateTaskRequest{
		Name:           "bad-cron",
		TemplatePrompt: "run it",
		ScheduleCron:   "61 * * * *",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsBadRequest(err))

	_, err = env.svc.Create(ctx, &dto.CreateTaskRequest{
		Name:             "bad-zone",
		TemplatePrompt:   "run it",
		ScheduleCron:     "0 6 * * *",
		ScheduleTimezone: "Mars/Olympus",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestStartFillsTemplateAndDefaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := createTask(t, env, "digest")

	run, prompt, err := env.svc.Start(ctx, task.ID, map[string]string{"repo": "agentdock"},
		models.TriggerManual, "tester")
	require.NoError(t, err)

	assert.Equal(t, "Summarize agentdock at shallow depth", prompt)
	assert.Equal(t, models.RunStarting, run.Status)
	assert.Equal(t, models.TriggerManual, run.Trigger)
	assert.Equal(t, map[string]string{"repo": "agentdock", "depth": "shallow"}, run.Parameters)

	// Overrides beat optional defaults.
	_, prompt, err = env.svc.Start(ctx, task.ID, map[string]string{"repo": "agentdock", "depth": "full"},
		models.TriggerManual, "tester")
	require.NoError(t, err)
	assert.Equal(t, "Summarize agentdock at full depth", prompt)

	got, err := env.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RunCount)
	require.NotNil(t, got.LastRunAt)
}

func TestStartReportsMissingParametersSorted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task, err := env.svc.Create(ctx, &dto.CreateTaskRequest{
		Name:               "multi",
		TemplatePrompt:     "Check {repo} on {branch}",
		RequiredParameters: []string{"repo", "branch"},
	})
	require.NoError(t, err)

	_, _, err = env.svc.Start(ctx, task.ID, nil, models.TriggerManual, "tester")
	require.Error(t, err)
	assert.True(t, apperrors.IsBadRequest(err))
	assert.Contains(t, err.Error(), "Missing required parameters: branch, repo")
}

func TestStartRejectsUnfilledPlaceholders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task, err := env.svc.Create(ctx, &dto.CreateTaskRequest{
		Name:               "half-bound",
		TemplatePrompt:     "Do {thing} with {mystery}",
		RequiredParameters: []string{"thing"},
	})
	require.NoError(t, err)

	_, _, err = env.svc.Start(ctx, task.ID, map[string]string{"thing": "tests"},
		models.TriggerManual, "tester")
	require.Error(t, err)
	assert.True(t, apperrors.IsBadRequest(err))
	assert.Contains(t, err.Error(), "Template has unfilled placeholders: mystery")
}

func TestStartConflictsOnDisabledAndPaused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	disabled := false
	task, err := env.svc.Create(ctx, &dto.CreateTaskRequest{
		Name:           "dormant",
		TemplatePrompt: "wake up",
		Enabled:        &disabled,
	})
	require.NoError(t, err)

	_, _, err = env.svc.Start(ctx, task.ID, nil, models.TriggerManual, "tester")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Contains(t, err.Error(), "Task 'dormant' is disabled")

	enabled, paused := true, true
	_, err = env.svc.Update(ctx, task.ID, &dto.UpdateTaskRequest{Enabled: &enabled, Paused: &paused})
	require.NoError(t, err)

	_, _, err = env.svc.Start(ctx, task.ID, nil, models.TriggerManual, "tester")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Contains(t, err.Error(), "Task 'dormant' is paused")
}

func TestRunTaskCompletesAndStopsSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := createTask(t, env, "e2e")

	finished := make(chan *eventbus.Event, 1)
	_, err := env.events.Subscribe("task.run.finished."+task.ID, func(_ context.Context, event *eventbus.Event) error {
		select {
		case finished <- event:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	runEchoWorker(t, env, "sess-1", func(prompt string) *stream.Envelope {
		assert.Equal(t, "Summarize agentdock at shallow depth", prompt)
		return successResult(t, "sess-1", "digest ready")
	})

	run, err := env.svc.RunTask(ctx, task.ID, map[string]string{"repo": "agentdock"},
		models.TriggerManual, "tester")
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, run.Status)
	require.NotNil(t, run.SessionID)
	assert.Equal(t, "sess-1", *run.SessionID)

	done := waitForRunStatus(t, env, run.ID, models.RunCompleted)
	assert.Equal(t, "digest ready", done.ResultSummary)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.DurationSeconds)

	got, err := env.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Zero(t, got.FailureCount)

	require.Eventually(t, func() bool {
		for _, id := range env.sessions.stoppedIDs() {
			if id == "sess-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond, "run session was never stopped")

	select {
	case event := <-finished:
		assert.Equal(t, "task.run.finished", event.Type)
		assert.Equal(t, "completed", event.Data["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("no task.run.finished event was published")
	}
}

func TestRunTaskPinsPersistentWorkspace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	workspaceID := "digests"
	task, err := env.svc.Create(ctx, &dto.CreateTaskRequest{
		Name:           "pinned",
		TemplatePrompt: "refresh the digest",
		WorkspaceType:  "persistent",
		WorkspaceID:    &workspaceID,
	})
	require.NoError(t, err)

	runEchoWorker(t, env, "sess-1", func(string) *stream.Envelope {
		return successResult(t, "sess-1", "ok")
	})

	run, err := env.svc.RunTask(ctx, task.ID, nil, models.TriggerScheduled, "scheduler")
	require.NoError(t, err)
	waitForRunStatus(t, env, run.ID, models.RunCompleted)

	req := env.sessions.requestFor(t, "sess-1")
	require.NotNil(t, req.Workspace)
	assert.Equal(t, "persistent", req.Workspace.Type)
	assert.Equal(t, "digests", req.Workspace.ID)
}

func TestRunTaskCoalescesConcurrentFires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := createTask(t, env, "serial")

	// No worker yet: the first run stays in flight.
	first, err := env.svc.RunTask(ctx, task.ID, map[string]string{"repo": "agentdock"},
		models.TriggerScheduled, "scheduler")
	require.NoError(t, err)

	_, err = env.svc.RunTask(ctx, task.ID, map[string]string{"repo": "agentdock"},
		models.TriggerManual, "tester")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Contains(t, err.Error(), "already has a run in flight")

	// Finish the first run; the slot frees up for the next fire.
	payload, err := successResult(t, "sess-1", "done").Encode()
	require.NoError(t, err)
	_, err = env.bus.Publish(ctx, bus.OutputTopic("sess-1"), payload)
	require.NoError(t, err)
	waitForRunStatus(t, env, first.ID, models.RunCompleted)

	runEchoWorker(t, env, "sess-2", func(string) *stream.Envelope {
		return successResult(t, "sess-2", "done again")
	})
	second, err := env.svc.RunTask(ctx, task.ID, map[string]string{"repo": "agentdock"},
		models.TriggerManual, "tester")
	require.NoError(t, err)
	waitForRunStatus(t, env, second.ID, models.RunCompleted)
}

func TestRunTaskSessionFailureMarksRunFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := createTask(t, env, "doomed")
	env.sessions.failCreate = true

	_, err := env.svc.RunTask(ctx, task.ID, map[string]string{"repo": "agentdock"},
		models.TriggerManual, "tester")
	require.Error(t, err)

	runs, err := env.store.ListRuns(ctx, store.RunFilter{TaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].ErrorMessage, "session creation failed")

	// The in-flight slot was released on the failure path.
	_, err = env.svc.RunTask(ctx, task.ID, map[string]string{"repo": "agentdock"},
		models.TriggerManual, "tester")
	require.Error(t, err)
	assert.False(t, apperrors.IsConflict(err))
}

func TestRunTaskErrorEnvelopeFailsRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := createTask(t, env, "crashy")

	runEchoWorker(t, env, "sess-1", func(string) *stream.Envelope {
		return stream.NewError("sess-1", "agent crashed")
	})

	run, err := env.svc.RunTask(ctx, task.ID, map[string]string{"repo": "agentdock"},
		models.TriggerManual, "tester")
	require.NoError(t, err)

	done := waitForRunStatus(t, env, run.ID, models.RunFailed)
	assert.Equal(t, "agent crashed", done.ErrorMessage)

	got, err := env.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailureCount)
	assert.Zero(t, got.SuccessCount)
}

func TestRunTaskFailsOnErrorSubtype(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := createTask(t, env, "maxed-out")

	runEchoWorker(t, env, "sess-1", func(string) *stream.Envelope {
		envelope, err := stream.NewResult("sess-1", stream.Result{
			Subtype: "error_max_turns",
			Result:  "ran out of turns",
		})
		require.NoError(t, err)
		return envelope
	})

	run, err := env.svc.RunTask(ctx, task.ID, map[string]string{"repo": "agentdock"},
		models.TriggerManual, "tester")
	require.NoError(t, err)

	done := waitForRunStatus(t, env, run.ID, models.RunFailed)
	assert.Contains(t, done.ErrorMessage, "error_max_turns")
	assert.Equal(t, "ran out of turns", done.ResultSummary)
}

func TestUpdateRunCancelledSkipsCounters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := createTask(t, env, "cancellable")

	run, _, err := env.svc.Start(ctx, task.ID, map[string]string{"repo": "agentdock"},
		models.TriggerManual, "tester")
	require.NoError(t, err)

	cancelled := models.RunCancelled
	updated, err := env.svc.UpdateRun(ctx, run.ID, RunUpdate{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, updated.Status)
	require.NotNil(t, updated.CompletedAt)
	require.NotNil(t, updated.DurationSeconds)

	got, err := env.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Zero(t, got.SuccessCount)
	assert.Zero(t, got.FailureCount)
	assert.Zero(t, got.AvgDurationSeconds)
}

func TestUpdateTaskRevalidatesTemplate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := createTask(t, env, "strict")

	broken := "Summarize everything"
	_, err := env.svc.Update(ctx, task.ID, &dto.UpdateTaskRequest{TemplatePrompt: &broken})
	require.Error(t, err)
	assert.True(t, apperrors.IsBadRequest(err))
	assert.Contains(t, err.Error(), "Required parameter 'repo' not found in template")
}

func TestDeleteSoftThenRecreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := createTask(t, env, "phoenix")

	require.NoError(t, env.svc.Delete(ctx, task.ID, false))
	_, err := env.svc.Get(ctx, task.ID)
	assert.True(t, apperrors.IsNotFound(err))

	recreated := createTask(t, env, "phoenix")
	assert.NotEqual(t, task.ID, recreated.ID)
}

func TestRunHistoryPaging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := createTask(t, env, "paged")

	for i := 0; i < 3; i++ {
		run := &models.Run{
			TaskID:    task.ID,
			Status:    models.RunCompleted,
			Trigger:   models.TriggerManual,
			StartedAt: time.Now().UTC().Add(time.Duration(i-3) * time.Minute),
		}
		require.NoError(t, env.store.CreateRun(ctx, run))
	}

	history, err := env.svc.RunHistory(ctx, task.ID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, "paged", history.TaskName)
	assert.Len(t, history.Runs, 2)
	assert.Equal(t, 3, history.Total)
	assert.Equal(t, 2, history.Limit)
}

func TestSeedFromFileIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seed := `
tasks:
  - task_name: morning-digest
    description: daily summary
    template_prompt: "Summarize {repo}"
    required_parameters: [repo]
    schedule_cron: "0 6 * * *"
    schedule_timezone: Europe/Berlin
    workspace_type: persistent
    workspace_id: digests
  - task_name: weekly-cleanup
    template_prompt: "Clean up stale branches"
`
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	created, err := env.svc.SeedFromFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	task, err := env.svc.GetByName(ctx, "morning-digest")
	require.NoError(t, err)
	require.NotNil(t, task.ScheduleCron)
	assert.Equal(t, "0 6 * * *", *task.ScheduleCron)
	assert.Equal(t, "Europe/Berlin", task.ScheduleTimezone)

	// A second pass creates nothing and leaves existing rows alone.
	created, err = env.svc.SeedFromFile(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, created)

	// Missing files are tolerated.
	created, err = env.svc.SeedFromFile(ctx, filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Zero(t, created)
}
