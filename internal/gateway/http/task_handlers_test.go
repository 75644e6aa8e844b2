package http

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/bus"
	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/db"
	eventbus "github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/scheduler"
	sessiondto "github.com/agentdock/agentdock/internal/session/dto"
	"github.com/agentdock/agentdock/internal/task/dto"
	taskservice "github.com/agentdock/agentdock/internal/task/service"
	taskstore "github.com/agentdock/agentdock/internal/task/store"
)

// fakeSessionRunner satisfies taskservice.Sessions without Docker. Runs
// started through it never complete, which is fine: these tests assert
// the HTTP contract, not run outcomes.
type fakeSessionRunner struct {
	mu  sync.Mutex
	seq int
}

func (f *fakeSessionRunner) Create(_ context.Context, _ *sessiondto.CreateSessionRequest) (*sessiondto.SessionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return &sessiondto.SessionResponse{
		SessionID: fmt.Sprintf("sess-%d", f.seq),
		Status:    "idle",
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeSessionRunner) Stop(_ context.Context, id string) (*sessiondto.SessionDetail, error) {
	return &sessiondto.SessionDetail{SessionID: id, Status: "stopped"}, nil
}

type taskEnv struct {
	router *gin.Engine
	tasks  *taskservice.Service
}

func newTaskEnv(t *testing.T) *taskEnv {
	t.Helper()

	rawDB, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	rawDB.SetMaxOpenConns(1)
	t.Cleanup(func() { rawDB.Close() })
	sqlxDB := sqlx.NewDb(rawDB, "sqlite3")

	log := logger.Default()
	st, err := taskstore.New(db.NewPool(sqlxDB, sqlxDB), log)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Session.RequestTimeout = 5

	evts := eventbus.NewMemoryEventBus(log)
	tasks := taskservice.New(st, &fakeSessionRunner{}, bus.NewMemoryClient(log), evts, cfg, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tasks.Shutdown(ctx)
	})

	// Entries can be armed without starting the cron loop; these tests
	// never wait for a fire.
	sched := scheduler.New(tasks, evts, cfg, log)

	router := gin.New()
	api := router.Group("/api/v1")
	api.Use(func(c *gin.Context) { c.Set(userIDKey, "tester") })
	NewTaskHandlers(tasks, sched, log).Register(api)

	return &taskEnv{router: router, tasks: tasks}
}

func (env *taskEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func newTaskBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"task_name":           name,
		"template_prompt":     "Summarize {repo} at {depth} depth",
		"required_parameters": []string{"repo"},
		"optional_parameters": map[string]string{"depth": "shallow"},
	}
}

func createTaskViaAPI(t *testing.T, env *taskEnv, name string) *dto.TaskResponse {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/v1/tasks", newTaskBody(name))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeTask(t, w)
}

func decodeTask(t *testing.T, w *httptest.ResponseRecorder) *dto.TaskResponse {
	t.Helper()
	var resp dto.TaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestCreateTaskRoute(t *testing.T) {
	env := newTaskEnv(t)

	body := newTaskBody("nightly-summary")
	body["schedule_cron"] = "0 9 * * *"

	w := env.do(t, http.MethodPost, "/api/v1/tasks", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	task := decodeTask(t, w)
	assert.Equal(t, "nightly-summary", task.Name)
	assert.Equal(t, "tester", task.OwnerUserID, "owner should default to the authenticated user")
	assert.True(t, task.Enabled)
	require.NotNil(t, task.ScheduleCron)
	assert.Equal(t, "0 9 * * *", *task.ScheduleCron)
	assert.Len(t, task.NextRunTimes, 3)
}

func TestCreateTaskRouteRejectsBadName(t *testing.T) {
	env := newTaskEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/tasks", newTaskBody("Bad Name!"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := errorBody(t, w)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
	assert.Contains(t, body["error"], "lowercase")
}

func TestCreateTaskRouteRejectsMissingFields(t *testing.T) {
	env := newTaskEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{"task_name": "no-prompt"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BAD_REQUEST", errorBody(t, w)["code"])
}

func TestCreateTaskRouteRejectsDuplicateName(t *testing.T) {
	env := newTaskEnv(t)
	createTaskViaAPI(t, env, "repeated")

	w := env.do(t, http.MethodPost, "/api/v1/tasks", newTaskBody("repeated"))
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", errorBody(t, w)["code"])
}

func TestGetTaskRoute(t *testing.T) {
	env := newTaskEnv(t)
	created := createTaskViaAPI(t, env, "lookup-me")

	w := env.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decodeTask(t, w).ID)

	missing := env.do(t, http.MethodGet, "/api/v1/tasks/no-such-task", nil)
	require.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, "NOT_FOUND", errorBody(t, missing)["code"])
}

func TestListTasksRoute(t *testing.T) {
	env := newTaskEnv(t)
	createTaskViaAPI(t, env, "alpha")

	disabled := newTaskBody("beta")
	disabled["enabled"] = false
	w := env.do(t, http.MethodPost, "/api/v1/tasks", disabled)
	require.Equal(t, http.StatusCreated, w.Code)

	all := env.do(t, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, all.Code)
	var list dto.TaskListResponse
	require.NoError(t, json.Unmarshal(all.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Tasks, 2)

	enabledOnly := env.do(t, http.MethodGet, "/api/v1/tasks?enabled=true", nil)
	require.Equal(t, http.StatusOK, enabledOnly.Code)
	require.NoError(t, json.Unmarshal(enabledOnly.Body.Bytes(), &list))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, "alpha", list.Tasks[0].Name)

	badLimit := env.do(t, http.MethodGet, "/api/v1/tasks?limit=zero", nil)
	require.Equal(t, http.StatusBadRequest, badLimit.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorBody(t, badLimit)["code"])
}

func TestUpdateTaskRoute(t *testing.T) {
	env := newTaskEnv(t)
	created := createTaskViaAPI(t, env, "pause-me")

	w := env.do(t, http.MethodPut, "/api/v1/tasks/"+created.ID, map[string]interface{}{"paused": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decodeTask(t, w).Paused)

	missing := env.do(t, http.MethodPut, "/api/v1/tasks/no-such-task", map[string]interface{}{"paused": true})
	require.Equal(t, http.StatusNotFound, missing.Code)
}

func TestStartTaskRoute(t *testing.T) {
	env := newTaskEnv(t)
	created := createTaskViaAPI(t, env, "manual-run")

	w := env.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/start", dto.StartTaskRequest{
		Parameters: map[string]string{"repo": "agentdock/agentdock"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var run dto.RunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, created.ID, run.TaskID)
	assert.Equal(t, "manual-run", run.TaskName)
	assert.Equal(t, "running", run.Status)
	assert.Equal(t, "manual", run.Trigger)
	require.NotNil(t, run.SessionID)
	assert.NotEmpty(t, *run.SessionID)
}

func TestStartTaskRouteValidatesParameters(t *testing.T) {
	env := newTaskEnv(t)
	created := createTaskViaAPI(t, env, "needs-repo")

	w := env.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/start", dto.StartTaskRequest{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := errorBody(t, w)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
	assert.Contains(t, body["error"], "repo")

	missing := env.do(t, http.MethodPost, "/api/v1/tasks/no-such-task/start", dto.StartTaskRequest{})
	require.Equal(t, http.StatusNotFound, missing.Code)
}

func TestScheduleRouteAuditsChanges(t *testing.T) {
	env := newTaskEnv(t)
	created := createTaskViaAPI(t, env, "audited")

	set := env.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/schedule", dto.ScheduleRequest{
		ScheduleCron: "*/10 * * * *",
	})
	require.Equal(t, http.StatusOK, set.Code, set.Body.String())
	scheduled := decodeTask(t, set)
	require.NotNil(t, scheduled.ScheduleCron)
	assert.Equal(t, "*/10 * * * *", *scheduled.ScheduleCron)
	assert.NotEmpty(t, scheduled.NextRunTimes)

	cleared := env.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/schedule", dto.ScheduleRequest{})
	require.Equal(t, http.StatusOK, cleared.Code)
	assert.Nil(t, decodeTask(t, cleared).ScheduleCron)

	hist := env.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID+"/schedule/history", nil)
	require.Equal(t, http.StatusOK, hist.Code)
	var audit dto.ScheduleHistoryResponse
	require.NoError(t, json.Unmarshal(hist.Body.Bytes(), &audit))
	assert.Equal(t, created.ID, audit.TaskID)
	require.Len(t, audit.Changes, 2)
	// Newest first.
	assert.Equal(t, "removed", audit.Changes[0].Action)
	assert.Equal(t, "added", audit.Changes[1].Action)
	for _, change := range audit.Changes {
		assert.Equal(t, "api", change.TriggeredBy)
		assert.Equal(t, "tester", change.UserID)
	}
}

func TestScheduleRouteRejectsBadExpression(t *testing.T) {
	env := newTaskEnv(t)
	created := createTaskViaAPI(t, env, "bad-cron")

	w := env.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/schedule", dto.ScheduleRequest{
		ScheduleCron: "not a cron",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorBody(t, w)["code"])
}

func TestDeleteTaskRoute(t *testing.T) {
	env := newTaskEnv(t)
	created := createTaskViaAPI(t, env, "ephemeral")

	w := env.do(t, http.MethodDelete, "/api/v1/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	gone := env.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, gone.Code)
}

func TestRunHistoryRoute(t *testing.T) {
	env := newTaskEnv(t)
	created := createTaskViaAPI(t, env, "with-history")

	start := env.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/start", dto.StartTaskRequest{
		Parameters: map[string]string{"repo": "agentdock/agentdock"},
	})
	require.Equal(t, http.StatusOK, start.Code, start.Body.String())

	w := env.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist dto.RunHistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Equal(t, "with-history", hist.TaskName)
	require.Len(t, hist.Runs, 1)
	assert.Equal(t, "manual", hist.Runs[0].Trigger)

	bad := env.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID+"/history?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, bad.Code)
}
