package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/db"
	"github.com/agentdock/agentdock/internal/session/models"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
)

var testLimits = Limits{MaxDepth: 5, MaxChildren: 10, MaxTotal: 50}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	rawDB, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	rawDB.SetMaxOpenConns(1)
	sqlxDB := sqlx.NewDb(rawDB, "sqlite3")
	t.Cleanup(func() { _ = sqlxDB.Close() })

	s, err := New(db.NewPool(sqlxDB, sqlxDB), logger.Default())
	require.NoError(t, err)
	return s
}

func newSession(id string) *models.Session {
	return &models.Session{
		ID:          id,
		Status:      models.StatusStarting,
		OwnerUserID: "user-1",
		Config:      map[string]interface{}{"agent_profile": "default"},
	}
}

func createSession(t *testing.T, s *Store, id string) *models.Session {
	t.Helper()
	session := newSession(id)
	require.NoError(t, s.Create(context.Background(), session))
	return session
}

func createChild(t *testing.T, s *Store, parentID, id string) *models.Session {
	t.Helper()
	child := newSession(id)
	require.NoError(t, s.CreateChildLocked(context.Background(), parentID, child, testLimits))
	return child
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := createSession(t, s, "sess-1")
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.GetByID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarting, got.Status)
	assert.Equal(t, "user-1", got.OwnerUserID)
	assert.Equal(t, models.WorkspaceEphemeral, got.WorkspaceType)
	assert.Equal(t, "default", got.Config["agent_profile"])
	assert.Nil(t, got.ParentSessionID)
	assert.Nil(t, got.StoppedAt)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetByID(context.Background(), "missing")
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeNotFound, appErr.Code)
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "sess-1")
	createSession(t, s, "sess-2")
	require.NoError(t, s.UpdateStatus(ctx, "sess-2", models.StatusStopped, nil))

	all, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	live, err := s.List(ctx, ListFilter{Statuses: []models.Status{models.StatusStarting}})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "sess-1", live[0].ID)
}

func TestUpdateStatusTerminalStampsStoppedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "sess-1")
	errMsg := "container exited unexpectedly"
	require.NoError(t, s.UpdateStatus(ctx, "sess-1", models.StatusFailed, &errMsg))

	got, err := s.GetByID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.StoppedAt)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, errMsg, *got.ErrorMessage)
}

func TestUpdateStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateStatus(context.Background(), "missing", models.StatusIdle, nil)
	require.Error(t, err)
}

func TestUpdateContainerAndUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "sess-1")
	require.NoError(t, s.UpdateContainer(ctx, "sess-1", "cont-abc"))
	require.NoError(t, s.AddUsage(ctx, "sess-1", 0.10, 1))
	require.NoError(t, s.AddUsage(ctx, "sess-1", 0.15, 2))

	got, err := s.GetByID(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got.ContainerID)
	assert.Equal(t, "cont-abc", *got.ContainerID)
	assert.InDelta(t, 0.25, got.TotalCostUSD, 1e-9)
	assert.Equal(t, 3, got.TotalTurns)
}

func TestChildrenAndParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "root")
	createChild(t, s, "root", "child-1")
	createChild(t, s, "root", "child-2")

	children, err := s.ChildrenOf(ctx, "root")
	require.NoError(t, err)
	assert.Len(t, children, 2)

	parent, err := s.ParentOf(ctx, "child-1")
	require.NoError(t, err)
	require.NotNil(t, parent)
	assert.Equal(t, "root", parent.ID)

	rootParent, err := s.ParentOf(ctx, "root")
	require.NoError(t, err)
	assert.Nil(t, rootParent)
}

func TestTreeQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// root -> child -> grandchild
	createSession(t, s, "root")
	createChild(t, s, "root", "child")
	createChild(t, s, "child", "grandchild")

	depth, err := s.DepthOf(ctx, "grandchild")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	root, err := s.RootOf(ctx, "grandchild")
	require.NoError(t, err)
	assert.Equal(t, "root", root)

	count, err := s.CountLiveInTree(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, s.UpdateStatus(ctx, "grandchild", models.StatusStopped, nil))
	count, err = s.CountLiveInTree(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "terminal sessions leave the live count")
}

func TestSpawnDepthLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	limits := Limits{MaxDepth: 2, MaxChildren: 10, MaxTotal: 50}

	createSession(t, s, "d0")
	require.NoError(t, s.CreateChildLocked(ctx, "d0", newSession("d1"), limits))
	// Child at exactly the max depth is allowed.
	require.NoError(t, s.CreateChildLocked(ctx, "d1", newSession("d2"), limits))

	err := s.CreateChildLocked(ctx, "d2", newSession("d3"), limits)
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, "Maximum spawn depth (2) exceeded", appErr.Message)
}

func TestSpawnChildrenLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	limits := Limits{MaxDepth: 5, MaxChildren: 2, MaxTotal: 50}

	createSession(t, s, "root")
	require.NoError(t, s.CreateChildLocked(ctx, "root", newSession("c1"), limits))
	require.NoError(t, s.CreateChildLocked(ctx, "root", newSession("c2"), limits))

	err := s.CreateChildLocked(ctx, "root", newSession("c3"), limits)
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, "Maximum children per session (2) exceeded", appErr.Message)

	// A finished child frees its slot.
	require.NoError(t, s.UpdateStatus(ctx, "c1", models.StatusStopped, nil))
	require.NoError(t, s.CreateChildLocked(ctx, "root", newSession("c3"), limits))
}

func TestSpawnTotalLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	limits := Limits{MaxDepth: 5, MaxChildren: 10, MaxTotal: 3}

	createSession(t, s, "root")
	require.NoError(t, s.CreateChildLocked(ctx, "root", newSession("c1"), limits))
	require.NoError(t, s.CreateChildLocked(ctx, "c1", newSession("c2"), limits))

	err := s.CreateChildLocked(ctx, "c2", newSession("c3"), limits)
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, "Maximum total instances (3) exceeded", appErr.Message)
}

func TestSpawnTotalLimitScopedToTree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	limits := Limits{MaxDepth: 5, MaxChildren: 10, MaxTotal: 2}

	createSession(t, s, "tree-a")
	require.NoError(t, s.CreateChildLocked(ctx, "tree-a", newSession("a1"), limits))

	// An unrelated tree has its own budget.
	createSession(t, s, "tree-b")
	require.NoError(t, s.CreateChildLocked(ctx, "tree-b", newSession("b1"), limits))

	err := s.CreateChildLocked(ctx, "tree-a", newSession("a2"), limits)
	require.Error(t, err, "tree-a is at its cap regardless of tree-b")
}

func TestSpawnFromEndedParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "root")
	require.NoError(t, s.UpdateStatus(ctx, "root", models.StatusStopped, nil))

	err := s.CreateChildLocked(ctx, "root", newSession("c1"), testLimits)
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeConflict, appErr.Code)
}

func TestDeleteGuardsLiveChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "root")
	createChild(t, s, "root", "child")

	err := s.Delete(ctx, "root")
	require.Error(t, err)

	require.NoError(t, s.UpdateStatus(ctx, "child", models.StatusStopped, nil))
	require.NoError(t, s.Delete(ctx, "root"))

	// The ended child survives, detached from the deleted parent.
	child, err := s.GetByID(ctx, "child")
	require.NoError(t, err)
	assert.Nil(t, child.ParentSessionID)
}

func TestMessagesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "sess-1")
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		err := s.CreateMessage(ctx, &models.Message{
			SessionID: "sess-1",
			Role:      models.RoleUser,
			Content:   fmt.Sprintf("prompt %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	messages, err := s.ListMessages(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "prompt 0", messages[0].Content)

	limited, err := s.ListMessages(ctx, "sess-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, s.DeleteMessages(ctx, "sess-1"))
	messages, err = s.ListMessages(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestMessageUsageFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "sess-1")
	duration := int64(5300)
	require.NoError(t, s.CreateMessage(ctx, &models.Message{
		SessionID:    "sess-1",
		Role:         models.RoleAssistant,
		Content:      "done",
		InputTokens:  120,
		OutputTokens: 80,
		CostUSD:      0.02,
		DurationMS:   &duration,
	}))

	messages, err := s.ListMessages(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, 120, messages[0].InputTokens)
	require.NotNil(t, messages[0].DurationMS)
	assert.Equal(t, duration, *messages[0].DurationMS)
}
