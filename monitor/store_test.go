package monitor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stretchr/testify/assert"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateAgent(ctx, "step-1", "claude", "sonnet", nil, "do the thing")
	require.NoError(t, err)
	assert.NotZero(t, id)

	rec, err := s.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "step-1", rec.Name)
	assert.Equal(t, "claude", rec.Engine)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Nil(t, rec.ParentID)
}

func TestUpdateStatus_HappyPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateAgent(ctx, "step-1", "claude", "", nil, "p")
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, id, StatusRunning, nil))
	require.NoError(t, s.UpdateStatus(ctx, id, StatusCompleted, nil))

	rec, err := s.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	require.NotNil(t, rec.EndTime)
}

func TestUpdateStatus_RejectsIllegalTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateAgent(ctx, "step-1", "claude", "", nil, "p")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, id, StatusRunning, nil))
	require.NoError(t, s.UpdateStatus(ctx, id, StatusCompleted, nil))

	err = s.UpdateStatus(ctx, id, StatusRunning, nil)
	assert.Error(t, err)

	rec, err := s.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status, "illegal transition must not mutate stored status")
}

func TestGetChildren(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parentID, err := s.CreateAgent(ctx, "parent", "claude", "", nil, "p")
	require.NoError(t, err)
	child1, err := s.CreateAgent(ctx, "child-1", "claude", "", &parentID, "p1")
	require.NoError(t, err)
	child2, err := s.CreateAgent(ctx, "child-2", "claude", "", &parentID, "p2")
	require.NoError(t, err)

	children, err := s.GetChildren(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.ElementsMatch(t, []int64{child1, child2}, []int64{children[0].ID, children[1].ID})
}

func TestQueryAgents_FiltersByStatusAndName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.CreateAgent(ctx, "alpha", "claude", "", nil, "p")
	require.NoError(t, err)
	_, err = s.CreateAgent(ctx, "beta", "codex", "", nil, "p")
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, id1, StatusRunning, nil))

	running := StatusRunning
	results, err := s.QueryAgents(ctx, AgentFilter{Status: &running})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "alpha", results[0].Name)
}

func TestUpdateTelemetry_MergesAcrossCalls(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateAgent(ctx, "step-1", "claude", "", nil, "p")
	require.NoError(t, err)

	require.NoError(t, s.UpdateTelemetry(ctx, AgentTelemetry{AgentID: id, TokensIn: 10, TokensOut: 5}))
	require.NoError(t, s.UpdateTelemetry(ctx, AgentTelemetry{AgentID: id, TokensIn: 8, TokensOut: 20}))

	got, err := scanTelemetry(s.db.QueryRowContext(ctx,
		`SELECT agent_id, tokens_in, tokens_out, cached, cost, duration_ms FROM telemetry WHERE agent_id = ?`, id))
	require.NoError(t, err)
	assert.Equal(t, 10, got.TokensIn)
	assert.Equal(t, 20, got.TokensOut)
}

func TestBusyRetry_EventualSuccessAfterTransientFailures(t *testing.T) {
	// Scenario (§8): store operation fails with SQLITE_BUSY on attempts
	// 1, 2 and succeeds on attempt 3; the caller sees success and the
	// final attempt count is 3.
	cfg := BusyRetryConfig()
	cfg.InitialBackoff = 1
	cfg.MaxBackoff = 2

	attempts := 0
	err := doWithRetry(context.Background(), cfg, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return assertBusyErr{}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

type assertBusyErr struct{}

func (assertBusyErr) Error() string { return "SQLITE_BUSY: database is locked" }
