package persistence

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/proto"
)

func testStore(t *testing.T) *AuditStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewAuditStore(db)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	version, err := schemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestSaveRunRoundTrip(t *testing.T) {
	store := testStore(t)

	record := RunRecord{
		RunID:       "run-1",
		ScenarioID:  "feature_request",
		Persona:     "architect",
		Request:     "add rate limiting",
		Route:       "workflow",
		Status:      StatusSuccess,
		ValidOutput: true,
		Output:      "# Plan Summary",
		LatencyS:    1.5,
		Tokens:      1200,
		CostUSD:     0.0024,
		StartedAt:   time.Now().Add(-2 * time.Second),
		FinishedAt:  time.Now(),
	}
	require.NoError(t, store.SaveRun(record))

	loaded, err := store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "feature_request", loaded.ScenarioID)
	assert.Equal(t, "workflow", loaded.Route)
	assert.True(t, loaded.ValidOutput)
	assert.Equal(t, 1200, loaded.Tokens)
}

func TestSaveRunUpsertsTerminalFields(t *testing.T) {
	store := testStore(t)

	record := RunRecord{RunID: "run-1", Status: StatusFailed, Error: "tool timed out",
		StartedAt: time.Now(), FinishedAt: time.Now()}
	require.NoError(t, store.SaveRun(record))

	record.Status = StatusSuccess
	record.Error = ""
	record.ValidOutput = true
	record.Output = "recovered"
	require.NoError(t, store.SaveRun(record))

	loaded, err := store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, loaded.Status)
	assert.Empty(t, loaded.Error)
	assert.True(t, loaded.ValidOutput)
}

func TestGetRunNotFound(t *testing.T) {
	store := testStore(t)
	_, err := store.GetRun("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRunRecordFromState(t *testing.T) {
	state := proto.NewRunState("ship the feature", proto.RunContext{
		ScenarioID: "feature_request",
		Persona:    "architect",
	})
	state.Route = proto.RouteWorkflow
	state.Output = "all phases dispatched"
	state.Telemetry = proto.Telemetry{LatencyS: 2.5, Tokens: 900, CostEstimateUSD: 0.0018}

	record := RunRecordFromState(state, time.Now().Add(-time.Second), nil)
	assert.Equal(t, StatusSuccess, record.Status)
	assert.True(t, record.ValidOutput)
	assert.Equal(t, "ship the feature", record.Request)
	assert.Equal(t, "workflow", record.Route)

	failed := RunRecordFromState(state, time.Now(), errors.New("review attempts exhausted"))
	assert.Equal(t, StatusFailed, failed.Status)
	assert.False(t, failed.ValidOutput)
	assert.Equal(t, "review attempts exhausted", failed.Error)
}

func TestSaveCheckpointsReplacesTrail(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.SaveRun(RunRecord{RunID: "run-1", Status: StatusSuccess,
		StartedAt: time.Now(), FinishedAt: time.Now()}))

	first := []proto.Checkpoint{
		{Phase: "intake", Status: "completed", At: time.Now()},
	}
	require.NoError(t, store.SaveCheckpoints("run-1", first))

	second := []proto.Checkpoint{
		{Phase: "intake", Status: "completed", At: time.Now()},
		{Phase: "backend-core", Status: "completed", Owners: []string{"backend", "tech_lead"}, At: time.Now()},
	}
	require.NoError(t, store.SaveCheckpoints("run-1", second))

	loaded, err := store.Checkpoints("run-1")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "backend-core", loaded[1].Phase)
	assert.Equal(t, []string{"backend", "tech_lead"}, loaded[1].Owners)
}

func TestRecordRouteDecision(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.SaveRun(RunRecord{RunID: "run-1", Status: StatusSuccess,
		StartedAt: time.Now(), FinishedAt: time.Now()}))

	decision := proto.RouteDecision{
		Route:  proto.RouteWorkflow,
		Reason: "workflow_intent",
		Scores: map[proto.Route]float64{proto.RouteWorkflow: 0.9},
	}
	require.NoError(t, store.RecordRouteDecision("run-1", decision))

	var route, scores string
	err := storeDB(store).QueryRow(
		"SELECT route, scores FROM route_decisions WHERE run_id = ?", "run-1",
	).Scan(&route, &scores)
	require.NoError(t, err)
	assert.Equal(t, "workflow", route)
	assert.Contains(t, scores, "workflow")
}

func TestToolCallsRoundTrip(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.SaveRun(RunRecord{RunID: "run-1", Status: StatusSuccess,
		StartedAt: time.Now(), FinishedAt: time.Now()}))

	call := ToolCall{
		RunID:       "run-1",
		Tool:        "coder",
		Phase:       "backend-core",
		SessionID:   "sess-1",
		Instruction: "implement the handler",
		Result:      "completed, exit=0",
		Success:     true,
		Duration:    1500 * time.Millisecond,
	}
	require.NoError(t, store.RecordToolCall(call))

	calls, err := store.ToolCalls("run-1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "coder", calls[0].Tool)
	assert.True(t, calls[0].Success)
	assert.Equal(t, 1500*time.Millisecond, calls[0].Duration)
	assert.False(t, calls[0].At.IsZero())
}

func TestListRunsFiltersByStatus(t *testing.T) {
	store := testStore(t)
	now := time.Now()
	require.NoError(t, store.SaveRun(RunRecord{RunID: "ok", Status: StatusSuccess,
		StartedAt: now, FinishedAt: now}))
	require.NoError(t, store.SaveRun(RunRecord{RunID: "bad", Status: StatusFailed,
		Error: "structural plan error", StartedAt: now, FinishedAt: now.Add(time.Second)}))

	failed, err := store.ListRuns(StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].RunID)

	all, err := store.ListRuns("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func storeDB(store *AuditStore) *sql.DB {
	return store.db
}
