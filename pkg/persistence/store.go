package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"conductor/pkg/proto"
)

// ErrNotFound is returned by lookups for run IDs with no stored record.
var ErrNotFound = errors.New("run record not found")

// Run statuses stored in run_records.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// RunRecord is one run's terminal audit row.
type RunRecord struct {
	RunID       string
	ScenarioID  string
	Persona     string
	Request     string
	Route       string
	Status      string
	ValidOutput bool
	Output      string
	Error       string
	LatencyS    float64
	Tokens      int
	CostUSD     float64
	StartedAt   time.Time
	FinishedAt  time.Time
}

// ToolCall is one external tool dispatch, recorded as it happens.
type ToolCall struct {
	RunID       string
	Tool        string
	Phase       string
	SessionID   string
	Instruction string
	Result      string
	Success     bool
	ExitCode    int
	Duration    time.Duration
	At          time.Time
}

// AuditStore wraps the audit database with typed operations.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates a store over an Open'd database.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// RunRecordFromState derives the terminal audit row for a run.
// ValidOutput requires both a clean finish and non-empty output.
func RunRecordFromState(state *proto.RunState, startedAt time.Time, runErr error) RunRecord {
	record := RunRecord{
		RunID:      state.RunIdentity(),
		ScenarioID: state.Context.ScenarioID,
		Persona:    state.Context.Persona,
		Request:    state.LastUserMessage(),
		Route:      string(state.Route),
		Status:     StatusSuccess,
		Output:     state.Output,
		LatencyS:   state.Telemetry.LatencyS,
		Tokens:     state.Telemetry.Tokens,
		CostUSD:    state.Telemetry.CostEstimateUSD,
		StartedAt:  startedAt.UTC(),
		FinishedAt: time.Now().UTC(),
	}
	if runErr != nil {
		record.Status = StatusFailed
		record.Error = runErr.Error()
	}
	record.ValidOutput = runErr == nil && strings.TrimSpace(state.Output) != ""
	return record
}

// SaveRun upserts the terminal record for a run.
func (s *AuditStore) SaveRun(record RunRecord) error {
	query := `
		INSERT INTO run_records (
			run_id, scenario_id, persona, request, route, status,
			valid_output, output, error, latency_s, tokens, cost_usd,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			route = excluded.route,
			status = excluded.status,
			valid_output = excluded.valid_output,
			output = excluded.output,
			error = excluded.error,
			latency_s = excluded.latency_s,
			tokens = excluded.tokens,
			cost_usd = excluded.cost_usd,
			finished_at = excluded.finished_at
	`
	_, err := s.db.Exec(query,
		record.RunID, record.ScenarioID, record.Persona, record.Request,
		record.Route, record.Status, boolInt(record.ValidOutput),
		record.Output, record.Error, record.LatencyS, record.Tokens,
		record.CostUSD, record.StartedAt, record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", record.RunID, err)
	}
	return nil
}

// SaveCheckpoints replaces the stored checkpoint trail for a run.
func (s *AuditStore) SaveCheckpoints(runID string, checkpoints []proto.Checkpoint) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save checkpoints for %s: %w", runID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM checkpoints WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("clear checkpoints for %s: %w", runID, err)
	}
	for seq, cp := range checkpoints {
		_, err := tx.Exec(
			"INSERT INTO checkpoints (run_id, seq, phase, status, owners, at) VALUES (?, ?, ?, ?, ?, ?)",
			runID, seq, cp.Phase, cp.Status, strings.Join(cp.Owners, ","), cp.At.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert checkpoint %d for %s: %w", seq, runID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save checkpoints for %s: %w", runID, err)
	}
	return nil
}

// RecordRouteDecision appends one router verdict for a run.
func (s *AuditStore) RecordRouteDecision(runID string, decision proto.RouteDecision) error {
	scores, err := json.Marshal(decision.Scores)
	if err != nil {
		scores = []byte("{}")
	}
	_, err = s.db.Exec(
		"INSERT INTO route_decisions (run_id, route, reason, scores, at) VALUES (?, ?, ?, ?, ?)",
		runID, string(decision.Route), decision.Reason, string(scores), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record route decision for %s: %w", runID, err)
	}
	return nil
}

// RecordToolCall appends one external tool dispatch for a run.
func (s *AuditStore) RecordToolCall(call ToolCall) error {
	at := call.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO tool_calls (run_id, tool, phase, session_id, instruction, result, success, exit_code, duration_ms, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.RunID, call.Tool, call.Phase, call.SessionID,
		call.Instruction, call.Result, boolInt(call.Success),
		call.ExitCode, call.Duration.Milliseconds(), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record tool call for %s: %w", call.RunID, err)
	}
	return nil
}

// GetRun returns the terminal record for runID.
func (s *AuditStore) GetRun(runID string) (RunRecord, error) {
	query := `
		SELECT run_id, scenario_id, persona, request, route, status,
			valid_output, output, error, latency_s, tokens, cost_usd,
			started_at, finished_at
		FROM run_records WHERE run_id = ?
	`
	var record RunRecord
	var validOutput int
	err := s.db.QueryRow(query, runID).Scan(
		&record.RunID, &record.ScenarioID, &record.Persona, &record.Request,
		&record.Route, &record.Status, &validOutput, &record.Output,
		&record.Error, &record.LatencyS, &record.Tokens, &record.CostUSD,
		&record.StartedAt, &record.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	record.ValidOutput = validOutput != 0
	return record, nil
}

// ListRuns returns up to limit records, newest first, optionally
// filtered by status.
func (s *AuditStore) ListRuns(status string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT run_id, scenario_id, persona, request, route, status,
			valid_output, output, error, latency_s, tokens, cost_usd,
			started_at, finished_at
		FROM run_records
	`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY finished_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []RunRecord
	for rows.Next() {
		var record RunRecord
		var validOutput int
		if err := rows.Scan(
			&record.RunID, &record.ScenarioID, &record.Persona, &record.Request,
			&record.Route, &record.Status, &validOutput, &record.Output,
			&record.Error, &record.LatencyS, &record.Tokens, &record.CostUSD,
			&record.StartedAt, &record.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		record.ValidOutput = validOutput != 0
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return records, nil
}

// Checkpoints returns the stored checkpoint trail for runID in order.
func (s *AuditStore) Checkpoints(runID string) ([]proto.Checkpoint, error) {
	rows, err := s.db.Query(
		"SELECT phase, status, owners, at FROM checkpoints WHERE run_id = ? ORDER BY seq",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("checkpoints for %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var checkpoints []proto.Checkpoint
	for rows.Next() {
		var cp proto.Checkpoint
		var owners string
		if err := rows.Scan(&cp.Phase, &cp.Status, &owners, &cp.At); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if owners != "" {
			cp.Owners = strings.Split(owners, ",")
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoints for %s: %w", runID, err)
	}
	return checkpoints, nil
}

// ToolCalls returns the recorded dispatches for runID in order.
func (s *AuditStore) ToolCalls(runID string) ([]ToolCall, error) {
	rows, err := s.db.Query(
		`SELECT run_id, tool, phase, session_id, instruction, result, success, exit_code, duration_ms, at
		 FROM tool_calls WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("tool calls for %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var calls []ToolCall
	for rows.Next() {
		var call ToolCall
		var success int
		var durationMS int64
		if err := rows.Scan(
			&call.RunID, &call.Tool, &call.Phase, &call.SessionID,
			&call.Instruction, &call.Result, &success, &call.ExitCode,
			&durationMS, &call.At,
		); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		call.Success = success != 0
		call.Duration = time.Duration(durationMS) * time.Millisecond
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool calls for %s: %w", runID, err)
	}
	return calls, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
