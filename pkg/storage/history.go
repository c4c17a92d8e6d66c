package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/domain/run"
)

const runColumns = `r.id, r.workflow_id, r.run_scope, r.status, r.started_at, r.completed_at, r.duration, r.node_count`

const nodeRunColumns = `id, node_id, node_name, node_type, status, started_at, completed_at, duration, input_data, output_data, error`

// CreateRun starts a run record for one of the caller's workflows
func (s *Store) CreateRun(ctx context.Context, in api.CreateRunInput) (*run.WorkflowRun, error) {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	id := s.newID()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireWorkflow(ctx, tx, userID, in.WorkflowID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, `
			INSERT INTO workflow_runs (id, workflow_id, run_scope, status, started_at, node_count)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, in.WorkflowID, string(in.Scope), string(run.StatusRunning), s.now(), in.NodeCount,
		)
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.loadRun(ctx, s.db, userID, id, false)
}

// UpdateRun sets a run's status. CompletedAt defaults to now; a nil
// Duration keeps the stored value.
func (s *Store) UpdateRun(ctx context.Context, in api.UpdateRunInput) (*run.WorkflowRun, error) {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	completedAt := s.now()
	if in.CompletedAt != nil {
		completedAt = in.CompletedAt.UTC()
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireRun(ctx, tx, userID, in.RunID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, `
			UPDATE workflow_runs
			SET status = ?, completed_at = ?, duration = COALESCE(?, duration)
			WHERE id = ?`,
			string(in.Status), completedAt, nullInt64(in.Duration), in.RunID,
		)
		if err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.loadRun(ctx, s.db, userID, in.RunID, false)
}

// AddNodeRun appends a running node run to one of the caller's runs
func (s *Store) AddNodeRun(ctx context.Context, in api.AddNodeRunInput) (*run.NodeRun, error) {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	input, err := encodeData(in.InputData)
	if err != nil {
		return nil, err
	}

	id := s.newID()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireRun(ctx, tx, userID, in.WorkflowRunID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, `
			INSERT INTO node_runs (id, workflow_run_id, node_id, node_name, node_type, status, started_at, input_data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, in.WorkflowRunID, in.NodeID, in.NodeName, in.NodeType, string(run.NodeStatusRunning), s.now(), input,
		)
		if err != nil {
			return fmt.Errorf("failed to add node run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.loadNodeRun(ctx, s.db, id)
}

// UpdateNodeRun sets a node run's status. CompletedAt defaults to now;
// nil Duration, OutputData and empty Error keep the stored values.
func (s *Store) UpdateNodeRun(ctx context.Context, in api.UpdateNodeRunInput) (*run.NodeRun, error) {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	output, err := encodeData(in.OutputData)
	if err != nil {
		return nil, err
	}
	var errText sql.NullString
	if in.Error != "" {
		errText = sql.NullString{String: in.Error, Valid: true}
	}
	completedAt := s.now()
	if in.CompletedAt != nil {
		completedAt = in.CompletedAt.UTC()
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var found string
		err := s.queryRow(ctx, tx, `
			SELECT n.id FROM node_runs n
			JOIN workflow_runs r ON r.id = n.workflow_run_id
			JOIN workflows w ON w.id = r.workflow_id
			WHERE n.id = ? AND w.user_id = ?`, in.NodeRunID, userID).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return api.NotFound("node run", in.NodeRunID)
		}
		if err != nil {
			return fmt.Errorf("failed to check node run: %w", err)
		}

		_, err = s.exec(ctx, tx, `
			UPDATE node_runs
			SET status = ?, completed_at = ?, duration = COALESCE(?, duration),
			    output_data = COALESCE(?, output_data), error = COALESCE(?, error)
			WHERE id = ?`,
			string(in.Status), completedAt, nullInt64(in.Duration), output, errText, in.NodeRunID,
		)
		if err != nil {
			return fmt.Errorf("failed to update node run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.loadNodeRun(ctx, s.db, in.NodeRunID)
}

// GetRunsByWorkflow returns up to limit runs of a workflow, newest first,
// each with its node runs oldest first. A non-positive limit selects
// api.DefaultRunLimit.
func (s *Store) GetRunsByWorkflow(ctx context.Context, workflowID string, limit int) ([]run.WorkflowRun, error) {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if workflowID == "" {
		return nil, api.Invalid("workflow id is required")
	}
	if limit <= 0 {
		limit = api.DefaultRunLimit
	}

	rows, err := s.query(ctx, s.db, `
		SELECT `+runColumns+`
		FROM workflow_runs r
		JOIN workflows w ON w.id = r.workflow_id
		WHERE r.workflow_id = ? AND w.user_id = ?
		ORDER BY r.started_at DESC
		LIMIT ?`, workflowID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	runs := []run.WorkflowRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	_ = rows.Close()

	// Node runs are loaded after the cursor is closed; SQLite uses a single connection
	for i := range runs {
		nodeRuns, err := s.loadNodeRuns(ctx, s.db, runs[i].Ref.ID())
		if err != nil {
			return nil, err
		}
		runs[i].NodeRuns = nodeRuns
	}

	return runs, nil
}

// GetRunDetails returns one run with its node runs
func (s *Store) GetRunDetails(ctx context.Context, runID string) (*run.WorkflowRun, error) {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	return s.loadRun(ctx, s.db, userID, runID, true)
}

// DeleteRun removes one run and its node runs
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireRun(ctx, tx, userID, runID); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM node_runs WHERE workflow_run_id = ?`, runID); err != nil {
			return fmt.Errorf("failed to delete node runs: %w", err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM workflow_runs WHERE id = ?`, runID); err != nil {
			return fmt.Errorf("failed to delete run: %w", err)
		}
		return nil
	})
}

// ClearWorkflowHistory removes every run of one of the caller's workflows
func (s *Store) ClearWorkflowHistory(ctx context.Context, workflowID string) error {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireWorkflow(ctx, tx, userID, workflowID); err != nil {
			return err
		}
		return s.deleteRunsOf(ctx, tx, workflowID)
	})
}

func (s *Store) deleteRunsOf(ctx context.Context, tx *sql.Tx, workflowID string) error {
	_, err := s.exec(ctx, tx, `
		DELETE FROM node_runs
		WHERE workflow_run_id IN (SELECT id FROM workflow_runs WHERE workflow_id = ?)`, workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete node runs: %w", err)
	}
	if _, err := s.exec(ctx, tx, `DELETE FROM workflow_runs WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("failed to delete runs: %w", err)
	}
	return nil
}

func (s *Store) requireRun(ctx context.Context, q querier, userID, runID string) error {
	if runID == "" {
		return api.Invalid("run id is required")
	}
	var found string
	err := s.queryRow(ctx, q, `
		SELECT r.id FROM workflow_runs r
		JOIN workflows w ON w.id = r.workflow_id
		WHERE r.id = ? AND w.user_id = ?`, runID, userID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return api.NotFound("run", runID)
	}
	if err != nil {
		return fmt.Errorf("failed to check run: %w", err)
	}
	return nil
}

func (s *Store) loadRun(ctx context.Context, q querier, userID, runID string, withNodes bool) (*run.WorkflowRun, error) {
	if runID == "" {
		return nil, api.Invalid("run id is required")
	}
	row := s.queryRow(ctx, q, `
		SELECT `+runColumns+`
		FROM workflow_runs r
		JOIN workflows w ON w.id = r.workflow_id
		WHERE r.id = ? AND w.user_id = ?`, runID, userID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NotFound("run", runID)
	}
	if err != nil {
		return nil, err
	}

	if withNodes {
		nodeRuns, err := s.loadNodeRuns(ctx, q, runID)
		if err != nil {
			return nil, err
		}
		r.NodeRuns = nodeRuns
	}
	return r, nil
}

func (s *Store) loadNodeRuns(ctx context.Context, q querier, runID string) ([]run.NodeRun, error) {
	rows, err := s.query(ctx, q, `
		SELECT `+nodeRunColumns+`
		FROM node_runs
		WHERE workflow_run_id = ?
		ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query node runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	nodeRuns := []run.NodeRun{}
	for rows.Next() {
		nr, err := scanNodeRun(rows)
		if err != nil {
			return nil, err
		}
		nodeRuns = append(nodeRuns, *nr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node runs: %w", err)
	}
	return nodeRuns, nil
}

func (s *Store) loadNodeRun(ctx context.Context, q querier, id string) (*run.NodeRun, error) {
	row := s.queryRow(ctx, q, `SELECT `+nodeRunColumns+` FROM node_runs WHERE id = ?`, id)
	nr, err := scanNodeRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NotFound("node run", id)
	}
	return nr, err
}

func scanRun(row scanner) (*run.WorkflowRun, error) {
	var r run.WorkflowRun
	var id, scope, status string
	var completedAt sql.NullTime
	var duration sql.NullInt64
	if err := row.Scan(&id, &r.WorkflowID, &scope, &status, &r.StartedAt, &completedAt, &duration, &r.NodeCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	r.Ref = run.Remote(id)
	r.Scope = run.Scope(scope)
	r.Status = run.Status(status)
	r.StartedAt = r.StartedAt.UTC()
	r.CompletedAt = timePtr(completedAt)
	r.Duration = int64Ptr(duration)
	r.NodeRuns = []run.NodeRun{}
	return &r, nil
}

func scanNodeRun(row scanner) (*run.NodeRun, error) {
	var nr run.NodeRun
	var id, status string
	var completedAt sql.NullTime
	var duration sql.NullInt64
	var input, output, errText sql.NullString
	if err := row.Scan(&id, &nr.NodeID, &nr.NodeName, &nr.NodeType, &status, &nr.StartedAt,
		&completedAt, &duration, &input, &output, &errText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan node run: %w", err)
	}
	nr.Ref = run.Remote(id)
	nr.Status = run.NodeStatus(status)
	nr.StartedAt = nr.StartedAt.UTC()
	nr.CompletedAt = timePtr(completedAt)
	nr.Duration = int64Ptr(duration)
	nr.Error = errText.String

	var err error
	if nr.InputData, err = decodeData(input); err != nil {
		return nil, fmt.Errorf("failed to decode input of node run %s: %w", id, err)
	}
	if nr.OutputData, err = decodeData(output); err != nil {
		return nil, fmt.Errorf("failed to decode output of node run %s: %w", id, err)
	}
	return &nr, nil
}

func encodeData(data map[string]interface{}) (sql.NullString, error) {
	if data == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode run data: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeData(ns sql.NullString) (map[string]interface{}, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(ns.String), &data); err != nil {
		return nil, err
	}
	return data, nil
}
