package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/workflow"
)

// ListWorkflows returns the caller's workflows, most recently updated first.
func (s *Store) ListWorkflows(ctx context.Context, in api.ListWorkflowsInput) ([]api.WorkflowSummary, error) {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, name, folder_id, thumbnail, created_at, updated_at FROM workflows WHERE user_id = ?`
	args := []interface{}{userID}
	if in.InFolder {
		if in.FolderID == nil {
			query += ` AND folder_id IS NULL`
		} else {
			query += ` AND folder_id = ?`
			args = append(args, *in.FolderID)
		}
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summaries := []api.WorkflowSummary{}
	for rows.Next() {
		var w api.WorkflowSummary
		var folderID, thumbnail sql.NullString
		if err := rows.Scan(&w.ID, &w.Name, &folderID, &thumbnail, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		w.FolderID = stringPtr(folderID)
		w.Thumbnail = thumbnail.String
		summaries = append(summaries, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return summaries, nil
}

// GetWorkflow loads one of the caller's workflows with its graph
func (s *Store) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	return s.loadWorkflow(ctx, s.db, userID, id)
}

func (s *Store) loadWorkflow(ctx context.Context, q querier, userID, id string) (*api.Workflow, error) {
	if id == "" {
		return nil, api.Invalid("workflow id is required")
	}

	query := `
		SELECT id, name, folder_id, nodes, edges, thumbnail, created_at, updated_at
		FROM workflows
		WHERE id = ? AND user_id = ?
	`

	var w api.Workflow
	var folderID, thumbnail sql.NullString
	var nodesJSON, edgesJSON string
	err := s.queryRow(ctx, q, query, id, userID).Scan(
		&w.ID, &w.Name, &folderID, &nodesJSON, &edgesJSON, &thumbnail, &w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NotFound("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	if err := json.Unmarshal([]byte(nodesJSON), &w.Nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes of workflow %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(edgesJSON), &w.Edges); err != nil {
		return nil, fmt.Errorf("failed to decode edges of workflow %s: %w", id, err)
	}
	if w.Nodes == nil {
		w.Nodes = []workflow.Node{}
	}
	if w.Edges == nil {
		w.Edges = []workflow.Edge{}
	}
	w.FolderID = stringPtr(folderID)
	w.Thumbnail = thumbnail.String

	return &w, nil
}

// CreateWorkflow inserts a workflow owned by the caller
func (s *Store) CreateWorkflow(ctx context.Context, in api.CreateWorkflowInput) (*api.Workflow, error) {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	nodesJSON, edgesJSON, err := encodeGraph(in.Nodes, in.Edges)
	if err != nil {
		return nil, err
	}

	id := s.newID()
	now := s.now()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if in.FolderID != nil {
			if err := s.requireFolder(ctx, tx, userID, *in.FolderID); err != nil {
				return err
			}
		}
		_, err := s.exec(ctx, tx, `
			INSERT INTO workflows (id, user_id, name, folder_id, nodes, edges, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, userID, in.Name, nullString(in.FolderID), nodesJSON, edgesJSON, now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to create workflow: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.loadWorkflow(ctx, s.db, userID, id)
}

// UpdateWorkflow applies the set fields of in to one of the caller's workflows
func (s *Store) UpdateWorkflow(ctx context.Context, in api.UpdateWorkflowInput) (*api.Workflow, error) {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.loadWorkflow(ctx, tx, userID, in.ID)
		if err != nil {
			return err
		}

		name := existing.Name
		if in.Name != nil {
			name = *in.Name
		}
		folderID := existing.FolderID
		if in.SetFolder {
			if in.FolderID != nil {
				if err := s.requireFolder(ctx, tx, userID, *in.FolderID); err != nil {
					return err
				}
			}
			folderID = in.FolderID
		}
		nodes := existing.Nodes
		if in.Nodes != nil {
			nodes = in.Nodes
		}
		edges := existing.Edges
		if in.Edges != nil {
			edges = in.Edges
		}
		thumbnail := existing.Thumbnail
		if in.Thumbnail != nil {
			thumbnail = *in.Thumbnail
		}

		nodesJSON, edgesJSON, err := encodeGraph(nodes, edges)
		if err != nil {
			return err
		}

		_, err = s.exec(ctx, tx, `
			UPDATE workflows
			SET name = ?, folder_id = ?, nodes = ?, edges = ?, thumbnail = ?, updated_at = ?
			WHERE id = ? AND user_id = ?`,
			name, nullString(folderID), nodesJSON, edgesJSON, thumbnail, s.now(), in.ID, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to update workflow: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.loadWorkflow(ctx, s.db, userID, in.ID)
}

// DeleteWorkflow removes a workflow together with its run history
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireWorkflow(ctx, tx, userID, id); err != nil {
			return err
		}
		if err := s.deleteRunsOf(ctx, tx, id); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM workflows WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete workflow: %w", err)
		}
		return nil
	})
}

func (s *Store) requireWorkflow(ctx context.Context, q querier, userID, id string) error {
	if id == "" {
		return api.Invalid("workflow id is required")
	}
	var found string
	err := s.queryRow(ctx, q, `SELECT id FROM workflows WHERE id = ? AND user_id = ?`, id, userID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return api.NotFound("workflow", id)
	}
	if err != nil {
		return fmt.Errorf("failed to check workflow: %w", err)
	}
	return nil
}

func encodeGraph(nodes []workflow.Node, edges []workflow.Edge) (string, string, error) {
	if nodes == nil {
		nodes = []workflow.Node{}
	}
	if edges == nil {
		edges = []workflow.Edge{}
	}
	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(edges)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode edges: %w", err)
	}
	return string(nodesJSON), string(edgesJSON), nil
}
