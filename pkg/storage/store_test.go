package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/domain/run"
	"github.com/dshills/flowstudio/pkg/workflow"
)

// newTestStore opens a file-backed SQLite store whose clock advances one
// second per call, so ordering by timestamp is deterministic.
func newTestStore(t testing.TB) *Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func userCtx(id string) context.Context {
	return api.WithUser(context.Background(), id)
}

func ptr(s string) *string { return &s }

func TestOpen_UnsupportedDialect(t *testing.T) {
	_, err := Open("mysql", "x")
	assert.Error(t, err)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "flow.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&count))
	assert.Equal(t, MigrationVersion, count)
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: DialectPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", s.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	s.dialect = DialectSQLite
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func TestRequiresIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetWorkflow(ctx, "x")
	assert.True(t, errors.Is(err, api.ErrAuthRequired))
	_, err = s.ListFolders(ctx, nil)
	assert.True(t, errors.Is(err, api.ErrAuthRequired))
	_, err = s.CreateRun(ctx, api.CreateRunInput{WorkflowID: "w", Scope: run.ScopeFull})
	assert.True(t, errors.Is(err, api.ErrAuthRequired))
	assert.True(t, errors.Is(s.ClearWorkflowHistory(ctx, "w"), api.ErrAuthRequired))
}

func TestWorkflowCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := userCtx("alice")

	created, err := s.CreateWorkflow(ctx, api.CreateWorkflowInput{})
	require.NoError(t, err)
	assert.Equal(t, workflow.DefaultName, created.Name)
	assert.Empty(t, created.Nodes)
	assert.NotNil(t, created.Nodes)

	nodes := []workflow.Node{
		{ID: "t", Position: workflow.Position{X: 1, Y: 2}, Data: &workflow.TextData{Text: "hi"}},
		{ID: "l", Data: &workflow.LLMData{Model: workflow.DefaultModel}},
	}
	edges := []workflow.Edge{{ID: "e", Source: "t", Target: "l", TargetHandle: workflow.HandleUserMessage}}

	updated, err := s.UpdateWorkflow(ctx, api.UpdateWorkflowInput{ID: created.ID, Name: ptr("Renamed"), Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, nodes, updated.Nodes)
	assert.Equal(t, edges, updated.Edges)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	// nil slices leave the graph alone
	renamed, err := s.UpdateWorkflow(ctx, api.UpdateWorkflowInput{ID: created.ID, Name: ptr("Again")})
	require.NoError(t, err)
	assert.Equal(t, nodes, renamed.Nodes)

	// empty slices clear it
	cleared, err := s.UpdateWorkflow(ctx, api.UpdateWorkflowInput{ID: created.ID, Nodes: []workflow.Node{}, Edges: []workflow.Edge{}})
	require.NoError(t, err)
	assert.Empty(t, cleared.Nodes)

	_, err = s.GetWorkflow(userCtx("bob"), created.ID)
	assert.True(t, errors.Is(err, api.ErrNotFound), "other users cannot see the workflow")

	_, err = s.UpdateWorkflow(ctx, api.UpdateWorkflowInput{ID: created.ID, Name: ptr("")})
	assert.True(t, errors.Is(err, api.ErrValidation))

	require.NoError(t, s.DeleteWorkflow(ctx, created.ID))
	_, err = s.GetWorkflow(ctx, created.ID)
	assert.True(t, errors.Is(err, api.ErrNotFound))
	assert.True(t, errors.Is(s.DeleteWorkflow(ctx, created.ID), api.ErrNotFound))
}

func TestListWorkflowsByFolder(t *testing.T) {
	s := newTestStore(t)
	ctx := userCtx("alice")

	folder, err := s.CreateFolder(ctx, api.CreateFolderInput{Name: "Projects"})
	require.NoError(t, err)

	_, err = s.CreateWorkflow(ctx, api.CreateWorkflowInput{Name: "root"})
	require.NoError(t, err)
	_, err = s.CreateWorkflow(ctx, api.CreateWorkflowInput{Name: "inside", FolderID: &folder.ID})
	require.NoError(t, err)
	_, err = s.CreateWorkflow(userCtx("bob"), api.CreateWorkflowInput{Name: "bobs"})
	require.NoError(t, err)

	_, err = s.CreateWorkflow(ctx, api.CreateWorkflowInput{Name: "x", FolderID: ptr("missing")})
	assert.True(t, errors.Is(err, api.ErrNotFound))

	all, err := s.ListWorkflows(ctx, api.ListWorkflowsInput{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "inside", all[0].Name, "most recently updated first")

	root, err := s.ListWorkflows(ctx, api.ListWorkflowsInput{InFolder: true})
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "root", root[0].Name)

	inFolder, err := s.ListWorkflows(ctx, api.ListWorkflowsInput{InFolder: true, FolderID: &folder.ID})
	require.NoError(t, err)
	require.Len(t, inFolder, 1)
	assert.Equal(t, folder.ID, *inFolder[0].FolderID)
}

func TestFolderLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := userCtx("alice")

	parent, err := s.CreateFolder(ctx, api.CreateFolderInput{Name: "Parent"})
	require.NoError(t, err)
	child, err := s.CreateFolder(ctx, api.CreateFolderInput{Name: "Child", ParentID: &parent.ID})
	require.NoError(t, err)
	wf, err := s.CreateWorkflow(ctx, api.CreateWorkflowInput{Name: "w", FolderID: &parent.ID})
	require.NoError(t, err)

	_, err = s.CreateFolder(ctx, api.CreateFolderInput{Name: "Orphan", ParentID: ptr("nope")})
	assert.True(t, errors.Is(err, api.ErrNotFound))
	_, err = s.CreateFolder(ctx, api.CreateFolderInput{Name: ""})
	assert.True(t, errors.Is(err, api.ErrValidation))

	got, err := s.GetFolder(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FileCount)

	roots, err := s.ListFolders(ctx, nil)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, parent.ID, roots[0].ID)

	children, err := s.ListFolders(ctx, &parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)

	_, err = s.UpdateFolder(ctx, api.UpdateFolderInput{ID: parent.ID, SetParent: true, ParentID: &child.ID})
	assert.True(t, errors.Is(err, api.ErrValidation), "moving a folder under its child is a cycle")

	renamed, err := s.UpdateFolder(ctx, api.UpdateFolderInput{ID: child.ID, Name: ptr("Kid")})
	require.NoError(t, err)
	assert.Equal(t, "Kid", renamed.Name)
	assert.Equal(t, parent.ID, *renamed.ParentID)

	require.NoError(t, s.DeleteFolder(ctx, parent.ID))

	_, err = s.GetFolder(ctx, parent.ID)
	assert.True(t, errors.Is(err, api.ErrNotFound))

	movedChild, err := s.GetFolder(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, movedChild.ParentID, "child folders move to root")

	movedWf, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Nil(t, movedWf.FolderID, "workflows move to root")
}

func TestRunHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := userCtx("alice")

	wf, err := s.CreateWorkflow(ctx, api.CreateWorkflowInput{Name: "w"})
	require.NoError(t, err)

	first, err := s.CreateRun(ctx, api.CreateRunInput{WorkflowID: wf.ID, Scope: run.ScopeFull, NodeCount: 2})
	require.NoError(t, err)
	assert.True(t, first.Ref.IsRemote())
	assert.Equal(t, run.StatusRunning, first.Status)

	_, err = s.CreateRun(userCtx("bob"), api.CreateRunInput{WorkflowID: wf.ID, Scope: run.ScopeFull})
	assert.True(t, errors.Is(err, api.ErrNotFound))

	nr1, err := s.AddNodeRun(ctx, api.AddNodeRunInput{
		WorkflowRunID: first.Ref.ID(), NodeID: "n1", NodeName: "First", NodeType: "llm",
		InputData: map[string]interface{}{"userMessage": "hi"},
	})
	require.NoError(t, err)
	nr2, err := s.AddNodeRun(ctx, api.AddNodeRunInput{WorkflowRunID: first.Ref.ID(), NodeID: "n2", NodeName: "Second", NodeType: "llm"})
	require.NoError(t, err)

	d := int64(42)
	updatedNode, err := s.UpdateNodeRun(ctx, api.UpdateNodeRunInput{
		NodeRunID: nr1.Ref.ID(), Status: run.NodeStatusCompleted, Duration: &d,
		OutputData: map[string]interface{}{"text": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, run.NodeStatusCompleted, updatedNode.Status)
	assert.NotNil(t, updatedNode.CompletedAt, "completedAt defaults to now")
	assert.Equal(t, int64(42), *updatedNode.Duration)
	assert.Equal(t, "hello", updatedNode.OutputData["text"])
	assert.Equal(t, "hi", updatedNode.InputData["userMessage"])

	_, err = s.UpdateNodeRun(ctx, api.UpdateNodeRunInput{NodeRunID: nr2.Ref.ID(), Status: run.NodeStatusFailed, Error: "boom"})
	require.NoError(t, err)

	completedAt := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rd := int64(1000)
	updatedRun, err := s.UpdateRun(ctx, api.UpdateRunInput{RunID: first.Ref.ID(), Status: run.StatusPartial, CompletedAt: &completedAt, Duration: &rd})
	require.NoError(t, err)
	assert.Equal(t, run.StatusPartial, updatedRun.Status)
	assert.True(t, completedAt.Equal(*updatedRun.CompletedAt))

	second, err := s.CreateRun(ctx, api.CreateRunInput{WorkflowID: wf.ID, Scope: run.ScopeSingle, NodeCount: 1})
	require.NoError(t, err)

	runs, err := s.GetRunsByWorkflow(ctx, wf.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.Ref, runs[0].Ref, "newest first")
	require.Len(t, runs[1].NodeRuns, 2)
	assert.Equal(t, nr1.Ref, runs[1].NodeRuns[0].Ref, "node runs oldest first")
	assert.Equal(t, "boom", runs[1].NodeRuns[1].Error)

	limited, err := s.GetRunsByWorkflow(ctx, wf.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	details, err := s.GetRunDetails(ctx, first.Ref.ID())
	require.NoError(t, err)
	assert.Len(t, details.NodeRuns, 2)
	assert.Equal(t, 1, details.FailedCount())

	require.NoError(t, s.DeleteRun(ctx, second.Ref.ID()))
	_, err = s.GetRunDetails(ctx, second.Ref.ID())
	assert.True(t, errors.Is(err, api.ErrNotFound))

	require.NoError(t, s.ClearWorkflowHistory(ctx, wf.ID))
	runs, err = s.GetRunsByWorkflow(ctx, wf.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	var orphans int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM node_runs").Scan(&orphans))
	assert.Equal(t, 0, orphans)
}

func TestDeleteWorkflowRemovesRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := userCtx("alice")

	wf, err := s.CreateWorkflow(ctx, api.CreateWorkflowInput{Name: "w"})
	require.NoError(t, err)
	r, err := s.CreateRun(ctx, api.CreateRunInput{WorkflowID: wf.ID, Scope: run.ScopeFull})
	require.NoError(t, err)
	_, err = s.AddNodeRun(ctx, api.AddNodeRunInput{WorkflowRunID: r.Ref.ID(), NodeID: "n"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))

	var runs int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM workflow_runs").Scan(&runs))
	assert.Equal(t, 0, runs)
}

func BenchmarkGetRunsByWorkflow(b *testing.B) {
	s := newTestStore(b)
	ctx := userCtx("bench")

	wf, err := s.CreateWorkflow(ctx, api.CreateWorkflowInput{Name: "bench"})
	require.NoError(b, err)
	for i := 0; i < 20; i++ {
		r, err := s.CreateRun(ctx, api.CreateRunInput{WorkflowID: wf.ID, Scope: run.ScopeFull, NodeCount: 5})
		require.NoError(b, err)
		for j := 0; j < 5; j++ {
			_, err := s.AddNodeRun(ctx, api.AddNodeRunInput{WorkflowRunID: r.Ref.ID(), NodeID: fmt.Sprintf("n%d", j)})
			require.NoError(b, err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.GetRunsByWorkflow(ctx, wf.ID, api.DefaultRunLimit); err != nil {
			b.Fatal(err)
		}
	}
}
