// Package testutil provides a store-backed api.Backend for tests that need
// to observe or break the remote calls made by sessions, run trackers and
// the engine.
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/domain/run"
	"github.com/dshills/flowstudio/pkg/storage"
)

// TestUser is the identity carried by Context
const TestUser = "test-user"

// Context returns a background context carrying TestUser
func Context() context.Context {
	return api.WithUser(context.Background(), TestUser)
}

// NewStore opens a SQLite store in a temporary directory, closed when the
// test ends.
func NewStore(t testing.TB) *storage.Store {
	t.Helper()
	s, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "flowstudio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Backend wraps another api.Backend, counting calls per procedure and
// optionally failing them or running a hook before they reach the store.
// Procedure names are the api.Proc* constants.
type Backend struct {
	next api.Backend

	mu       sync.Mutex
	calls    map[string]int
	failures map[string]error
	hooks    map[string]func()
}

var _ api.Backend = (*Backend)(nil)

// NewBackend returns a Backend in front of a fresh SQLite store
func NewBackend(t testing.TB) *Backend {
	t.Helper()
	return Wrap(NewStore(t))
}

// Wrap returns a Backend in front of next
func Wrap(next api.Backend) *Backend {
	return &Backend{
		next:     next,
		calls:    make(map[string]int),
		failures: make(map[string]error),
		hooks:    make(map[string]func()),
	}
}

// Fail makes every later call to proc return err without reaching the store.
// A nil err clears the failure.
func (b *Backend) Fail(proc string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, proc)
		return
	}
	b.failures[proc] = err
}

// OnCall runs fn before each later call to proc is forwarded. fn runs
// without the Backend's lock held and may block.
func (b *Backend) OnCall(proc string, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fn == nil {
		delete(b.hooks, proc)
		return
	}
	b.hooks[proc] = fn
}

// Calls returns how many times proc was invoked, including failed calls
func (b *Backend) Calls(proc string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[proc]
}

// TotalCalls returns the number of calls across every procedure
func (b *Backend) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

func (b *Backend) enter(proc string) error {
	b.mu.Lock()
	b.calls[proc]++
	err := b.failures[proc]
	hook := b.hooks[proc]
	b.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

func (b *Backend) ListWorkflows(ctx context.Context, in api.ListWorkflowsInput) ([]api.WorkflowSummary, error) {
	if err := b.enter(api.ProcWorkflowList); err != nil {
		return nil, err
	}
	return b.next.ListWorkflows(ctx, in)
}

func (b *Backend) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	if err := b.enter(api.ProcWorkflowGet); err != nil {
		return nil, err
	}
	return b.next.GetWorkflow(ctx, id)
}

func (b *Backend) CreateWorkflow(ctx context.Context, in api.CreateWorkflowInput) (*api.Workflow, error) {
	if err := b.enter(api.ProcWorkflowCreate); err != nil {
		return nil, err
	}
	return b.next.CreateWorkflow(ctx, in)
}

func (b *Backend) UpdateWorkflow(ctx context.Context, in api.UpdateWorkflowInput) (*api.Workflow, error) {
	if err := b.enter(api.ProcWorkflowUpdate); err != nil {
		return nil, err
	}
	return b.next.UpdateWorkflow(ctx, in)
}

func (b *Backend) DeleteWorkflow(ctx context.Context, id string) error {
	if err := b.enter(api.ProcWorkflowDelete); err != nil {
		return err
	}
	return b.next.DeleteWorkflow(ctx, id)
}

func (b *Backend) ListFolders(ctx context.Context, parentID *string) ([]api.Folder, error) {
	if err := b.enter(api.ProcFolderList); err != nil {
		return nil, err
	}
	return b.next.ListFolders(ctx, parentID)
}

func (b *Backend) GetFolder(ctx context.Context, id string) (*api.Folder, error) {
	if err := b.enter(api.ProcFolderGet); err != nil {
		return nil, err
	}
	return b.next.GetFolder(ctx, id)
}

func (b *Backend) CreateFolder(ctx context.Context, in api.CreateFolderInput) (*api.Folder, error) {
	if err := b.enter(api.ProcFolderCreate); err != nil {
		return nil, err
	}
	return b.next.CreateFolder(ctx, in)
}

func (b *Backend) UpdateFolder(ctx context.Context, in api.UpdateFolderInput) (*api.Folder, error) {
	if err := b.enter(api.ProcFolderUpdate); err != nil {
		return nil, err
	}
	return b.next.UpdateFolder(ctx, in)
}

func (b *Backend) DeleteFolder(ctx context.Context, id string) error {
	if err := b.enter(api.ProcFolderDelete); err != nil {
		return err
	}
	return b.next.DeleteFolder(ctx, id)
}

func (b *Backend) CreateRun(ctx context.Context, in api.CreateRunInput) (*run.WorkflowRun, error) {
	if err := b.enter(api.ProcRunCreate); err != nil {
		return nil, err
	}
	return b.next.CreateRun(ctx, in)
}

func (b *Backend) UpdateRun(ctx context.Context, in api.UpdateRunInput) (*run.WorkflowRun, error) {
	if err := b.enter(api.ProcRunUpdate); err != nil {
		return nil, err
	}
	return b.next.UpdateRun(ctx, in)
}

func (b *Backend) AddNodeRun(ctx context.Context, in api.AddNodeRunInput) (*run.NodeRun, error) {
	if err := b.enter(api.ProcNodeRunAdd); err != nil {
		return nil, err
	}
	return b.next.AddNodeRun(ctx, in)
}

func (b *Backend) UpdateNodeRun(ctx context.Context, in api.UpdateNodeRunInput) (*run.NodeRun, error) {
	if err := b.enter(api.ProcNodeRunUpdate); err != nil {
		return nil, err
	}
	return b.next.UpdateNodeRun(ctx, in)
}

func (b *Backend) GetRunsByWorkflow(ctx context.Context, workflowID string, limit int) ([]run.WorkflowRun, error) {
	if err := b.enter(api.ProcRunsByWorkflow); err != nil {
		return nil, err
	}
	return b.next.GetRunsByWorkflow(ctx, workflowID, limit)
}

func (b *Backend) GetRunDetails(ctx context.Context, runID string) (*run.WorkflowRun, error) {
	if err := b.enter(api.ProcRunDetails); err != nil {
		return nil, err
	}
	return b.next.GetRunDetails(ctx, runID)
}

func (b *Backend) DeleteRun(ctx context.Context, runID string) error {
	if err := b.enter(api.ProcRunDelete); err != nil {
		return err
	}
	return b.next.DeleteRun(ctx, runID)
}

func (b *Backend) ClearWorkflowHistory(ctx context.Context, workflowID string) error {
	if err := b.enter(api.ProcHistoryClear); err != nil {
		return err
	}
	return b.next.ClearWorkflowHistory(ctx, workflowID)
}
