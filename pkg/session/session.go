// Package session holds the workflow being edited, tracks whether it has
// diverged from the remote store, and reconciles it on load, save, create,
// import and export.
//
// A Session is safe for concurrent use. Its lock is never held across a
// remote call: state is captured before the call and applied in one locked
// update after it returns.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/dataflow"
	operr "github.com/dshills/flowstudio/pkg/errors"
	"github.com/dshills/flowstudio/pkg/history"
	"github.com/dshills/flowstudio/pkg/logging"
	"github.com/dshills/flowstudio/pkg/workflow"
)

// MaxImportSize bounds the size of an imported document
const MaxImportSize = 64 << 20

// ErrNoWorkflow is returned by Load when the store answers without a workflow
var ErrNoWorkflow = errors.New("no workflow data")

// State is the persistence state of a session
type State int

const (
	// StateEmpty means no workflow has been loaded or created
	StateEmpty State = iota
	// StateLoading means a load is in flight
	StateLoading
	// StateClean means the local graph matches the last persisted one
	StateClean
	// StateDirty means local edits have not been persisted
	StateDirty
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snapshot is a consistent view of a session's state
type Snapshot struct {
	ID       string
	Name     string
	FolderID *string
	Graph    workflow.Graph
	Dirty    bool
	Loading  bool
	Saving   bool
}

// Session owns one workflow's identity, graph, dirty flag and undo history.
type Session struct {
	backend api.WorkflowService
	logger  hclog.Logger
	now     func() time.Time

	// saveMu serializes Save and CreateAndSave
	saveMu sync.Mutex

	mu       sync.Mutex
	id       string
	name     string
	folderID *string
	graph    workflow.Graph
	dirty    bool
	loading  bool
	saving   bool
	revision uint64
	history  *history.Stack
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger used for remote failures
func WithLogger(l hclog.Logger) Option {
	return func(s *Session) { s.logger = logging.OrNull(l) }
}

// WithClock replaces time.Now for export timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithHistoryCapacity bounds the undo stack
func WithHistoryCapacity(n int) Option {
	return func(s *Session) { s.history = history.New(n) }
}

// New returns an empty session persisting through backend
func New(backend api.WorkflowService, opts ...Option) *Session {
	s := &Session{
		backend: backend,
		logger:  hclog.NewNullLogger(),
		now:     time.Now,
		name:    workflow.DefaultName,
		graph:   workflow.EmptyGraph(),
		history: history.New(history.DefaultCapacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the current state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:       s.id,
		Name:     s.name,
		FolderID: s.folderID,
		Graph:    s.graph,
		Dirty:    s.dirty,
		Loading:  s.loading,
		Saving:   s.saving,
	}
}

// ID returns the remote id of the workflow, empty until first created or loaded
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Name returns the workflow's display name
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Graph returns the current graph
func (s *Session) Graph() workflow.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// IsDirty reports whether there are unsaved edits
func (s *Session) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// State returns the persistence state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.loading:
		return StateLoading
	case s.id == "" && !s.dirty:
		return StateEmpty
	case s.dirty:
		return StateDirty
	default:
		return StateClean
	}
}

// CanUndo reports whether Undo has a snapshot to restore
func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanUndo()
}

// CanRedo reports whether Redo has a snapshot to restore
func (s *Session) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanRedo()
}

// SetWorkflow adopts a workflow as loaded and clean, discarding undo history
func (s *Session) SetWorkflow(id, name string, g workflow.Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replace(id, name, nil, g)
}

// replace swaps in a persisted workflow. Callers hold s.mu.
func (s *Session) replace(id, name string, folderID *string, g workflow.Graph) {
	s.id = id
	s.name = name
	s.folderID = folderID
	s.graph = g
	s.dirty = false
	s.history.Clear()
	s.revision++
}

// SetWorkflowName renames the workflow and marks it dirty
func (s *Session) SetWorkflowName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	s.markDirty()
}

func (s *Session) markDirty() {
	s.dirty = true
	s.revision++
}

// ClearWorkflow returns the session to the empty state
func (s *Session) ClearWorkflow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replace("", workflow.DefaultName, nil, workflow.EmptyGraph())
}

// MarkClean clears the dirty flag without saving
func (s *Session) MarkClean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// Load fetches a workflow and makes it current. On failure the previous
// workflow stays in place and the error is returned.
func (s *Session) Load(ctx context.Context, id string) error {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	w, err := s.backend.GetWorkflow(ctx, id)
	if err == nil && w == nil {
		err = ErrNoWorkflow
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if err != nil {
		return s.fail("load workflow", id, err)
	}

	s.replace(w.ID, w.Name, w.FolderID, w.Graph())
	s.logger.Debug("workflow loaded", "workflow_id", w.ID, "nodes", len(w.Nodes), "edges", len(w.Edges))
	return nil
}

// fail wraps and logs a remote failure
func (s *Session) fail(operation, workflowID string, cause error) error {
	err := operr.New(operation, workflowID, cause)
	s.logger.Warn("remote call failed", err.LogArgs()...)
	return err
}

// Save persists the name, sanitized nodes and edges of a dirty workflow.
// It returns true without a remote call when there is nothing to save.
// The dirty flag is cleared only if no edit happened while the save was
// in flight.
func (s *Session) Save(ctx context.Context) bool {
	return s.SaveE(ctx) == nil
}

// SaveE is Save returning the remote error instead of false
func (s *Session) SaveE(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if s.id == "" || !s.dirty {
		s.mu.Unlock()
		return nil
	}
	id, name, rev := s.id, s.name, s.revision
	g := s.graph.Sanitized()
	s.saving = true
	s.mu.Unlock()

	_, err := s.backend.UpdateWorkflow(ctx, api.UpdateWorkflowInput{
		ID:    id,
		Name:  &name,
		Nodes: g.Nodes(),
		Edges: g.Edges(),
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saving = false
	if err != nil {
		return s.fail("save workflow", id, err)
	}
	if s.revision == rev {
		s.dirty = false
	} else {
		s.logger.Debug("workflow changed during save, staying dirty", "workflow_id", id)
	}
	return nil
}

// CreateAndSave creates a remote workflow holding g, then adopts it as the
// current clean workflow. It returns the new id, or "" and false when either
// remote call fails, in which case the session is unchanged.
func (s *Session) CreateAndSave(ctx context.Context, name string, g workflow.Graph, folderID *string) (string, bool) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	s.saving = true
	s.mu.Unlock()

	id, err := s.createRemote(ctx, name, g, folderID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saving = false
	if err != nil {
		_ = s.fail("create workflow", id, err)
		return "", false
	}

	s.replace(id, name, folderID, g)
	return id, true
}

func (s *Session) createRemote(ctx context.Context, name string, g workflow.Graph, folderID *string) (string, error) {
	created, err := s.backend.CreateWorkflow(ctx, api.CreateWorkflowInput{Name: name, FolderID: folderID})
	if err != nil {
		return "", err
	}
	if created == nil {
		return "", ErrNoWorkflow
	}

	clean := g.Sanitized()
	if _, err := s.backend.UpdateWorkflow(ctx, api.UpdateWorkflowInput{
		ID:    created.ID,
		Nodes: clean.Nodes(),
		Edges: clean.Edges(),
	}); err != nil {
		return created.ID, err
	}
	return created.ID, nil
}

// Export writes the full workflow, inline images included, as a document
func (s *Session) Export(w io.Writer) error {
	snap := s.Snapshot()
	data, err := workflow.Export(snap.Name, snap.Graph, s.now())
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write workflow document: %w", err)
	}
	return nil
}

// ExportFile writes the document into dir as <name>.json and returns its path
func (s *Session) ExportFile(dir string) (string, error) {
	snap := s.Snapshot()
	data, err := workflow.Export(snap.Name, snap.Graph, s.now())
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, workflow.ExportFileName(snap.Name))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write export file: %w", err)
	}
	return path, nil
}

// Import replaces the name and graph with those of a document and marks the
// workflow dirty; the previous graph becomes an undo step. Nothing changes
// when the document is invalid. Import never saves.
func (s *Session) Import(r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(r, MaxImportSize+1))
	if err != nil {
		return fmt.Errorf("failed to read workflow document: %w", err)
	}
	if len(data) > MaxImportSize {
		return api.Invalid("workflow document exceeds %d bytes", MaxImportSize)
	}

	doc, err := workflow.ParseDocument(data)
	if err != nil {
		s.logger.Warn("import rejected", "error", err)
		return fmt.Errorf("%w: %w", api.ErrValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Push(s.graph)
	s.name = doc.Name
	s.graph = doc.Graph()
	s.markDirty()
	return nil
}

// Apply records the current graph for undo, replaces it with fn's result and
// marks the workflow dirty. fn must not retain its argument's slices; Graph
// values are immutable so this holds for any fn built on Graph methods.
func (s *Session) Apply(fn func(workflow.Graph) (workflow.Graph, error)) error {
	return s.apply("", fn)
}

// ApplyCoalesced is Apply, except that consecutive edits with the same key
// within history.CoalesceWindow share one undo step.
func (s *Session) ApplyCoalesced(key string, fn func(workflow.Graph) (workflow.Graph, error)) error {
	return s.apply(key, fn)
}

func (s *Session) apply(key string, fn func(workflow.Graph) (workflow.Graph, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.graph)
	if err != nil {
		return err
	}
	if key == "" {
		s.history.Push(s.graph)
	} else {
		s.history.PushCoalesced(s.graph, key)
	}
	s.graph = next
	s.markDirty()
	return nil
}

// Undo restores the graph from before the last edit
func (s *Session) Undo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.history.Undo(s.graph)
	if err != nil {
		return err
	}
	s.graph = prev
	s.markDirty()
	return nil
}

// Redo reapplies the last undone edit
func (s *Session) Redo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.history.Redo(s.graph)
	if err != nil {
		return err
	}
	s.graph = next
	s.markDirty()
	return nil
}

// ResolveInputs gathers the inputs wired into nodeID
func (s *Session) ResolveInputs(nodeID workflow.NodeID) dataflow.ConnectedInputs {
	return dataflow.ResolveInputs(s.Graph(), nodeID)
}

// PropagateOutput writes output into the text nodes fed by nodeID. Run
// results are not undo steps, but they do make the workflow dirty.
func (s *Session) PropagateOutput(nodeID workflow.NodeID, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, changed := dataflow.PropagateOutput(s.graph, nodeID, output)
	if !changed {
		return
	}
	s.graph = next
	s.markDirty()
}

// UpdateNode replaces a node's data without recording an undo step. The
// engine uses it to store results such as LLM output or derived image URLs.
func (s *Session) UpdateNode(id workflow.NodeID, fn func(workflow.Node) workflow.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.graph.UpdateNode(id, fn)
	if err != nil {
		return err
	}
	s.graph = next
	s.markDirty()
	return nil
}
