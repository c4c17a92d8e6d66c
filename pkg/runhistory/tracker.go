// Package runhistory records workflow runs and their node runs.
//
// Every operation applies its change locally first, under a temporary id,
// then asks the store to do the same. When the store answers, the temporary
// id is replaced by the issued one in a single locked update. When it fails,
// the failure is logged and the local record stays as it is: local state is
// what the session shows, whether or not the store caught up.
package runhistory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/domain/run"
	operr "github.com/dshills/flowstudio/pkg/errors"
	"github.com/dshills/flowstudio/pkg/logging"
)

// ErrUnknownRun is returned for refs the tracker has never seen
var ErrUnknownRun = errors.New("unknown run")

// errNoRecord is a store answer without error or record. It counts as a
// failed create.
var errNoRecord = errors.New("store returned no record")

// Tracker holds the run history of one workflow and the run in progress.
// It is safe for concurrent use; the lock is released across store calls.
type Tracker struct {
	backend api.HistoryService
	logger  hclog.Logger
	now     func() time.Time

	mu      sync.Mutex
	runs    []run.WorkflowRun // newest first
	current *run.WorkflowRun
	loading bool
	clears  uint64 // ClearHistory calls so far
}

// Option configures a Tracker
type Option func(*Tracker)

// WithLogger sets the logger for store failures
func WithLogger(l hclog.Logger) Option {
	return func(t *Tracker) { t.logger = logging.OrNull(l) }
}

// WithClock replaces time.Now. Durations are measured on this clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New returns an empty tracker reporting to backend
func New(backend api.HistoryService, opts ...Option) *Tracker {
	t := &Tracker{
		backend: backend,
		logger:  hclog.NewNullLogger(),
		now:     time.Now,
		runs:    []run.WorkflowRun{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Runs returns a copy of the run history, newest first
func (t *Tracker) Runs() []run.WorkflowRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]run.WorkflowRun, len(t.runs))
	for i, r := range t.runs {
		out[i] = r.Clone()
	}
	return out
}

// CurrentRun returns a copy of the run in progress
func (t *Tracker) CurrentRun() (run.WorkflowRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return run.WorkflowRun{}, false
	}
	return t.current.Clone(), true
}

// IsLoading reports whether LoadHistory is in flight
func (t *Tracker) IsLoading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loading
}

// LoadHistory replaces the history with the workflow's most recent
// api.DefaultRunLimit runs. On failure the current history is kept.
func (t *Tracker) LoadHistory(ctx context.Context, workflowID string) error {
	t.mu.Lock()
	t.loading = true
	t.mu.Unlock()

	runs, err := t.backend.GetRunsByWorkflow(ctx, workflowID, api.DefaultRunLimit)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.loading = false
	if err != nil {
		return t.fail(operr.New("load run history", workflowID, err))
	}
	if runs == nil {
		runs = []run.WorkflowRun{}
	}
	t.runs = runs
	return nil
}

// StartRun records a running run and makes it current. It returns the
// store-issued ref, or the temporary one when the store call failed.
func (t *Tracker) StartRun(ctx context.Context, workflowID string, scope run.Scope, nodeIDs []string) run.Ref {
	r := run.NewWorkflowRun(workflowID, scope, len(nodeIDs), t.now())
	temp := r.Ref

	t.mu.Lock()
	current := r.Clone()
	t.current = &current
	t.runs = append([]run.WorkflowRun{r}, t.runs...)
	clears := t.clears
	t.mu.Unlock()

	created, err := t.backend.CreateRun(ctx, api.CreateRunInput{
		WorkflowID: workflowID,
		Scope:      scope,
		NodeCount:  len(nodeIDs),
	})
	if err == nil && created == nil {
		err = errNoRecord
	}
	if err != nil {
		t.mu.Lock()
		_ = t.fail(operr.New("create run", workflowID, err).WithRun(temp.ID(), ""))
		t.mu.Unlock()
		return temp
	}

	issued := run.Remote(created.Ref.ID())
	t.mu.Lock()
	t.rewriteRun(temp, issued)
	late, ok := t.find(issued)
	cleared := t.clears != clears
	t.mu.Unlock()

	// History was cleared while the run was being created
	if !ok && cleared {
		if err := t.backend.DeleteRun(ctx, issued.ID()); err != nil {
			t.mu.Lock()
			_ = t.fail(operr.New("delete cleared run", workflowID, err).WithRun(issued.ID(), ""))
			t.mu.Unlock()
		}
		return issued
	}

	// A run completed while its creation was in flight never reached the store
	if ok && late.Status.IsTerminal() {
		t.pushRunCompletion(ctx, late)
	}
	return issued
}

// CompleteRun moves a run into a terminal status, measuring its duration on
// the local clock, and clears it as the current run. The store is updated
// only once the run carries a store-issued id.
func (t *Tracker) CompleteRun(ctx context.Context, ref run.Ref, status run.Status) error {
	now := t.now()

	t.mu.Lock()
	idx := t.index(ref)
	if idx < 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRun, ref)
	}
	if err := t.runs[idx].Complete(status, now); err != nil {
		t.mu.Unlock()
		return err
	}
	completed := t.runs[idx].Clone()
	if t.current != nil && t.current.Ref == ref {
		t.current = nil
	}
	t.mu.Unlock()

	if ref.IsLocal() {
		t.logger.Debug("run not yet stored, skipping update", "run_id", ref.ID())
		return nil
	}
	t.pushRunCompletion(ctx, completed)
	return nil
}

func (t *Tracker) pushRunCompletion(ctx context.Context, r run.WorkflowRun) {
	_, err := t.backend.UpdateRun(ctx, api.UpdateRunInput{
		RunID:       r.Ref.ID(),
		Status:      r.Status,
		CompletedAt: r.CompletedAt,
		Duration:    r.Duration,
	})
	if err != nil {
		t.mu.Lock()
		_ = t.fail(operr.New("complete run", r.WorkflowID, err).WithRun(r.Ref.ID(), ""))
		t.mu.Unlock()
	}
}

// AddNodeRun appends a running node run to a run. It returns the
// store-issued ref, or a temporary one when the run is itself temporary or
// the store call failed.
func (t *Tracker) AddNodeRun(ctx context.Context, runRef run.Ref, nodeID, nodeName, nodeType string, input map[string]interface{}) (run.Ref, error) {
	nr := run.NewNodeRun(nodeID, nodeName, nodeType, input, t.now())
	temp := nr.Ref

	t.mu.Lock()
	idx := t.index(runRef)
	if idx < 0 {
		t.mu.Unlock()
		return run.Ref{}, fmt.Errorf("%w: %s", ErrUnknownRun, runRef)
	}
	t.runs[idx].NodeRuns = append(t.runs[idx].NodeRuns, nr)
	if t.current != nil && t.current.Ref == runRef {
		t.current.NodeRuns = append(t.current.NodeRuns, nr.Clone())
	}
	workflowID := t.runs[idx].WorkflowID
	t.mu.Unlock()

	if runRef.IsLocal() {
		return temp, nil
	}

	created, err := t.backend.AddNodeRun(ctx, api.AddNodeRunInput{
		WorkflowRunID: runRef.ID(),
		NodeID:        nodeID,
		NodeName:      nodeName,
		NodeType:      nodeType,
		InputData:     input,
	})
	if err == nil && created == nil {
		err = errNoRecord
	}
	if err != nil {
		t.mu.Lock()
		_ = t.fail(operr.New("add node run", workflowID, err).WithRun(runRef.ID(), nodeID))
		t.mu.Unlock()
		return temp, nil
	}

	issued := run.Remote(created.Ref.ID())
	t.mu.Lock()
	t.rewriteNodeRun(temp, issued)
	late, ok := t.findNodeRun(issued)
	t.mu.Unlock()

	// A node run completed while its creation was in flight never reached the store
	if ok && late.Status.IsTerminal() {
		t.pushNodeRunCompletion(ctx, workflowID, runRef.ID(), late)
	}
	return issued, nil
}

// CompleteNodeRun moves a node run into a terminal status with its output
// or error. The store is updated only once the node run carries a
// store-issued id.
func (t *Tracker) CompleteNodeRun(ctx context.Context, ref run.Ref, status run.NodeStatus, output map[string]interface{}, errText string) error {
	now := t.now()

	t.mu.Lock()
	var completed *run.NodeRun
	var workflowID, runID string
	for i := range t.runs {
		j := t.runs[i].NodeRunIndex(ref)
		if j < 0 {
			continue
		}
		nr := &t.runs[i].NodeRuns[j]
		if err := nr.Complete(status, output, errText, now); err != nil {
			t.mu.Unlock()
			return err
		}
		c := nr.Clone()
		completed = &c
		workflowID, runID = t.runs[i].WorkflowID, t.runs[i].Ref.ID()
		break
	}
	if completed == nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: node run %s", ErrUnknownRun, ref)
	}
	if t.current != nil {
		if j := t.current.NodeRunIndex(ref); j >= 0 {
			t.current.NodeRuns[j] = completed.Clone()
		}
	}
	t.mu.Unlock()

	if ref.IsLocal() {
		return nil
	}
	t.pushNodeRunCompletion(ctx, workflowID, runID, *completed)
	return nil
}

func (t *Tracker) pushNodeRunCompletion(ctx context.Context, workflowID, runID string, nr run.NodeRun) {
	_, err := t.backend.UpdateNodeRun(ctx, api.UpdateNodeRunInput{
		NodeRunID:   nr.Ref.ID(),
		Status:      nr.Status,
		CompletedAt: nr.CompletedAt,
		Duration:    nr.Duration,
		OutputData:  nr.OutputData,
		Error:       nr.Error,
	})
	if err != nil {
		t.mu.Lock()
		_ = t.fail(operr.New("complete node run", workflowID, err).WithRun(runID, nr.NodeID))
		t.mu.Unlock()
	}
}

// ClearHistory forgets every local run, then deletes the workflow's runs
// from the store. The local history stays empty even if the store call
// fails; the error is logged and returned.
func (t *Tracker) ClearHistory(ctx context.Context, workflowID string) error {
	t.mu.Lock()
	t.runs = []run.WorkflowRun{}
	t.current = nil
	t.clears++
	t.mu.Unlock()

	if err := t.backend.ClearWorkflowHistory(ctx, workflowID); err != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.fail(operr.New("clear run history", workflowID, err))
	}
	return nil
}

// fail logs a store failure. Callers hold t.mu.
func (t *Tracker) fail(err *operr.OperationalError) error {
	t.logger.Warn("remote call failed", err.LogArgs()...)
	return err
}

// index returns the position of the run with ref in t.runs, or -1
func (t *Tracker) index(ref run.Ref) int {
	for i := range t.runs {
		if t.runs[i].Ref == ref {
			return i
		}
	}
	return -1
}

func (t *Tracker) find(ref run.Ref) (run.WorkflowRun, bool) {
	if i := t.index(ref); i >= 0 {
		return t.runs[i].Clone(), true
	}
	return run.WorkflowRun{}, false
}

func (t *Tracker) findNodeRun(ref run.Ref) (run.NodeRun, bool) {
	for i := range t.runs {
		if j := t.runs[i].NodeRunIndex(ref); j >= 0 {
			return t.runs[i].NodeRuns[j].Clone(), true
		}
	}
	return run.NodeRun{}, false
}

// rewriteRun replaces a run's temporary ref in the history and the current run
func (t *Tracker) rewriteRun(temp, issued run.Ref) {
	for i := range t.runs {
		if t.runs[i].Ref == temp {
			t.runs[i].Ref = issued
		}
	}
	if t.current != nil && t.current.Ref == temp {
		t.current.Ref = issued
	}
}

// rewriteNodeRun replaces a node run's temporary ref wherever it appears
func (t *Tracker) rewriteNodeRun(temp, issued run.Ref) {
	for i := range t.runs {
		if j := t.runs[i].NodeRunIndex(temp); j >= 0 {
			t.runs[i].NodeRuns[j].Ref = issued
		}
	}
	if t.current != nil {
		if j := t.current.NodeRunIndex(temp); j >= 0 {
			t.current.NodeRuns[j].Ref = issued
		}
	}
}
