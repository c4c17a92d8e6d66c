package runhistory

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dshills/flowstudio/pkg/domain/run"
)

// filterEnv is what a filter expression sees for each run
type filterEnv struct {
	ID         string `expr:"id"`
	WorkflowID string `expr:"workflowId"`
	Scope      string `expr:"scope"`
	Status     string `expr:"status"`
	Temporary  bool   `expr:"temporary"`
	NodeCount  int    `expr:"nodeCount"`
	NodeRuns   int    `expr:"nodeRuns"`
	Failed     int    `expr:"failed"`
	DurationMs int64  `expr:"durationMs"`
	StartedAt  int64  `expr:"startedAt"` // unix milliseconds
}

func envOf(r run.WorkflowRun) filterEnv {
	env := filterEnv{
		ID:         r.Ref.ID(),
		WorkflowID: r.WorkflowID,
		Scope:      string(r.Scope),
		Status:     string(r.Status),
		Temporary:  r.Ref.IsLocal(),
		NodeCount:  r.NodeCount,
		NodeRuns:   len(r.NodeRuns),
		Failed:     r.FailedCount(),
		StartedAt:  r.StartedAt.UnixMilli(),
	}
	if r.Duration != nil {
		env.DurationMs = *r.Duration
	}
	return env
}

// Filter is a compiled boolean expression over runs, e.g.
//
//	status == "failed" || (scope == "full" && durationMs > 5000)
//
// Available fields: id, workflowId, scope, status, temporary, nodeCount,
// nodeRuns, failed, durationMs and startedAt (unix milliseconds).
type Filter struct {
	source  string
	program *vm.Program
}

// CompileFilter parses and type-checks a filter expression
func CompileFilter(source string) (*Filter, error) {
	program, err := expr.Compile(source, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid run filter %q: %w", source, err)
	}
	return &Filter{source: source, program: program}, nil
}

// Match reports whether r satisfies the filter
func (f *Filter) Match(r run.WorkflowRun) (bool, error) {
	out, err := vm.Run(f.program, envOf(r))
	if err != nil {
		return false, fmt.Errorf("run filter %q: %w", f.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Apply returns the runs matching the filter, keeping their order
func (f *Filter) Apply(runs []run.WorkflowRun) ([]run.WorkflowRun, error) {
	out := make([]run.WorkflowRun, 0, len(runs))
	for _, r := range runs {
		ok, err := f.Match(r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// Filter returns the tracked runs matching source
func (t *Tracker) Filter(source string) ([]run.WorkflowRun, error) {
	f, err := CompileFilter(source)
	if err != nil {
		return nil, err
	}
	return f.Apply(t.Runs())
}
