// Package errors carries operational context for failures of remote
// persistence and run tracking calls.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// OperationalError wraps a failed remote call with the workflow, run and
// node it concerned. It unwraps to Cause so the api error taxonomy stays
// visible to errors.Is.
type OperationalError struct {
	Operation  string
	WorkflowID string
	RunID      string
	NodeID     string
	Timestamp  time.Time
	Cause      error
}

// New wraps cause. Returns nil if cause is nil.
//
//	if err != nil {
//	    return errors.New("save workflow", workflowID, err)
//	}
func New(operation, workflowID string, cause error) *OperationalError {
	if cause == nil {
		return nil
	}
	return &OperationalError{
		Operation:  operation,
		WorkflowID: workflowID,
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

// WithRun records the run (and optionally node) the failure concerned
func (e *OperationalError) WithRun(runID, nodeID string) *OperationalError {
	if e == nil {
		return nil
	}
	e.RunID = runID
	e.NodeID = nodeID
	return e
}

// Error formats as "operation: workflow=<id> run=<id> node=<id>: cause",
// leaving out empty ids.
func (e *OperationalError) Error() string {
	if e == nil {
		return "<nil OperationalError>"
	}

	var b strings.Builder
	b.WriteString(e.Operation)
	if e.WorkflowID != "" || e.RunID != "" || e.NodeID != "" {
		b.WriteString(":")
		for _, kv := range [][2]string{{"workflow", e.WorkflowID}, {"run", e.RunID}, {"node", e.NodeID}} {
			if kv[1] != "" {
				fmt.Fprintf(&b, " %s=%s", kv[0], kv[1])
			}
		}
	}
	fmt.Fprintf(&b, ": %v", e.Cause)
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationalError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// LogArgs returns the error's context as hclog key/value pairs
func (e *OperationalError) LogArgs() []interface{} {
	if e == nil {
		return nil
	}
	args := []interface{}{"operation", e.Operation}
	if e.WorkflowID != "" {
		args = append(args, "workflow_id", e.WorkflowID)
	}
	if e.RunID != "" {
		args = append(args, "run_id", e.RunID)
	}
	if e.NodeID != "" {
		args = append(args, "node_id", e.NodeID)
	}
	return append(args, "error", e.Cause)
}
