package run

import (
	"fmt"
	"time"
)

// WorkflowRun records one execution of a workflow.
type WorkflowRun struct {
	Ref         Ref        `json:"id"`
	WorkflowID  string     `json:"workflowId"`
	Scope       Scope      `json:"runScope"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// Duration is CompletedAt - StartedAt in milliseconds, set once the run is terminal.
	Duration  *int64    `json:"duration,omitempty"`
	NodeCount int       `json:"nodeCount"`
	NodeRuns  []NodeRun `json:"nodeRuns"`
}

// NodeRun records one node's execution within a run.
type NodeRun struct {
	Ref         Ref                    `json:"id"`
	NodeID      string                 `json:"nodeId"`
	NodeName    string                 `json:"nodeName"`
	NodeType    string                 `json:"nodeType"`
	Status      NodeStatus             `json:"status"`
	StartedAt   time.Time              `json:"startedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	Duration    *int64                 `json:"duration,omitempty"`
	InputData   map[string]interface{} `json:"inputData,omitempty"`
	OutputData  map[string]interface{} `json:"outputData,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// NewWorkflowRun creates a running run with a temporary ref
func NewWorkflowRun(workflowID string, scope Scope, nodeCount int, now time.Time) WorkflowRun {
	return WorkflowRun{
		Ref:        NewLocal(now),
		WorkflowID: workflowID,
		Scope:      scope,
		Status:     StatusRunning,
		StartedAt:  now,
		NodeCount:  nodeCount,
		NodeRuns:   []NodeRun{},
	}
}

// NewNodeRun creates a running node run with a temporary ref
func NewNodeRun(nodeID, nodeName, nodeType string, input map[string]interface{}, now time.Time) NodeRun {
	return NodeRun{
		Ref:       NewLocal(now),
		NodeID:    nodeID,
		NodeName:  nodeName,
		NodeType:  nodeType,
		Status:    NodeStatusRunning,
		StartedAt: now,
		InputData: input,
	}
}

// DurationMillis returns end - start in whole milliseconds
func DurationMillis(start, end time.Time) int64 {
	return end.Sub(start).Milliseconds()
}

// Complete moves the run into a terminal status at the given time.
func (r *WorkflowRun) Complete(status Status, at time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot complete run %s with non-terminal status %q", r.Ref, status)
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("cannot complete run %s: already %s", r.Ref, r.Status)
	}
	d := DurationMillis(r.StartedAt, at)
	r.Status = status
	r.CompletedAt = &at
	r.Duration = &d
	return nil
}

// Complete moves the node run into a terminal status at the given time.
func (n *NodeRun) Complete(status NodeStatus, output map[string]interface{}, errText string, at time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot complete node run %s with non-terminal status %q", n.Ref, status)
	}
	if n.Status.IsTerminal() {
		return fmt.Errorf("cannot complete node run %s: already %s", n.Ref, n.Status)
	}
	d := DurationMillis(n.StartedAt, at)
	n.Status = status
	n.CompletedAt = &at
	n.Duration = &d
	n.OutputData = output
	n.Error = errText
	return nil
}

// Clone returns a deep copy of the run. Input and output maps are shared;
// they are treated as immutable once recorded.
func (r WorkflowRun) Clone() WorkflowRun {
	c := r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Duration != nil {
		d := *r.Duration
		c.Duration = &d
	}
	c.NodeRuns = make([]NodeRun, len(r.NodeRuns))
	for i, nr := range r.NodeRuns {
		c.NodeRuns[i] = nr.Clone()
	}
	return c
}

// Clone returns a copy of the node run
func (n NodeRun) Clone() NodeRun {
	c := n
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		c.CompletedAt = &t
	}
	if n.Duration != nil {
		d := *n.Duration
		c.Duration = &d
	}
	return c
}

// NodeRunIndex returns the position of the node run with the given ref, or -1
func (r WorkflowRun) NodeRunIndex(ref Ref) int {
	for i, nr := range r.NodeRuns {
		if nr.Ref == ref {
			return i
		}
	}
	return -1
}

// FailedCount returns the number of failed node runs
func (r WorkflowRun) FailedCount() int {
	n := 0
	for _, nr := range r.NodeRuns {
		if nr.Status == NodeStatusFailed {
			n++
		}
	}
	return n
}

// OutcomeStatus derives the terminal status of a run from its executed node
// counts: completed when nothing failed, failed when everything failed, and
// partial otherwise.
func OutcomeStatus(succeeded, failed int) Status {
	switch {
	case failed == 0:
		return StatusCompleted
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}
