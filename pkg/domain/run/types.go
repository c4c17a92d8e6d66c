// Package run defines workflow run and node run records and their status
// state machines.
package run

import "fmt"

// Scope says which part of a workflow a run covers.
type Scope string

const (
	// ScopeFull runs every node of the workflow.
	ScopeFull Scope = "full"
	// ScopeSelected runs the nodes selected by the user.
	ScopeSelected Scope = "selected"
	// ScopeSingle runs one node.
	ScopeSingle Scope = "single"
)

// Valid reports whether s is a known scope
func (s Scope) Valid() bool {
	return s == ScopeFull || s == ScopeSelected || s == ScopeSingle
}

// ParseScope converts a string into a Scope
func ParseScope(s string) (Scope, error) {
	scope := Scope(s)
	if !scope.Valid() {
		return "", fmt.Errorf("invalid run scope %q (want full, selected or single)", s)
	}
	return scope, nil
}

// Status represents the current state of a workflow run.
type Status string

const (
	// StatusRunning indicates the run is in progress.
	StatusRunning Status = "running"
	// StatusCompleted indicates every executed node succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed indicates every executed node failed.
	StatusFailed Status = "failed"
	// StatusPartial indicates some nodes failed and some succeeded.
	StatusPartial Status = "partial"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s == StatusRunning || s.IsTerminal()
}

// IsTerminal returns true if the status represents a terminal state (run has finished).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartial
}

// NodeStatus represents the current state of a node run.
type NodeStatus string

const (
	// NodeStatusRunning indicates the node is executing.
	NodeStatusRunning NodeStatus = "running"
	// NodeStatusCompleted indicates the node finished successfully.
	NodeStatusCompleted NodeStatus = "completed"
	// NodeStatusFailed indicates the node encountered an error.
	NodeStatusFailed NodeStatus = "failed"
)

// Valid reports whether s is a known node status
func (s NodeStatus) Valid() bool {
	return s == NodeStatusRunning || s.IsTerminal()
}

// IsTerminal returns true if the node run has finished
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed
}
