package workflow

import (
	"errors"
	"fmt"
)

// Edge connects an output handle of one node to an input handle of another
type Edge struct {
	ID           EdgeID `json:"id"`
	Source       NodeID `json:"source"`
	Target       NodeID `json:"target"`
	SourceHandle Handle `json:"sourceHandle,omitempty"`
	TargetHandle Handle `json:"targetHandle,omitempty"`
}

// NewEdge creates an edge with a fresh id
func NewEdge(source NodeID, sourceHandle Handle, target NodeID, targetHandle Handle) Edge {
	return Edge{
		ID:           NewEdgeID(),
		Source:       source,
		Target:       target,
		SourceHandle: sourceHandle,
		TargetHandle: targetHandle,
	}
}

// Validate checks if the edge is valid
func (e Edge) Validate() error {
	if e.ID == "" {
		return errors.New("edge: empty edge ID")
	}
	if e.Source == "" {
		return errors.New("edge: empty source node")
	}
	if e.Target == "" {
		return errors.New("edge: empty target node")
	}
	if e.Source == e.Target {
		return fmt.Errorf("edge: self-loop detected (node %s to itself)", e.Source)
	}
	return nil
}
