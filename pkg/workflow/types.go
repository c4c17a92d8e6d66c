package workflow

import (
	"errors"

	"github.com/google/uuid"
)

// Common graph errors
var (
	// ErrNodeNotFound is returned when a node id is not present in the graph
	ErrNodeNotFound = errors.New("node not found")

	// ErrEdgeNotFound is returned when an edge id is not present in the graph
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrDuplicateNode is returned when adding a node whose id is already taken
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrDanglingEdge is returned when an edge endpoint does not reference a node in the graph
	ErrDanglingEdge = errors.New("edge references missing node")

	// ErrHandleOccupied is returned when connecting a second edge into a single-valued handle
	ErrHandleOccupied = errors.New("target handle already connected")

	// ErrCycle is returned by TopologicalSort when the graph is not acyclic
	ErrCycle = errors.New("graph contains a cycle")
)

// NodeID is a unique identifier for a node within a workflow
type NodeID string

// String returns the string representation of the NodeID
func (n NodeID) String() string {
	return string(n)
}

// NewNodeID generates a new unique NodeID
func NewNodeID() NodeID {
	return NodeID(uuid.New().String())
}

// EdgeID is a unique identifier for an edge within a workflow
type EdgeID string

// String returns the string representation of the EdgeID
func (e EdgeID) String() string {
	return string(e)
}

// NewEdgeID generates a new unique EdgeID
func NewEdgeID() EdgeID {
	return EdgeID(uuid.New().String())
}

// Kind discriminates node payloads.
type Kind string

const (
	KindText         Kind = "text"
	KindImage        Kind = "image"
	KindCropImage    Kind = "cropImage"
	KindExtractFrame Kind = "extractFrame"
	KindLLM          Kind = "llm"
)

// Handle names a connection port on a node.
type Handle string

const (
	HandleSystemPrompt Handle = "system_prompt"
	HandleUserMessage  Handle = "user_message"
	HandleImages       Handle = "images"
	HandleOutput       Handle = "output"
)

// SingleValued reports whether at most one edge may target this handle.
func (h Handle) SingleValued() bool {
	return h == HandleSystemPrompt || h == HandleUserMessage
}
