// Package history keeps bounded undo/redo stacks of graph snapshots.
package history

import (
	"errors"
	"time"

	"github.com/dshills/flowstudio/pkg/workflow"
)

const (
	// DefaultCapacity is the maximum number of undo snapshots kept.
	// When full, the oldest snapshot is dropped.
	DefaultCapacity = 100

	// CoalesceWindow is how close two PushCoalesced calls with the same key
	// must be for the second to be folded into the first.
	CoalesceWindow = 500 * time.Millisecond
)

var (
	// ErrNothingToUndo is returned by Undo on an empty undo stack
	ErrNothingToUndo = errors.New("nothing to undo")

	// ErrNothingToRedo is returned by Redo on an empty redo stack
	ErrNothingToRedo = errors.New("nothing to redo")
)

// Snapshot is a point-in-time copy of a graph.
// Graphs are immutable, so holding one never requires a deep copy.
type Snapshot struct {
	Graph     workflow.Graph
	Timestamp time.Time
}

// Stack manages linear undo/redo history. It is not safe for concurrent
// use; the owning session serializes access.
type Stack struct {
	undo     []Snapshot
	redo     []Snapshot
	capacity int

	lastKey  string
	lastPush time.Time
	now      func() time.Time
}

// New creates a stack holding at most capacity undo snapshots.
// A non-positive capacity selects DefaultCapacity.
func New(capacity int) *Stack {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stack{
		undo:     make([]Snapshot, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Push records g as the state before a mutation and clears the redo stack.
func (s *Stack) Push(g workflow.Graph) {
	s.push(g)
	s.lastKey = ""
}

// PushCoalesced is Push for rapid edits of one field. If the previous push
// used the same non-empty key less than CoalesceWindow ago, the earlier
// snapshot already covers this edit and only the redo stack is cleared.
func (s *Stack) PushCoalesced(g workflow.Graph, key string) {
	now := s.now()
	if key != "" && key == s.lastKey && len(s.undo) > 0 && now.Sub(s.lastPush) < CoalesceWindow {
		s.redo = s.redo[:0]
		s.lastPush = now
		return
	}
	s.push(g)
	s.lastKey = key
}

func (s *Stack) push(g workflow.Graph) {
	now := s.now()
	if len(s.undo) >= s.capacity {
		copy(s.undo, s.undo[1:])
		s.undo = s.undo[:len(s.undo)-1]
	}
	s.undo = append(s.undo, Snapshot{Graph: g, Timestamp: now})
	s.redo = s.redo[:0]
	s.lastPush = now
}

// Undo pops the most recent snapshot and returns its graph. current is the
// state being replaced; it is pushed onto the redo stack.
func (s *Stack) Undo(current workflow.Graph) (workflow.Graph, error) {
	if !s.CanUndo() {
		return current, ErrNothingToUndo
	}
	prev := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]
	s.redo = append(s.redo, Snapshot{Graph: current, Timestamp: s.now()})
	s.lastKey = ""
	return prev.Graph, nil
}

// Redo reapplies the most recently undone state. current is pushed back onto
// the undo stack.
func (s *Stack) Redo(current workflow.Graph) (workflow.Graph, error) {
	if !s.CanRedo() {
		return current, ErrNothingToRedo
	}
	next := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	if len(s.undo) >= s.capacity {
		copy(s.undo, s.undo[1:])
		s.undo = s.undo[:len(s.undo)-1]
	}
	s.undo = append(s.undo, Snapshot{Graph: current, Timestamp: s.now()})
	s.lastKey = ""
	return next.Graph, nil
}

// CanUndo returns true if undo is available
func (s *Stack) CanUndo() bool {
	return len(s.undo) > 0
}

// CanRedo returns true if redo is available
func (s *Stack) CanRedo() bool {
	return len(s.redo) > 0
}

// Clear drops all undo and redo snapshots
func (s *Stack) Clear() {
	s.undo = make([]Snapshot, 0, s.capacity)
	s.redo = nil
	s.lastKey = ""
}

// Size returns the number of undo snapshots
func (s *Stack) Size() int {
	return len(s.undo)
}

// RedoSize returns the number of redo snapshots
func (s *Stack) RedoSize() int {
	return len(s.redo)
}
