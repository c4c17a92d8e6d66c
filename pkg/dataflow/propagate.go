package dataflow

import (
	"github.com/dshills/flowstudio/pkg/workflow"
)

// PropagateOutput returns a graph in which every text node reachable by one
// outgoing edge of sourceID has its text replaced by output. Other target
// kinds and missing targets are ignored. The input graph is not modified.
// changed is false, and g is returned as is, when no text node was a target.
func PropagateOutput(g workflow.Graph, sourceID workflow.NodeID, output string) (next workflow.Graph, changed bool) {
	targets := make(map[workflow.NodeID]bool)
	for _, edge := range g.OutgoingEdges(sourceID) {
		targets[edge.Target] = true
	}
	if len(targets) == 0 {
		return g, false
	}

	nodes := g.Nodes()
	for i := range nodes {
		if !targets[nodes[i].ID] {
			continue
		}
		if d, ok := nodes[i].Data.(*workflow.TextData); ok {
			d.Text = output
			changed = true
		}
	}
	if !changed {
		return g, false
	}
	return g.WithNodes(nodes), true
}
