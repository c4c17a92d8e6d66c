package workflow

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/document-v1.json
var documentSchema []byte

// ValidateDocumentSchema validates raw document bytes against the v1 JSON
// schema. This is stricter than ParseDocument, which only requires the node
// and edge arrays to be present.
func ValidateDocumentSchema(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty document")
	}

	schemaLoader := gojsonschema.NewBytesLoader(documentSchema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
	}

	return nil
}

// TopologicalSort performs a topological sort on the graph nodes
// Returns an ordered list of node IDs that respects the dependency order.
// Edges with a missing endpoint are ignored.
func TopologicalSort(g Graph) ([]NodeID, error) {
	// Build adjacency list and in-degree map
	adjacency := make(map[NodeID][]NodeID, len(g.nodes))
	inDegree := make(map[NodeID]int, len(g.nodes))

	for _, node := range g.nodes {
		inDegree[node.ID] = 0
		adjacency[node.ID] = []NodeID{}
	}

	for _, edge := range g.edges {
		if _, ok := inDegree[edge.Source]; !ok {
			continue
		}
		if _, ok := inDegree[edge.Target]; !ok {
			continue
		}
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
		inDegree[edge.Target]++
	}

	// Kahn's algorithm, seeded in node order so the result is stable
	queue := make([]NodeID, 0)
	seeded := make(map[NodeID]bool, len(g.nodes))
	for _, node := range g.nodes {
		if inDegree[node.ID] == 0 && !seeded[node.ID] {
			seeded[node.ID] = true
			queue = append(queue, node.ID)
		}
	}

	result := make([]NodeID, 0, len(g.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, neighbor := range adjacency[current] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if len(result) != len(inDegree) {
		return nil, ErrCycle
	}

	return result, nil
}
