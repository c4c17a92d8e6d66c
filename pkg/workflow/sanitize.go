package workflow

// SanitizeNodes returns a copy of nodes with the inline base64 bytes of every
// image item cleared. Image URLs are kept; the bytes are recovered from them
// after the next load. The input slice is not modified.
func SanitizeNodes(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		c := n.Clone()
		if img, ok := c.Data.(*ImageData); ok {
			for j := range img.Images {
				img.Images[j].ImageBase64 = ""
			}
		}
		out[i] = c
	}
	return out
}

// Sanitized returns the graph with SanitizeNodes applied to its nodes
func (g Graph) Sanitized() Graph {
	return Graph{nodes: SanitizeNodes(g.nodes), edges: cloneEdges(g.edges)}
}
