// Package dataflow moves values along graph edges: ResolveInputs gathers the
// inputs a node consumes, and PropagateOutput writes a node's result into its
// downstream text nodes.
package dataflow

import (
	"github.com/dshills/flowstudio/pkg/workflow"
)

// ConnectedInputs are the values a node receives through its incoming edges.
// Images holds inline base64 payloads; ImageURLs holds remote references.
type ConnectedInputs struct {
	SystemPrompt *string  `json:"systemPrompt,omitempty"`
	UserMessage  *string  `json:"userMessage,omitempty"`
	Images       []string `json:"images"`
	ImageURLs    []string `json:"imageUrls"`
}

// ResolveInputs walks the edges targeting nodeID in edge order and collects
// the inputs they carry. Edges whose source node is missing are skipped, and
// when several edges feed the same single-valued handle the last one wins.
// It never fails; a node without inputs yields empty lists.
func ResolveInputs(g workflow.Graph, nodeID workflow.NodeID) ConnectedInputs {
	in := ConnectedInputs{
		Images:    []string{},
		ImageURLs: []string{},
	}

	for _, edge := range g.IncomingEdges(nodeID) {
		source, ok := g.Node(edge.Source)
		if !ok || source.Data == nil {
			continue
		}

		switch edge.TargetHandle {
		case workflow.HandleSystemPrompt:
			if text, ok := textOf(source); ok {
				in.SystemPrompt = &text
			}
		case workflow.HandleUserMessage:
			if text, ok := textOf(source); ok {
				in.UserMessage = &text
			}
		case workflow.HandleImages:
			collectImages(&in, source)
		}
	}

	return in
}

func textOf(n workflow.Node) (string, bool) {
	d, ok := n.Data.(*workflow.TextData)
	if !ok {
		return "", false
	}
	return d.Text, true
}

func collectImages(in *ConnectedInputs, source workflow.Node) {
	switch d := source.Data.(type) {
	case *workflow.ImageData:
		for _, item := range d.Images {
			switch {
			case item.ImageBase64 != "":
				in.Images = append(in.Images, item.ImageBase64)
			case item.ImageURL != "":
				in.ImageURLs = append(in.ImageURLs, item.ImageURL)
			}
		}
	case *workflow.CropImageData:
		if d.OutputImageURL != "" {
			in.ImageURLs = append(in.ImageURLs, d.OutputImageURL)
		}
	case *workflow.ExtractFrameData:
		if d.OutputFrameURL != "" {
			in.ImageURLs = append(in.ImageURLs, d.OutputFrameURL)
		}
	case *workflow.TextData, *workflow.LLMData, *workflow.OpaqueData:
		// no image output
	}
}
