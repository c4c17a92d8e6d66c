package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

const (
	// DocumentVersion is the format tag written by Export
	DocumentVersion = "1.0"

	// DefaultName is the name of a workflow that has not been named yet
	DefaultName = "untitled"

	// DefaultImportName replaces a missing or empty name on import
	DefaultImportName = "Imported Workflow"
)

// ErrInvalidDocument is returned when a workflow document lacks a node or edge array
var ErrInvalidDocument = errors.New("invalid workflow document")

// Document is the file representation of a workflow.
// Unlike remote saves, documents keep inline image bytes.
type Document struct {
	Name       string `json:"name"`
	Nodes      []Node `json:"nodes"`
	Edges      []Edge `json:"edges"`
	ExportedAt string `json:"exportedAt"`
	Version    string `json:"version"`
}

// Graph returns the document's nodes and edges as a graph
func (d *Document) Graph() Graph {
	return NewGraph(d.Nodes, d.Edges)
}

// Export serializes name and graph into an indented document stamped with now.
func Export(name string, g Graph, now time.Time) ([]byte, error) {
	doc := Document{
		Name:       name,
		Nodes:      g.Nodes(),
		Edges:      g.Edges(),
		ExportedAt: now.UTC().Format(time.RFC3339Nano),
		Version:    DocumentVersion,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow document: %w", err)
	}
	return data, nil
}

// ParseDocument decodes a workflow document. Only the presence and array type
// of "nodes" and "edges" are required. A missing, blank or non-string name
// becomes DefaultImportName; version and exportedAt are kept only when they
// are strings.
func ParseDocument(data []byte) (*Document, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidDocument)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: expected an object", ErrInvalidDocument)
	}
	for _, field := range []string{"nodes", "edges"} {
		if !root.Get(field).IsArray() {
			return nil, fmt.Errorf("%w: missing %s array", ErrInvalidDocument, field)
		}
	}

	var doc Document
	if err := json.Unmarshal([]byte(root.Get("nodes").Raw), &doc.Nodes); err != nil {
		return nil, fmt.Errorf("%w: nodes: %v", ErrInvalidDocument, err)
	}
	if err := json.Unmarshal([]byte(root.Get("edges").Raw), &doc.Edges); err != nil {
		return nil, fmt.Errorf("%w: edges: %v", ErrInvalidDocument, err)
	}
	if doc.Nodes == nil {
		doc.Nodes = []Node{}
	}
	if doc.Edges == nil {
		doc.Edges = []Edge{}
	}

	// name, version and exportedAt are informational; other types fall back
	doc.Name = DefaultImportName
	if name := root.Get("name"); name.Type == gjson.String && strings.TrimSpace(name.Str) != "" {
		doc.Name = name.Str
	}
	if v := root.Get("version"); v.Type == gjson.String {
		doc.Version = v.Str
	}
	if at := root.Get("exportedAt"); at.Type == gjson.String {
		doc.ExportedAt = at.Str
	}
	return &doc, nil
}

// ExportFileName returns the file name used when exporting a workflow called name.
// Path separators are replaced so the result always names a single file.
func ExportFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "workflow"
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	if name == "." || name == ".." {
		name = "workflow"
	}
	return name + ".json"
}
