package api

import (
	"time"

	"github.com/dshills/flowstudio/pkg/domain/run"
	"github.com/dshills/flowstudio/pkg/workflow"
)

// DefaultRunLimit is the number of runs GetRunsByWorkflow returns when no
// limit is given.
const DefaultRunLimit = 50

// Workflow is a stored workflow with its full graph.
type Workflow struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	FolderID  *string         `json:"folderId"`
	Nodes     []workflow.Node `json:"nodes"`
	Edges     []workflow.Edge `json:"edges"`
	Thumbnail string          `json:"thumbnail,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Graph returns the stored nodes and edges as a graph
func (w *Workflow) Graph() workflow.Graph {
	return workflow.NewGraph(w.Nodes, w.Edges)
}

// WorkflowSummary is a workflow listing entry without its graph
type WorkflowSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	FolderID  *string   `json:"folderId"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Folder groups workflows. FileCount is the number of workflows directly inside.
type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  *string   `json:"parentId"`
	FileCount int       `json:"fileCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListWorkflowsInput filters a workflow listing. When InFolder is false every
// workflow is listed; otherwise only those in FolderID (nil meaning root).
type ListWorkflowsInput struct {
	InFolder bool    `json:"inFolder,omitempty"`
	FolderID *string `json:"folderId,omitempty"`
}

// CreateWorkflowInput creates a workflow. An empty name becomes workflow.DefaultName.
type CreateWorkflowInput struct {
	Name     string          `json:"name"`
	FolderID *string         `json:"folderId,omitempty"`
	Nodes    []workflow.Node `json:"nodes"`
	Edges    []workflow.Edge `json:"edges"`
}

// Validate checks the input and fills defaults
func (in *CreateWorkflowInput) Validate() error {
	if in.Name == "" {
		in.Name = workflow.DefaultName
	}
	return ValidateName(in.Name)
}

// UpdateWorkflowInput changes the fields that are set. A nil Name, Nodes or
// Edges leaves that field unchanged; an empty non-nil slice clears it. The
// folder is changed only when SetFolder is true, and a nil FolderID then
// moves the workflow to the root.
type UpdateWorkflowInput struct {
	ID        string          `json:"id"`
	Name      *string         `json:"name,omitempty"`
	SetFolder bool            `json:"setFolder,omitempty"`
	FolderID  *string         `json:"folderId,omitempty"`
	Nodes     []workflow.Node `json:"nodes"`
	Edges     []workflow.Edge `json:"edges"`
	Thumbnail *string         `json:"thumbnail,omitempty"`
}

// Validate checks the input
func (in *UpdateWorkflowInput) Validate() error {
	if in.ID == "" {
		return Invalid("workflow id is required")
	}
	if in.Name != nil {
		return ValidateName(*in.Name)
	}
	return nil
}

// CreateFolderInput creates a folder under ParentID (nil for root)
type CreateFolderInput struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parentId,omitempty"`
}

// Validate checks the input
func (in *CreateFolderInput) Validate() error {
	return ValidateName(in.Name)
}

// UpdateFolderInput renames or moves a folder. The parent is changed only
// when SetParent is true.
type UpdateFolderInput struct {
	ID        string  `json:"id"`
	Name      *string `json:"name,omitempty"`
	SetParent bool    `json:"setParent,omitempty"`
	ParentID  *string `json:"parentId,omitempty"`
}

// Validate checks the input
func (in *UpdateFolderInput) Validate() error {
	if in.ID == "" {
		return Invalid("folder id is required")
	}
	if in.SetParent && in.ParentID != nil && *in.ParentID == in.ID {
		return Invalid("folder cannot be its own parent")
	}
	if in.Name != nil {
		return ValidateName(*in.Name)
	}
	return nil
}

// CreateRunInput starts a run record
type CreateRunInput struct {
	WorkflowID string    `json:"workflowId"`
	Scope      run.Scope `json:"runScope"`
	NodeCount  int       `json:"nodeCount"`
}

// Validate checks the input
func (in *CreateRunInput) Validate() error {
	if in.WorkflowID == "" {
		return Invalid("workflow id is required")
	}
	if !in.Scope.Valid() {
		return Invalid("invalid run scope %q", in.Scope)
	}
	if in.NodeCount < 0 {
		return Invalid("node count must not be negative")
	}
	return nil
}

// UpdateRunInput changes a run's status. A nil CompletedAt means now.
type UpdateRunInput struct {
	RunID       string     `json:"runId"`
	Status      run.Status `json:"status"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Duration    *int64     `json:"duration,omitempty"`
}

// Validate checks the input
func (in *UpdateRunInput) Validate() error {
	if in.RunID == "" {
		return Invalid("run id is required")
	}
	if !in.Status.Valid() {
		return Invalid("invalid run status %q", in.Status)
	}
	return nil
}

// AddNodeRunInput appends a running node run to a run
type AddNodeRunInput struct {
	WorkflowRunID string                 `json:"workflowRunId"`
	NodeID        string                 `json:"nodeId"`
	NodeName      string                 `json:"nodeName"`
	NodeType      string                 `json:"nodeType"`
	InputData     map[string]interface{} `json:"inputData,omitempty"`
}

// Validate checks the input
func (in *AddNodeRunInput) Validate() error {
	if in.WorkflowRunID == "" {
		return Invalid("workflow run id is required")
	}
	if in.NodeID == "" {
		return Invalid("node id is required")
	}
	return nil
}

// UpdateNodeRunInput changes a node run's status. A nil CompletedAt means now.
type UpdateNodeRunInput struct {
	NodeRunID   string                 `json:"nodeRunId"`
	Status      run.NodeStatus         `json:"status"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	Duration    *int64                 `json:"duration,omitempty"`
	OutputData  map[string]interface{} `json:"outputData,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Validate checks the input
func (in *UpdateNodeRunInput) Validate() error {
	if in.NodeRunID == "" {
		return Invalid("node run id is required")
	}
	if !in.Status.Valid() {
		return Invalid("invalid node run status %q", in.Status)
	}
	return nil
}
