// Package api defines the remote store that workflow sessions and run
// history reconcile against: its operations, records and error taxonomy.
//
// Every operation requires a caller identity in the context (see WithUser)
// and fails with ErrAuthRequired without one.
package api

import (
	"context"

	"github.com/dshills/flowstudio/pkg/domain/run"
)

// WorkflowService stores workflows
type WorkflowService interface {
	ListWorkflows(ctx context.Context, in ListWorkflowsInput) ([]WorkflowSummary, error)
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	CreateWorkflow(ctx context.Context, in CreateWorkflowInput) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, in UpdateWorkflowInput) (*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// FolderService stores folders. Deleting a folder moves its workflows and
// child folders to the root.
type FolderService interface {
	ListFolders(ctx context.Context, parentID *string) ([]Folder, error)
	GetFolder(ctx context.Context, id string) (*Folder, error)
	CreateFolder(ctx context.Context, in CreateFolderInput) (*Folder, error)
	UpdateFolder(ctx context.Context, in UpdateFolderInput) (*Folder, error)
	DeleteFolder(ctx context.Context, id string) error
}

// HistoryService stores workflow runs and their node runs.
// Runs are listed newest first; node runs oldest first.
type HistoryService interface {
	CreateRun(ctx context.Context, in CreateRunInput) (*run.WorkflowRun, error)
	UpdateRun(ctx context.Context, in UpdateRunInput) (*run.WorkflowRun, error)
	AddNodeRun(ctx context.Context, in AddNodeRunInput) (*run.NodeRun, error)
	UpdateNodeRun(ctx context.Context, in UpdateNodeRunInput) (*run.NodeRun, error)
	GetRunsByWorkflow(ctx context.Context, workflowID string, limit int) ([]run.WorkflowRun, error)
	GetRunDetails(ctx context.Context, runID string) (*run.WorkflowRun, error)
	DeleteRun(ctx context.Context, runID string) error
	ClearWorkflowHistory(ctx context.Context, workflowID string) error
}

// Backend is the complete remote store
type Backend interface {
	WorkflowService
	FolderService
	HistoryService
}

// Procedure names used on the wire
const (
	ProcWorkflowList   = "workflow.list"
	ProcWorkflowGet    = "workflow.getById"
	ProcWorkflowCreate = "workflow.create"
	ProcWorkflowUpdate = "workflow.update"
	ProcWorkflowDelete = "workflow.delete"
	ProcFolderList     = "folder.list"
	ProcFolderGet      = "folder.getById"
	ProcFolderCreate   = "folder.create"
	ProcFolderUpdate   = "folder.update"
	ProcFolderDelete   = "folder.delete"
	ProcRunCreate      = "history.createRun"
	ProcRunUpdate      = "history.updateRun"
	ProcNodeRunAdd     = "history.addNodeRun"
	ProcNodeRunUpdate  = "history.updateNodeRun"
	ProcRunsByWorkflow = "history.getRunsByWorkflow"
	ProcRunDetails     = "history.getRunDetails"
	ProcRunDelete      = "history.deleteRun"
	ProcHistoryClear   = "history.clearWorkflowHistory"
)

// IDRequest carries a single record id
type IDRequest struct {
	ID string `json:"id"`
}

// FolderListRequest is the body of folder.list
type FolderListRequest struct {
	ParentID *string `json:"parentId,omitempty"`
}

// RunsByWorkflowRequest is the body of history.getRunsByWorkflow
type RunsByWorkflowRequest struct {
	WorkflowID string `json:"workflowId"`
	Limit      int    `json:"limit,omitempty"`
}

// RunIDRequest is the body of history.getRunDetails and history.deleteRun
type RunIDRequest struct {
	RunID string `json:"runId"`
}

// WorkflowIDRequest is the body of history.clearWorkflowHistory
type WorkflowIDRequest struct {
	WorkflowID string `json:"workflowId"`
}

// Response envelopes
type (
	WorkflowResponse struct {
		Workflow *Workflow `json:"workflow"`
	}
	WorkflowListResponse struct {
		Workflows []WorkflowSummary `json:"workflows"`
	}
	FolderResponse struct {
		Folder *Folder `json:"folder"`
	}
	FolderListResponse struct {
		Folders []Folder `json:"folders"`
	}
	RunResponse struct {
		Run *run.WorkflowRun `json:"run"`
	}
	NodeRunResponse struct {
		NodeRun *run.NodeRun `json:"nodeRun"`
	}
	RunListResponse struct {
		Runs []run.WorkflowRun `json:"runs"`
	}
	MessageResponse struct {
		Message string `json:"message,omitempty"`
		Success bool   `json:"success"`
	}
	ErrorResponse struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
)

// Error codes carried by ErrorResponse
const (
	CodeNotFound     = "NOT_FOUND"
	CodeValidation   = "BAD_REQUEST"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInternal     = "INTERNAL_SERVER_ERROR"
)
