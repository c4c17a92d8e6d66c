package server

import (
	"bytes"
	"context"

	json "github.com/goccy/go-json"

	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/domain/run"
)

// procedure decodes a request body, calls the backend and returns the
// response envelope
type procedure func(ctx context.Context, body []byte) (interface{}, error)

// handle adapts a typed call into a procedure. An empty body decodes as the
// zero request.
func handle[Req any](fn func(context.Context, Req) (interface{}, error)) procedure {
	return func(ctx context.Context, body []byte) (interface{}, error) {
		var req Req
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, api.Invalid("malformed request body: %v", err)
			}
		}
		return fn(ctx, req)
	}
}

func requireID(id string) error {
	if id == "" {
		return api.Invalid("id is required")
	}
	return nil
}

var deleted = api.MessageResponse{Success: true}

func (s *Server) procedureTable() map[string]procedure {
	b := s.backend
	return map[string]procedure{
		api.ProcWorkflowList: handle(func(ctx context.Context, in api.ListWorkflowsInput) (interface{}, error) {
			ws, err := b.ListWorkflows(ctx, in)
			if err != nil {
				return nil, err
			}
			return api.WorkflowListResponse{Workflows: ws}, nil
		}),
		api.ProcWorkflowGet: handle(func(ctx context.Context, in api.IDRequest) (interface{}, error) {
			if err := requireID(in.ID); err != nil {
				return nil, err
			}
			w, err := b.GetWorkflow(ctx, in.ID)
			if err != nil {
				return nil, err
			}
			return api.WorkflowResponse{Workflow: w}, nil
		}),
		api.ProcWorkflowCreate: handle(func(ctx context.Context, in api.CreateWorkflowInput) (interface{}, error) {
			w, err := b.CreateWorkflow(ctx, in)
			if err != nil {
				return nil, err
			}
			return api.WorkflowResponse{Workflow: w}, nil
		}),
		api.ProcWorkflowUpdate: handle(func(ctx context.Context, in api.UpdateWorkflowInput) (interface{}, error) {
			w, err := b.UpdateWorkflow(ctx, in)
			if err != nil {
				return nil, err
			}
			return api.WorkflowResponse{Workflow: w}, nil
		}),
		api.ProcWorkflowDelete: handle(func(ctx context.Context, in api.IDRequest) (interface{}, error) {
			if err := requireID(in.ID); err != nil {
				return nil, err
			}
			if err := b.DeleteWorkflow(ctx, in.ID); err != nil {
				return nil, err
			}
			return deleted, nil
		}),

		api.ProcFolderList: handle(func(ctx context.Context, in api.FolderListRequest) (interface{}, error) {
			fs, err := b.ListFolders(ctx, in.ParentID)
			if err != nil {
				return nil, err
			}
			return api.FolderListResponse{Folders: fs}, nil
		}),
		api.ProcFolderGet: handle(func(ctx context.Context, in api.IDRequest) (interface{}, error) {
			if err := requireID(in.ID); err != nil {
				return nil, err
			}
			f, err := b.GetFolder(ctx, in.ID)
			if err != nil {
				return nil, err
			}
			return api.FolderResponse{Folder: f}, nil
		}),
		api.ProcFolderCreate: handle(func(ctx context.Context, in api.CreateFolderInput) (interface{}, error) {
			f, err := b.CreateFolder(ctx, in)
			if err != nil {
				return nil, err
			}
			return api.FolderResponse{Folder: f}, nil
		}),
		api.ProcFolderUpdate: handle(func(ctx context.Context, in api.UpdateFolderInput) (interface{}, error) {
			f, err := b.UpdateFolder(ctx, in)
			if err != nil {
				return nil, err
			}
			return api.FolderResponse{Folder: f}, nil
		}),
		api.ProcFolderDelete: handle(func(ctx context.Context, in api.IDRequest) (interface{}, error) {
			if err := requireID(in.ID); err != nil {
				return nil, err
			}
			if err := b.DeleteFolder(ctx, in.ID); err != nil {
				return nil, err
			}
			return deleted, nil
		}),

		api.ProcRunCreate: handle(func(ctx context.Context, in api.CreateRunInput) (interface{}, error) {
			return runResponse(b.CreateRun(ctx, in))
		}),
		api.ProcRunUpdate: handle(func(ctx context.Context, in api.UpdateRunInput) (interface{}, error) {
			return runResponse(b.UpdateRun(ctx, in))
		}),
		api.ProcNodeRunAdd: handle(func(ctx context.Context, in api.AddNodeRunInput) (interface{}, error) {
			return nodeRunResponse(b.AddNodeRun(ctx, in))
		}),
		api.ProcNodeRunUpdate: handle(func(ctx context.Context, in api.UpdateNodeRunInput) (interface{}, error) {
			return nodeRunResponse(b.UpdateNodeRun(ctx, in))
		}),
		api.ProcRunsByWorkflow: handle(func(ctx context.Context, in api.RunsByWorkflowRequest) (interface{}, error) {
			if in.WorkflowID == "" {
				return nil, api.Invalid("workflowId is required")
			}
			runs, err := b.GetRunsByWorkflow(ctx, in.WorkflowID, in.Limit)
			if err != nil {
				return nil, err
			}
			return api.RunListResponse{Runs: runs}, nil
		}),
		api.ProcRunDetails: handle(func(ctx context.Context, in api.RunIDRequest) (interface{}, error) {
			if err := requireID(in.RunID); err != nil {
				return nil, err
			}
			return runResponse(b.GetRunDetails(ctx, in.RunID))
		}),
		api.ProcRunDelete: handle(func(ctx context.Context, in api.RunIDRequest) (interface{}, error) {
			if err := requireID(in.RunID); err != nil {
				return nil, err
			}
			if err := b.DeleteRun(ctx, in.RunID); err != nil {
				return nil, err
			}
			return deleted, nil
		}),
		api.ProcHistoryClear: handle(func(ctx context.Context, in api.WorkflowIDRequest) (interface{}, error) {
			if in.WorkflowID == "" {
				return nil, api.Invalid("workflowId is required")
			}
			if err := b.ClearWorkflowHistory(ctx, in.WorkflowID); err != nil {
				return nil, err
			}
			return deleted, nil
		}),
	}
}

func runResponse(r *run.WorkflowRun, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	return api.RunResponse{Run: r}, nil
}

func nodeRunResponse(nr *run.NodeRun, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	return api.NodeRunResponse{NodeRun: nr}, nil
}
