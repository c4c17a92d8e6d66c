// Package client implements api.Backend against a flowstudio server.
//
// The caller's identity is the bearer token the client was built with; the
// user stored in the context is not sent.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/domain/run"
)

// maxResponseSize bounds a response body
const maxResponseSize = 64 << 20

// RemoteError is an error answered by the server. It unwraps to the api
// sentinel matching its status code, so errors.Is works across the wire.
type RemoteError struct {
	Procedure string
	Status    int
	Code      string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s (%d %s)", e.Procedure, e.Message, e.Status, e.Code)
}

// Unwrap returns the taxonomy sentinel for the status, or nil for
// transient failures
func (e *RemoteError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return api.ErrNotFound
	case http.StatusBadRequest:
		return api.ErrValidation
	case http.StatusUnauthorized:
		return api.ErrAuthRequired
	}
	return nil
}

// Client talks to a server over HTTP
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ api.Backend = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the server at baseURL
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// call posts in to the procedure and decodes the answer into out
func (c *Client) call(ctx context.Context, proc string, in, out interface{}) error {
	if c.token == "" {
		return fmt.Errorf("%s: %w: no token configured", proc, api.ErrAuthRequired)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", proc, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+proc, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", proc, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", proc, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", proc, err)
	}

	if resp.StatusCode != http.StatusOK {
		remote := &RemoteError{Procedure: proc, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			remote.Message, remote.Code = e.Error, e.Code
		}
		return remote
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", proc, err)
	}
	return nil
}

// Ping checks that the server is up. It needs no token.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	return nil
}

// ListWorkflows lists the caller's workflows
func (c *Client) ListWorkflows(ctx context.Context, in api.ListWorkflowsInput) ([]api.WorkflowSummary, error) {
	var out api.WorkflowListResponse
	if err := c.call(ctx, api.ProcWorkflowList, in, &out); err != nil {
		return nil, err
	}
	if out.Workflows == nil {
		out.Workflows = []api.WorkflowSummary{}
	}
	return out.Workflows, nil
}

// GetWorkflow fetches a workflow with its graph
func (c *Client) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	var out api.WorkflowResponse
	if err := c.call(ctx, api.ProcWorkflowGet, api.IDRequest{ID: id}, &out); err != nil {
		return nil, err
	}
	return workflowOrErr(api.ProcWorkflowGet, out.Workflow)
}

// CreateWorkflow creates a workflow
func (c *Client) CreateWorkflow(ctx context.Context, in api.CreateWorkflowInput) (*api.Workflow, error) {
	var out api.WorkflowResponse
	if err := c.call(ctx, api.ProcWorkflowCreate, in, &out); err != nil {
		return nil, err
	}
	return workflowOrErr(api.ProcWorkflowCreate, out.Workflow)
}

// UpdateWorkflow updates a workflow
func (c *Client) UpdateWorkflow(ctx context.Context, in api.UpdateWorkflowInput) (*api.Workflow, error) {
	var out api.WorkflowResponse
	if err := c.call(ctx, api.ProcWorkflowUpdate, in, &out); err != nil {
		return nil, err
	}
	return workflowOrErr(api.ProcWorkflowUpdate, out.Workflow)
}

// DeleteWorkflow deletes a workflow and its runs
func (c *Client) DeleteWorkflow(ctx context.Context, id string) error {
	return c.call(ctx, api.ProcWorkflowDelete, api.IDRequest{ID: id}, nil)
}

// ListFolders lists the folders under parentID, or root folders for nil
func (c *Client) ListFolders(ctx context.Context, parentID *string) ([]api.Folder, error) {
	var out api.FolderListResponse
	if err := c.call(ctx, api.ProcFolderList, api.FolderListRequest{ParentID: parentID}, &out); err != nil {
		return nil, err
	}
	if out.Folders == nil {
		out.Folders = []api.Folder{}
	}
	return out.Folders, nil
}

// GetFolder fetches a folder
func (c *Client) GetFolder(ctx context.Context, id string) (*api.Folder, error) {
	var out api.FolderResponse
	if err := c.call(ctx, api.ProcFolderGet, api.IDRequest{ID: id}, &out); err != nil {
		return nil, err
	}
	return folderOrErr(api.ProcFolderGet, out.Folder)
}

// CreateFolder creates a folder
func (c *Client) CreateFolder(ctx context.Context, in api.CreateFolderInput) (*api.Folder, error) {
	var out api.FolderResponse
	if err := c.call(ctx, api.ProcFolderCreate, in, &out); err != nil {
		return nil, err
	}
	return folderOrErr(api.ProcFolderCreate, out.Folder)
}

// UpdateFolder renames or moves a folder
func (c *Client) UpdateFolder(ctx context.Context, in api.UpdateFolderInput) (*api.Folder, error) {
	var out api.FolderResponse
	if err := c.call(ctx, api.ProcFolderUpdate, in, &out); err != nil {
		return nil, err
	}
	return folderOrErr(api.ProcFolderUpdate, out.Folder)
}

// DeleteFolder deletes a folder
func (c *Client) DeleteFolder(ctx context.Context, id string) error {
	return c.call(ctx, api.ProcFolderDelete, api.IDRequest{ID: id}, nil)
}

// CreateRun creates a running run
func (c *Client) CreateRun(ctx context.Context, in api.CreateRunInput) (*run.WorkflowRun, error) {
	var out api.RunResponse
	if err := c.call(ctx, api.ProcRunCreate, in, &out); err != nil {
		return nil, err
	}
	return runOrErr(api.ProcRunCreate, out.Run)
}

// UpdateRun moves a run into a new status
func (c *Client) UpdateRun(ctx context.Context, in api.UpdateRunInput) (*run.WorkflowRun, error) {
	var out api.RunResponse
	if err := c.call(ctx, api.ProcRunUpdate, in, &out); err != nil {
		return nil, err
	}
	return runOrErr(api.ProcRunUpdate, out.Run)
}

// AddNodeRun appends a node run to a run
func (c *Client) AddNodeRun(ctx context.Context, in api.AddNodeRunInput) (*run.NodeRun, error) {
	var out api.NodeRunResponse
	if err := c.call(ctx, api.ProcNodeRunAdd, in, &out); err != nil {
		return nil, err
	}
	return nodeRunOrErr(api.ProcNodeRunAdd, out.NodeRun)
}

// UpdateNodeRun moves a node run into a new status
func (c *Client) UpdateNodeRun(ctx context.Context, in api.UpdateNodeRunInput) (*run.NodeRun, error) {
	var out api.NodeRunResponse
	if err := c.call(ctx, api.ProcNodeRunUpdate, in, &out); err != nil {
		return nil, err
	}
	return nodeRunOrErr(api.ProcNodeRunUpdate, out.NodeRun)
}

// GetRunsByWorkflow lists a workflow's runs, newest first
func (c *Client) GetRunsByWorkflow(ctx context.Context, workflowID string, limit int) ([]run.WorkflowRun, error) {
	var out api.RunListResponse
	req := api.RunsByWorkflowRequest{WorkflowID: workflowID, Limit: limit}
	if err := c.call(ctx, api.ProcRunsByWorkflow, req, &out); err != nil {
		return nil, err
	}
	if out.Runs == nil {
		out.Runs = []run.WorkflowRun{}
	}
	return out.Runs, nil
}

// GetRunDetails fetches a run with its node runs
func (c *Client) GetRunDetails(ctx context.Context, runID string) (*run.WorkflowRun, error) {
	var out api.RunResponse
	if err := c.call(ctx, api.ProcRunDetails, api.RunIDRequest{RunID: runID}, &out); err != nil {
		return nil, err
	}
	return runOrErr(api.ProcRunDetails, out.Run)
}

// DeleteRun deletes a run
func (c *Client) DeleteRun(ctx context.Context, runID string) error {
	return c.call(ctx, api.ProcRunDelete, api.RunIDRequest{RunID: runID}, nil)
}

// ClearWorkflowHistory deletes every run of a workflow
func (c *Client) ClearWorkflowHistory(ctx context.Context, workflowID string) error {
	return c.call(ctx, api.ProcHistoryClear, api.WorkflowIDRequest{WorkflowID: workflowID}, nil)
}

var errEmptyResponse = errors.New("empty response")

func workflowOrErr(proc string, w *api.Workflow) (*api.Workflow, error) {
	if w == nil {
		return nil, fmt.Errorf("%s: %w", proc, errEmptyResponse)
	}
	return w, nil
}

func folderOrErr(proc string, f *api.Folder) (*api.Folder, error) {
	if f == nil {
		return nil, fmt.Errorf("%s: %w", proc, errEmptyResponse)
	}
	return f, nil
}

func runOrErr(proc string, r *run.WorkflowRun) (*run.WorkflowRun, error) {
	if r == nil {
		return nil, fmt.Errorf("%s: %w", proc, errEmptyResponse)
	}
	return r, nil
}

func nodeRunOrErr(proc string, nr *run.NodeRun) (*run.NodeRun, error) {
	if nr == nil {
		return nil, fmt.Errorf("%s: %w", proc, errEmptyResponse)
	}
	return nr, nil
}
