// Package engine executes the nodes of the session's workflow in dependency
// order. Each executable node gets its inputs from the resolver, calls an
// external collaborator, and stores its result back into the graph, while
// the run and its node runs are recorded through the run history tracker.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/flowstudio/pkg/dataflow"
	"github.com/dshills/flowstudio/pkg/domain/run"
	operr "github.com/dshills/flowstudio/pkg/errors"
	"github.com/dshills/flowstudio/pkg/logging"
	"github.com/dshills/flowstudio/pkg/runhistory"
	"github.com/dshills/flowstudio/pkg/session"
	"github.com/dshills/flowstudio/pkg/workflow"
)

var (
	// ErrNoWorkflow is returned when the session has no persisted workflow
	ErrNoWorkflow = errors.New("no workflow loaded")
	// ErrNothingToRun is returned when the selection holds no executable node
	ErrNothingToRun = errors.New("no executable nodes selected")
	// ErrUnknownNode is returned for selected ids that are not in the graph
	ErrUnknownNode = errors.New("unknown node")
	// ErrMissingInput is returned when a node lacks the inputs it needs
	ErrMissingInput = errors.New("missing input")
	// ErrInvalidTimestamp is returned for unparsable frame timestamps
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// Inference generates text from a model
type Inference interface {
	Generate(ctx context.Context, model string, in dataflow.ConnectedInputs) (string, error)
}

// CropRequest asks for a region of an image, in percentages of its size.
// Image is either a URL or an inline base64 payload.
type CropRequest struct {
	Image         string
	XPercent      float64
	YPercent      float64
	WidthPercent  float64
	HeightPercent float64
}

// FrameRequest asks for one frame of a video
type FrameRequest struct {
	VideoURL string
	At       Timestamp
}

// ImageTasks runs image jobs and returns the URL of the produced image
type ImageTasks interface {
	CropImage(ctx context.Context, req CropRequest) (string, error)
	ExtractFrame(ctx context.Context, req FrameRequest) (string, error)
}

// Executable reports whether the engine runs nodes of kind k. Other kinds
// only hold data.
func Executable(k workflow.Kind) bool {
	switch k {
	case workflow.KindLLM, workflow.KindCropImage, workflow.KindExtractFrame:
		return true
	}
	return false
}

// Result summarizes a run
type Result struct {
	Run      run.Ref
	Status   run.Status
	Executed []workflow.NodeID
	Skipped  []workflow.NodeID
	Failed   map[workflow.NodeID]error
}

// Runner executes workflow runs against a session
type Runner struct {
	session   *session.Session
	tracker   *runhistory.Tracker
	inference Inference
	images    ImageTasks
	logger    hclog.Logger
	retry     RetryPolicy
}

// Option configures a Runner
type Option func(*Runner)

// WithLogger sets the runner's logger
func WithLogger(l hclog.Logger) Option {
	return func(r *Runner) { r.logger = logging.OrNull(l) }
}

// WithRetryPolicy sets how failed collaborator calls are retried
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Runner) { r.retry = p }
}

// NewRunner creates a runner. Collaborators may be nil when the workflow
// never uses the node kinds that need them; such nodes then fail.
func NewRunner(s *session.Session, t *runhistory.Tracker, inference Inference, images ImageTasks, opts ...Option) *Runner {
	r := &Runner{
		session:   s,
		tracker:   t,
		inference: inference,
		images:    images,
		logger:    hclog.NewNullLogger(),
		retry:     DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the nodes chosen by scope: every node for run.ScopeFull, the
// given ids for run.ScopeSelected, and exactly one id for run.ScopeSingle.
// A node failure does not stop the run; the run ends completed, partial or
// failed depending on how many nodes failed. Cancelling ctx stops before the
// next node and the returned error is ctx.Err(). When the run history is
// cleared mid-run the remaining nodes are not executed and the error wraps
// runhistory.ErrUnknownRun.
func (r *Runner) Run(ctx context.Context, scope run.Scope, nodeIDs []workflow.NodeID) (*Result, error) {
	workflowID := r.session.ID()
	if workflowID == "" {
		return nil, ErrNoWorkflow
	}

	order, skipped, err := r.plan(scope, nodeIDs)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(order))
	for i, id := range order {
		ids[i] = string(id)
	}
	ref := r.tracker.StartRun(ctx, workflowID, scope, ids)
	r.logger.Info("run started", "workflow_id", workflowID, "run_id", ref.ID(), "scope", scope, "nodes", len(order))

	res := &Result{
		Run:     ref,
		Skipped: skipped,
		Failed:  make(map[workflow.NodeID]error),
	}

	var runErr error
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		node, ok := r.session.Graph().Node(id)
		if !ok {
			// removed while the run was in progress
			res.Skipped = append(res.Skipped, id)
			continue
		}
		if err := r.runNode(ctx, workflowID, ref, node); err != nil {
			if errors.Is(err, runhistory.ErrUnknownRun) {
				// history was cleared under the run; nothing more can be recorded
				r.logger.Warn("run dropped from history", "workflow_id", workflowID, "run_id", ref.ID())
				runErr = err
				break
			}
			res.Failed[id] = err
		}
		res.Executed = append(res.Executed, id)
	}

	failed := len(res.Failed)
	succeeded := len(res.Executed) - failed
	res.Status = run.OutcomeStatus(succeeded, failed)
	if runErr != nil && res.Status == run.StatusCompleted {
		res.Status = run.StatusPartial
		if succeeded == 0 {
			res.Status = run.StatusFailed
		}
	}

	// The run is recorded even when ctx was cancelled
	if err := r.tracker.CompleteRun(context.WithoutCancel(ctx), ref, res.Status); err != nil {
		if runErr == nil {
			runErr = err
		}
		return res, runErr
	}
	r.logger.Info("run finished", "workflow_id", workflowID, "run_id", ref.ID(), "status", res.Status,
		"succeeded", succeeded, "failed", failed)
	return res, runErr
}

// plan returns the executable nodes of the selection in dependency order
// and the selected nodes that hold data only
func (r *Runner) plan(scope run.Scope, nodeIDs []workflow.NodeID) (order, skipped []workflow.NodeID, err error) {
	g := r.session.Graph()

	var selected map[workflow.NodeID]bool
	switch scope {
	case run.ScopeFull:
	case run.ScopeSelected, run.ScopeSingle:
		if len(nodeIDs) == 0 {
			return nil, nil, fmt.Errorf("%w: scope %s needs node ids", ErrNothingToRun, scope)
		}
		if scope == run.ScopeSingle && len(nodeIDs) != 1 {
			return nil, nil, fmt.Errorf("scope single takes one node, got %d", len(nodeIDs))
		}
		selected = make(map[workflow.NodeID]bool, len(nodeIDs))
		for _, id := range nodeIDs {
			if !g.HasNode(id) {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
			}
			selected[id] = true
		}
	default:
		return nil, nil, fmt.Errorf("invalid run scope %q", scope)
	}

	sorted, err := workflow.TopologicalSort(g)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot order workflow: %w", err)
	}

	for _, id := range sorted {
		if selected != nil && !selected[id] {
			continue
		}
		node, _ := g.Node(id)
		if Executable(node.Kind()) {
			order = append(order, id)
		} else {
			skipped = append(skipped, id)
		}
	}
	if len(order) == 0 {
		return nil, nil, ErrNothingToRun
	}
	return order, skipped, nil
}

// runNode executes one node and records it as a node run of runRef
func (r *Runner) runNode(ctx context.Context, workflowID string, runRef run.Ref, node workflow.Node) error {
	inputs := r.session.ResolveInputs(node.ID)

	nodeRef, err := r.tracker.AddNodeRun(ctx, runRef, string(node.ID), node.Name(), string(node.Kind()), inputData(node, inputs))
	if err != nil {
		return err
	}

	output, execErr := r.execute(ctx, node, inputs)

	status, errText := run.NodeStatusCompleted, ""
	if execErr != nil {
		status, errText = run.NodeStatusFailed, execErr.Error()
		failure := operr.New("run node", workflowID, execErr).WithRun(runRef.ID(), string(node.ID))
		r.logger.Warn("node failed", failure.LogArgs()...)
		output = nil
	}

	if err := r.tracker.CompleteNodeRun(context.WithoutCancel(ctx), nodeRef, status, output, errText); err != nil {
		return err
	}
	return execErr
}

func (r *Runner) execute(ctx context.Context, node workflow.Node, in dataflow.ConnectedInputs) (map[string]interface{}, error) {
	switch d := node.Data.(type) {
	case *workflow.LLMData:
		return r.executeLLM(ctx, node.ID, d, in)
	case *workflow.CropImageData:
		return r.executeCrop(ctx, node.ID, d, in)
	case *workflow.ExtractFrameData:
		return r.executeFrame(ctx, node.ID, d)
	default:
		return nil, fmt.Errorf("node kind %q is not executable", node.Kind())
	}
}

func (r *Runner) executeLLM(ctx context.Context, id workflow.NodeID, d *workflow.LLMData, in dataflow.ConnectedInputs) (map[string]interface{}, error) {
	model := d.Model
	if model == "" {
		model = workflow.DefaultModel
	}

	var text string
	err := func() error {
		if r.inference == nil {
			return errors.New("no inference backend configured")
		}
		if in.SystemPrompt == nil && in.UserMessage == nil && len(in.Images) == 0 && len(in.ImageURLs) == 0 {
			return fmt.Errorf("%w: llm node has no connected inputs", ErrMissingInput)
		}
		return r.retry.retry(ctx, func() error {
			var err error
			text, err = r.inference.Generate(ctx, model, in)
			return err
		})
	}()

	if err != nil {
		r.store(id, func(n workflow.Node) workflow.Node {
			if ld, ok := n.Data.(*workflow.LLMData); ok {
				ld.Error = err.Error()
			}
			return n
		})
		return nil, err
	}

	r.store(id, func(n workflow.Node) workflow.Node {
		if ld, ok := n.Data.(*workflow.LLMData); ok {
			ld.Output = text
			ld.Error = ""
		}
		return n
	})
	r.session.PropagateOutput(id, text)
	return map[string]interface{}{"text": text, "model": model}, nil
}

func (r *Runner) executeCrop(ctx context.Context, id workflow.NodeID, d *workflow.CropImageData, in dataflow.ConnectedInputs) (map[string]interface{}, error) {
	if r.images == nil {
		return nil, errors.New("no image task backend configured")
	}

	var image string
	switch {
	case len(in.ImageURLs) > 0:
		image = in.ImageURLs[0]
	case len(in.Images) > 0:
		image = in.Images[0]
	default:
		return nil, fmt.Errorf("%w: crop node has no input image", ErrMissingInput)
	}

	req := CropRequest{
		Image:         image,
		XPercent:      d.XPercent,
		YPercent:      d.YPercent,
		WidthPercent:  d.WidthPercent,
		HeightPercent: d.HeightPercent,
	}
	var url string
	err := r.retry.retry(ctx, func() error {
		var err error
		url, err = r.images.CropImage(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.store(id, func(n workflow.Node) workflow.Node {
		if cd, ok := n.Data.(*workflow.CropImageData); ok {
			cd.OutputImageURL = url
		}
		return n
	})
	return map[string]interface{}{"outputImageUrl": url}, nil
}

func (r *Runner) executeFrame(ctx context.Context, id workflow.NodeID, d *workflow.ExtractFrameData) (map[string]interface{}, error) {
	if r.images == nil {
		return nil, errors.New("no image task backend configured")
	}
	if d.VideoURL == "" {
		return nil, fmt.Errorf("%w: frame node has no video url", ErrMissingInput)
	}
	at, err := ParseTimestamp(d.Timestamp)
	if err != nil {
		return nil, err
	}

	req := FrameRequest{VideoURL: d.VideoURL, At: at}
	var url string
	err = r.retry.retry(ctx, func() error {
		var err error
		url, err = r.images.ExtractFrame(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.store(id, func(n workflow.Node) workflow.Node {
		if fd, ok := n.Data.(*workflow.ExtractFrameData); ok {
			fd.OutputFrameURL = url
		}
		return n
	})
	return map[string]interface{}{"outputFrameUrl": url, "timestamp": at.String()}, nil
}

// store writes a node result into the session. A node deleted mid-run is
// not an error for the run.
func (r *Runner) store(id workflow.NodeID, fn func(workflow.Node) workflow.Node) {
	if err := r.session.UpdateNode(id, fn); err != nil {
		r.logger.Debug("node result dropped", "node_id", id, "error", err)
	}
}

// inputData is what a node run records as its input. Inline images are
// counted rather than stored.
func inputData(node workflow.Node, in dataflow.ConnectedInputs) map[string]interface{} {
	data := map[string]interface{}{}
	if in.SystemPrompt != nil {
		data["systemPrompt"] = *in.SystemPrompt
	}
	if in.UserMessage != nil {
		data["userMessage"] = *in.UserMessage
	}
	if len(in.Images) > 0 {
		data["imageCount"] = len(in.Images)
	}
	if len(in.ImageURLs) > 0 {
		urls := make([]interface{}, len(in.ImageURLs))
		for i, u := range in.ImageURLs {
			urls[i] = u
		}
		data["imageUrls"] = urls
	}

	switch d := node.Data.(type) {
	case *workflow.LLMData:
		data["model"] = d.Model
		if d.Model == "" {
			data["model"] = workflow.DefaultModel
		}
	case *workflow.CropImageData:
		data["crop"] = map[string]interface{}{
			"x":      d.XPercent,
			"y":      d.YPercent,
			"width":  d.WidthPercent,
			"height": d.HeightPercent,
		}
	case *workflow.ExtractFrameData:
		data["videoUrl"] = d.VideoURL
		data["timestamp"] = d.Timestamp
	}
	return data
}
