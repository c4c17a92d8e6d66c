package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowstudio/internal/testutil"
	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/dataflow"
	"github.com/dshills/flowstudio/pkg/domain/run"
	"github.com/dshills/flowstudio/pkg/runhistory"
	"github.com/dshills/flowstudio/pkg/session"
	"github.com/dshills/flowstudio/pkg/workflow"
)

var errOverloaded = errors.New("model overloaded")

// echoInference answers "echo: <user message>". Models listed in broken
// fail permanently; flaky fails transiently that many times first.
type echoInference struct {
	calls  []dataflow.ConnectedInputs
	broken map[string]bool
	flaky  int
	onCall func()
}

func (f *echoInference) Generate(_ context.Context, model string, in dataflow.ConnectedInputs) (string, error) {
	f.calls = append(f.calls, in)
	if f.onCall != nil {
		f.onCall()
	}
	if f.broken[model] {
		return "", fmt.Errorf("%w: model %s rejected the prompt", api.ErrValidation, model)
	}
	if f.flaky > 0 {
		f.flaky--
		return "", errOverloaded
	}
	msg := ""
	if in.UserMessage != nil {
		msg = *in.UserMessage
	}
	return "echo: " + msg, nil
}

type fakeImages struct {
	crops  []CropRequest
	frames []FrameRequest
}

func (f *fakeImages) CropImage(_ context.Context, req CropRequest) (string, error) {
	f.crops = append(f.crops, req)
	return fmt.Sprintf("http://img/crop-%d.png", len(f.crops)), nil
}

func (f *fakeImages) ExtractFrame(_ context.Context, req FrameRequest) (string, error) {
	f.frames = append(f.frames, req)
	return fmt.Sprintf("http://img/frame-%d.png", len(f.frames)), nil
}

// chainGraph: prompt -> llm1 -> between -> llm2 -> result
func chainGraph(model2 string) workflow.Graph {
	return workflow.NewGraph(
		[]workflow.Node{
			{ID: "prompt", Data: &workflow.TextData{Text: "hello"}},
			{ID: "llm1", Data: &workflow.LLMData{Label: "First"}},
			{ID: "between", Data: &workflow.TextData{}},
			{ID: "llm2", Data: &workflow.LLMData{Label: "Second", Model: model2}},
			{ID: "result", Data: &workflow.TextData{}},
		},
		[]workflow.Edge{
			{ID: "e1", Source: "prompt", Target: "llm1", TargetHandle: workflow.HandleUserMessage},
			{ID: "e2", Source: "llm1", Target: "between", SourceHandle: workflow.HandleOutput},
			{ID: "e3", Source: "between", Target: "llm2", TargetHandle: workflow.HandleUserMessage},
			{ID: "e4", Source: "llm2", Target: "result", SourceHandle: workflow.HandleOutput},
		},
	)
}

type fixture struct {
	session *session.Session
	tracker *runhistory.Tracker
	backend *testutil.Backend
}

func setup(t *testing.T, g workflow.Graph) fixture {
	t.Helper()
	backend := testutil.NewBackend(t)
	ctx := testutil.Context()

	w, err := backend.CreateWorkflow(ctx, api.CreateWorkflowInput{Name: "flow", Nodes: g.Nodes(), Edges: g.Edges()})
	require.NoError(t, err)

	s := session.New(backend)
	require.NoError(t, s.Load(ctx, w.ID))
	return fixture{session: s, tracker: runhistory.New(backend), backend: backend}
}

func (f fixture) runner(inference Inference, images ImageTasks) *Runner {
	return NewRunner(f.session, f.tracker, inference, images, WithRetryPolicy(RetryPolicy{}))
}

func textOf(t *testing.T, s *session.Session, id workflow.NodeID) string {
	t.Helper()
	n, ok := s.Graph().Node(id)
	require.True(t, ok)
	return n.Data.(*workflow.TextData).Text
}

func TestRun_FullPropagatesInOrder(t *testing.T) {
	f := setup(t, chainGraph(""))
	inference := &echoInference{}
	ctx := testutil.Context()

	res, err := f.runner(inference, nil).Run(ctx, run.ScopeFull, nil)
	require.NoError(t, err)

	assert.Equal(t, run.StatusCompleted, res.Status)
	assert.Equal(t, []workflow.NodeID{"llm1", "llm2"}, res.Executed)
	assert.ElementsMatch(t, []workflow.NodeID{"prompt", "between", "result"}, res.Skipped)
	assert.Empty(t, res.Failed)

	require.Len(t, inference.calls, 2)
	assert.Equal(t, "echo: hello", *inference.calls[1].UserMessage, "second node sees the first node's output")
	assert.Equal(t, "echo: hello", textOf(t, f.session, "between"))
	assert.Equal(t, "echo: echo: hello", textOf(t, f.session, "result"))

	llm, _ := f.session.Graph().Node("llm2")
	assert.Equal(t, "echo: echo: hello", llm.Data.(*workflow.LLMData).Output)
	assert.True(t, f.session.IsDirty(), "results are unsaved edits")
	assert.False(t, f.session.CanUndo(), "results are not undo steps")

	stored, err := f.backend.GetRunDetails(ctx, res.Run.ID())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.NodeCount)
	require.Len(t, stored.NodeRuns, 2)
	assert.Equal(t, "llm1", stored.NodeRuns[0].NodeID)
	assert.Equal(t, "First", stored.NodeRuns[0].NodeName)
	assert.Equal(t, "hello", stored.NodeRuns[0].InputData["userMessage"])
	assert.Equal(t, workflow.DefaultModel, stored.NodeRuns[0].InputData["model"])
	assert.Equal(t, "echo: hello", stored.NodeRuns[0].OutputData["text"])

	_, current := f.tracker.CurrentRun()
	assert.False(t, current)
}

func TestRun_OutcomeStatus(t *testing.T) {
	tests := []struct {
		name   string
		broken map[string]bool
		graph  workflow.Graph
		want   run.Status
	}{
		{"partial", map[string]bool{"bad": true}, chainGraph("bad"), run.StatusPartial},
		{"failed", map[string]bool{workflow.DefaultModel: true, "bad": true}, chainGraph("bad"), run.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.graph)
			ctx := testutil.Context()

			res, err := f.runner(&echoInference{broken: tt.broken}, nil).Run(ctx, run.ScopeFull, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			require.Contains(t, res.Failed, workflow.NodeID("llm2"))
			assert.True(t, errors.Is(res.Failed["llm2"], api.ErrValidation))

			llm, _ := f.session.Graph().Node("llm2")
			assert.Contains(t, llm.Data.(*workflow.LLMData).Error, "rejected")

			stored, err := f.backend.GetRunDetails(ctx, res.Run.ID())
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Status)
			last := stored.NodeRuns[len(stored.NodeRuns)-1]
			assert.Equal(t, run.NodeStatusFailed, last.Status)
			assert.Contains(t, last.Error, "rejected")
		})
	}
}

func TestRun_ImageTasks(t *testing.T) {
	g := workflow.NewGraph(
		[]workflow.Node{
			{ID: "img", Data: &workflow.ImageData{Images: []workflow.ImageItem{{ID: "i", ImageURL: "http://src/a.png"}}}},
			{ID: "crop", Data: &workflow.CropImageData{XPercent: 10, YPercent: 20, WidthPercent: 50, HeightPercent: 40}},
			{ID: "frame", Data: &workflow.ExtractFrameData{VideoURL: "http://src/v.mp4", Timestamp: "50%"}},
			{ID: "llm", Data: &workflow.LLMData{}},
		},
		[]workflow.Edge{
			{ID: "e1", Source: "img", Target: "crop", TargetHandle: workflow.HandleImages},
			{ID: "e2", Source: "crop", Target: "llm", TargetHandle: workflow.HandleImages},
			{ID: "e3", Source: "frame", Target: "llm", TargetHandle: workflow.HandleImages},
		},
	)
	f := setup(t, g)
	images := &fakeImages{}
	inference := &echoInference{}

	res, err := f.runner(inference, images).Run(testutil.Context(), run.ScopeFull, nil)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, res.Status)

	require.Len(t, images.crops, 1)
	assert.Equal(t, CropRequest{Image: "http://src/a.png", XPercent: 10, YPercent: 20, WidthPercent: 50, HeightPercent: 40}, images.crops[0])
	require.Len(t, images.frames, 1)
	assert.Equal(t, Timestamp{Value: 50, Percent: true}, images.frames[0].At)

	crop, _ := f.session.Graph().Node("crop")
	assert.Equal(t, "http://img/crop-1.png", crop.Data.(*workflow.CropImageData).OutputImageURL)
	frame, _ := f.session.Graph().Node("frame")
	assert.Equal(t, "http://img/frame-1.png", frame.Data.(*workflow.ExtractFrameData).OutputFrameURL)

	require.Len(t, inference.calls, 1)
	assert.ElementsMatch(t, []string{"http://img/crop-1.png", "http://img/frame-1.png"}, inference.calls[0].ImageURLs)
}

func TestRun_NodeInputErrors(t *testing.T) {
	g := workflow.NewGraph(
		[]workflow.Node{
			{ID: "crop", Data: &workflow.CropImageData{WidthPercent: 10, HeightPercent: 10}},
			{ID: "frame", Data: &workflow.ExtractFrameData{VideoURL: "http://v", Timestamp: "soon"}},
			{ID: "llm", Data: &workflow.LLMData{}},
		},
		nil,
	)
	f := setup(t, g)

	res, err := f.runner(&echoInference{}, &fakeImages{}).Run(testutil.Context(), run.ScopeFull, nil)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, res.Status)
	assert.True(t, errors.Is(res.Failed["crop"], ErrMissingInput))
	assert.True(t, errors.Is(res.Failed["frame"], ErrInvalidTimestamp))
	assert.True(t, errors.Is(res.Failed["llm"], ErrMissingInput))
}

func TestRun_Selection(t *testing.T) {
	f := setup(t, chainGraph(""))
	ctx := testutil.Context()
	inference := &echoInference{}
	r := f.runner(inference, nil)

	res, err := r.Run(ctx, run.ScopeSingle, []workflow.NodeID{"llm2"})
	require.NoError(t, err)
	assert.Equal(t, []workflow.NodeID{"llm2"}, res.Executed)
	require.Len(t, inference.calls, 1)
	assert.Equal(t, "", *inference.calls[0].UserMessage, "between is still empty")

	res, err = r.Run(ctx, run.ScopeSelected, []workflow.NodeID{"llm2", "llm1", "prompt"})
	require.NoError(t, err)
	assert.Equal(t, []workflow.NodeID{"llm1", "llm2"}, res.Executed, "dependency order, not selection order")
	assert.Equal(t, []workflow.NodeID{"prompt"}, res.Skipped)

	runs := f.tracker.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, run.ScopeSelected, runs[0].Scope)
	assert.Equal(t, run.ScopeSingle, runs[1].Scope)
}

func TestRun_RejectedBeforeStarting(t *testing.T) {
	f := setup(t, chainGraph(""))
	ctx := testutil.Context()
	r := f.runner(&echoInference{}, nil)

	tests := []struct {
		name  string
		scope run.Scope
		ids   []workflow.NodeID
		want  error
	}{
		{"unknown node", run.ScopeSelected, []workflow.NodeID{"ghost"}, ErrUnknownNode},
		{"data only", run.ScopeSelected, []workflow.NodeID{"prompt", "result"}, ErrNothingToRun},
		{"empty selection", run.ScopeSelected, nil, ErrNothingToRun},
		{"single with two", run.ScopeSingle, []workflow.NodeID{"llm1", "llm2"}, nil},
		{"bad scope", run.Scope("some"), nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Run(ctx, tt.scope, tt.ids)
			require.Error(t, err)
			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want), err.Error())
			}
		})
	}
	assert.Empty(t, f.tracker.Runs())
	assert.Equal(t, 0, f.backend.Calls(api.ProcRunCreate))

	_, err := NewRunner(session.New(f.backend), f.tracker, nil, nil).Run(ctx, run.ScopeFull, nil)
	assert.True(t, errors.Is(err, ErrNoWorkflow))
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	f := setup(t, chainGraph(""))
	policy := RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	inference := &echoInference{flaky: 2}
	r := NewRunner(f.session, f.tracker, inference, nil, WithRetryPolicy(policy))
	res, err := r.Run(testutil.Context(), run.ScopeSingle, []workflow.NodeID{"llm1"})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, res.Status)
	assert.Len(t, inference.calls, 3)

	inference = &echoInference{flaky: 10}
	r = NewRunner(f.session, f.tracker, inference, nil, WithRetryPolicy(policy))
	res, err = r.Run(testutil.Context(), run.ScopeSingle, []workflow.NodeID{"llm1"})
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, res.Status)
	var exhausted *RetryExhaustedError
	require.True(t, errors.As(res.Failed["llm1"], &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.True(t, errors.Is(res.Failed["llm1"], errOverloaded))
}

func TestRun_CancelStopsBeforeNextNode(t *testing.T) {
	f := setup(t, chainGraph(""))
	ctx, cancel := context.WithCancel(testutil.Context())
	defer cancel()

	inference := &echoInference{onCall: cancel}
	res, err := f.runner(inference, nil).Run(ctx, run.ScopeFull, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []workflow.NodeID{"llm1"}, res.Executed)
	assert.Equal(t, run.StatusPartial, res.Status)

	local := f.tracker.Runs()[0]
	assert.Equal(t, run.StatusPartial, local.Status)
	assert.Len(t, inference.calls, 1)
}

func TestRun_HistoryClearedMidRun(t *testing.T) {
	f := setup(t, chainGraph(""))
	ctx := testutil.Context()

	inference := &echoInference{}
	inference.onCall = func() {
		inference.onCall = nil
		require.NoError(t, f.tracker.ClearHistory(ctx, f.session.ID()))
	}

	res, err := f.runner(inference, nil).Run(ctx, run.ScopeFull, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, runhistory.ErrUnknownRun))
	require.NotNil(t, res)
	assert.Empty(t, res.Executed)
	assert.Equal(t, run.StatusFailed, res.Status)
	assert.Len(t, inference.calls, 1, "later nodes are not executed")

	assert.Empty(t, f.tracker.Runs())
	_, ok := f.tracker.CurrentRun()
	assert.False(t, ok)

	stored, err := f.backend.GetRunsByWorkflow(ctx, f.session.ID(), 10)
	require.NoError(t, err)
	assert.Empty(t, stored, "no run is left running in the store")
}

func TestExecutable(t *testing.T) {
	assert.True(t, Executable(workflow.KindLLM))
	assert.True(t, Executable(workflow.KindCropImage))
	assert.True(t, Executable(workflow.KindExtractFrame))
	assert.False(t, Executable(workflow.KindText))
	assert.False(t, Executable(workflow.KindImage))
	assert.False(t, Executable("annotation"))
}
