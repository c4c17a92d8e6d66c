package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowstudio/internal/testutil"
	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/domain/run"
	"github.com/dshills/flowstudio/pkg/runhistory"
	"github.com/dshills/flowstudio/pkg/server"
	"github.com/dshills/flowstudio/pkg/session"
	"github.com/dshills/flowstudio/pkg/workflow"
)

func newClient(t *testing.T, user string) (*Client, *server.Tokens, string) {
	t.Helper()
	tokens, err := server.NewTokens("client-test-secret", time.Hour)
	require.NoError(t, err)
	srv := httptest.NewServer(server.New(testutil.NewStore(t), tokens).Handler())
	t.Cleanup(srv.Close)

	token, err := tokens.Issue(user)
	require.NoError(t, err)
	c, err := New(srv.URL+"/", token, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c, tokens, srv.URL
}

func TestNew_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8080", "ftp://x", "http://[::1"} {
		_, err := New(u, "t")
		assert.Error(t, err, u)
	}
}

func TestClient_Workflows(t *testing.T) {
	c, _, _ := newClient(t, "alice")
	ctx := context.Background()

	g := workflow.NewGraph(
		[]workflow.Node{
			{ID: "t", Data: &workflow.TextData{Text: "hi"}},
			{ID: "l", Data: &workflow.LLMData{Model: "m"}},
		},
		[]workflow.Edge{{ID: "e", Source: "t", Target: "l", TargetHandle: workflow.HandleUserMessage}},
	)
	created, err := c.CreateWorkflow(ctx, api.CreateWorkflowInput{Name: "remote", Nodes: g.Nodes(), Edges: g.Edges()})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := c.GetWorkflow(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "remote", got.Name)
	require.Equal(t, 2, got.Graph().NodeCount())
	n, ok := got.Graph().Node("l")
	require.True(t, ok)
	assert.Equal(t, "m", n.Data.(*workflow.LLMData).Model)

	name := "renamed"
	updated, err := c.UpdateWorkflow(ctx, api.UpdateWorkflowInput{ID: created.ID, Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Len(t, updated.Nodes, 2, "nil nodes leave the graph alone")

	list, err := c.ListWorkflows(ctx, api.ListWorkflowsInput{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, c.DeleteWorkflow(ctx, created.ID))
	_, err = c.GetWorkflow(ctx, created.ID)
	assert.True(t, errors.Is(err, api.ErrNotFound))

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusNotFound, remote.Status)
	assert.Equal(t, api.CodeNotFound, remote.Code)
}

func TestClient_Folders(t *testing.T) {
	c, _, _ := newClient(t, "alice")
	ctx := context.Background()

	parent, err := c.CreateFolder(ctx, api.CreateFolderInput{Name: "parent"})
	require.NoError(t, err)
	child, err := c.CreateFolder(ctx, api.CreateFolderInput{Name: "child", ParentID: &parent.ID})
	require.NoError(t, err)

	roots, err := c.ListFolders(ctx, nil)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, parent.ID, roots[0].ID)

	children, err := c.ListFolders(ctx, &parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	_, err = c.UpdateFolder(ctx, api.UpdateFolderInput{ID: child.ID, SetParent: true, ParentID: &child.ID})
	assert.True(t, errors.Is(err, api.ErrValidation))

	require.NoError(t, c.DeleteFolder(ctx, parent.ID))
	moved, err := c.GetFolder(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, moved.ParentID, "children move to the root")
}

func TestClient_ErrorsCrossTheWire(t *testing.T) {
	c, _, url := newClient(t, "alice")
	ctx := context.Background()

	_, err := c.CreateFolder(ctx, api.CreateFolderInput{Name: ""})
	assert.True(t, errors.Is(err, api.ErrValidation))
	assert.False(t, api.IsTransient(err))

	anonymous, err := New(url, "")
	require.NoError(t, err)
	_, err = anonymous.ListWorkflows(ctx, api.ListWorkflowsInput{})
	assert.True(t, errors.Is(err, api.ErrAuthRequired))

	forged, err := New(url, "forged.token.value")
	require.NoError(t, err)
	_, err = forged.ListWorkflows(ctx, api.ListWorkflowsInput{})
	assert.True(t, errors.Is(err, api.ErrAuthRequired))

	assert.NoError(t, anonymous.Ping(ctx))
}

func TestClient_TransientOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "token")
	require.NoError(t, err)
	_, err = c.GetWorkflow(context.Background(), "w")
	require.Error(t, err)
	assert.True(t, api.IsTransient(err))
	assert.Error(t, c.Ping(context.Background()))
}

// The session and tracker work unchanged against the HTTP backend
func TestClient_DrivesSessionAndTracker(t *testing.T) {
	c, _, _ := newClient(t, "alice")
	ctx := context.Background()

	s := session.New(c)
	id, ok := s.CreateAndSave(ctx, "over http", workflow.NewGraph([]workflow.Node{
		{ID: "img", Data: &workflow.ImageData{Images: []workflow.ImageItem{{ID: "i", ImageBase64: "AAAA", ImageURL: "http://x/a.png"}}}},
	}, nil), nil)
	require.True(t, ok)

	stored, err := c.GetWorkflow(ctx, id)
	require.NoError(t, err)
	img := stored.Nodes[0].Data.(*workflow.ImageData)
	assert.Empty(t, img.Images[0].ImageBase64, "inline payloads never reach the server")
	assert.Equal(t, "http://x/a.png", img.Images[0].ImageURL)

	tr := runhistory.New(c)
	ref := tr.StartRun(ctx, id, run.ScopeFull, []string{"img"})
	require.True(t, ref.IsRemote())
	nodeRef, err := tr.AddNodeRun(ctx, ref, "img", "Image", "image", nil)
	require.NoError(t, err)
	require.NoError(t, tr.CompleteNodeRun(ctx, nodeRef, run.NodeStatusCompleted, nil, ""))
	require.NoError(t, tr.CompleteRun(ctx, ref, run.StatusCompleted))

	fresh := runhistory.New(c)
	require.NoError(t, fresh.LoadHistory(ctx, id))
	runs := fresh.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, run.StatusCompleted, runs[0].Status)
	require.Len(t, runs[0].NodeRuns, 1)
	assert.Equal(t, nodeRef, runs[0].NodeRuns[0].Ref)

	require.NoError(t, fresh.ClearHistory(ctx, id))
	left, err := c.GetRunsByWorkflow(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, left)
}
