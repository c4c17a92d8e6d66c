package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowstudio/internal/testutil"
	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/domain/run"
	"github.com/dshills/flowstudio/pkg/server"
	"github.com/dshills/flowstudio/pkg/storage"
	"github.com/dshills/flowstudio/pkg/workflow"
)

const testSecret = "cli-test-secret-0123456789abcdef"

type memTokens struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemTokens() *memTokens {
	return &memTokens{tokens: make(map[string]string)}
}

func (m *memTokens) SetToken(server, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[server] = token
	return nil
}

func (m *memTokens) Token(server string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[server]
	if !ok {
		return "", storage.ErrNoToken
	}
	return token, nil
}

func (m *memTokens) DeleteToken(server string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, server)
	return nil
}

// harness runs commands against a private config directory
type harness struct {
	t       *testing.T
	dir     string
	tokens  *memTokens
	backend api.Backend
	stdin   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FLOWSTUDIO_CONFIG_DIR", dir)
	t.Setenv("FLOWSTUDIO_LOG_LEVEL", "error")
	return &harness{t: t, dir: dir, tokens: newMemTokens()}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	a := &app{tokens: h.tokens, backend: h.backend}
	cmd := newRootCommand(a)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(h.stdin))
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	_ = a.close()
	return out.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, "flowstudio %s", strings.Join(args, " "))
	return out
}

// createdID extracts the id from a "✓ Created ... <id>" line
func createdID(t *testing.T, out string) string {
	t.Helper()
	fields := strings.Fields(out)
	require.NotEmpty(t, fields)
	return fields[len(fields)-1]
}

func writeDocument(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const sampleDocument = `{
  "name": "Captioner",
  "version": "1.0",
  "nodes": [
    {"id": "sys", "type": "text", "position": {"x": 0, "y": 0}, "data": {"text": "describe the image"}},
    {"id": "llm", "type": "llm", "position": {"x": 200, "y": 0}, "data": {"model": "gemini-2.5-flash"}}
  ],
  "edges": [
    {"id": "e1", "source": "sys", "target": "llm", "sourceHandle": "output", "targetHandle": "system_prompt"}
  ]
}`

func TestWorkflowCommands(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("workflow", "list")
	assert.Contains(t, out, "No workflows found.")

	id := createdID(t, h.mustRun("workflow", "create", "First flow"))
	assert.NotEmpty(t, id)

	out = h.mustRun("workflow", "list")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "First flow")

	h.mustRun("workflow", "rename", id, "Renamed flow")
	out = h.mustRun("workflow", "show", id)
	assert.Contains(t, out, "Workflow: Renamed flow")
	assert.Contains(t, out, "Nodes:    0")

	_, err := h.run("workflow", "rename", id, "   ")
	assert.ErrorIs(t, err, api.ErrValidation)

	h.mustRun("wf", "delete", id)
	_, err = h.run("workflow", "show", id)
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestFolderCommands(t *testing.T) {
	h := newHarness(t)

	folderID := createdID(t, h.mustRun("folder", "create", "Drafts"))
	out := h.mustRun("folder", "list")
	assert.Contains(t, out, "Drafts")

	wfID := createdID(t, h.mustRun("workflow", "create", "Filed", "--folder", folderID))

	out = h.mustRun("workflow", "list", "--folder", folderID)
	assert.Contains(t, out, wfID)
	out = h.mustRun("workflow", "list", "--root")
	assert.Contains(t, out, "No workflows found.")

	h.mustRun("folder", "rename", folderID, "Archive")
	assert.Contains(t, h.mustRun("folder", "list"), "Archive")

	h.mustRun("folder", "delete", folderID)
	out = h.mustRun("workflow", "list", "--root")
	assert.Contains(t, out, wfID, "workflows of a deleted folder move to the root")
	assert.Contains(t, h.mustRun("folder", "list"), "No folders found.")
}

func TestExportImport(t *testing.T) {
	h := newHarness(t)
	files := t.TempDir()

	path := writeDocument(t, files, "captioner.json", sampleDocument)
	out := h.mustRun("import", path)
	assert.Contains(t, out, `"Captioner"`)
	id := createdID(t, out)

	out = h.mustRun("workflow", "show", id)
	assert.Contains(t, out, "Nodes:    2")
	assert.Contains(t, out, "Edges:    1")

	out = h.mustRun("export", id, "-o", "-")
	doc, err := workflow.ParseDocument([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, "Captioner", doc.Name)
	assert.Len(t, doc.Nodes, 2)
	assert.Len(t, doc.Edges, 1)

	exportDir := filepath.Join(files, "exports")
	out = h.mustRun("export", id, "-o", exportDir)
	assert.Contains(t, out, "Exported to")
	_, err = os.Stat(filepath.Join(exportDir, workflow.ExportFileName("Captioner")))
	assert.NoError(t, err)

	out = h.mustRun("import", path, "--name", "Copy")
	copyID := createdID(t, out)
	assert.NotEqual(t, id, copyID)
	assert.Contains(t, h.mustRun("workflow", "show", copyID), "Workflow: Copy")
}

func TestImport_InvalidDocument(t *testing.T) {
	h := newHarness(t)
	path := writeDocument(t, t.TempDir(), "bad.json", `{"name": "no arrays"}`)

	_, err := h.run("import", path)
	assert.ErrorIs(t, err, api.ErrValidation)
	assert.Contains(t, h.mustRun("workflow", "list"), "No workflows found.")
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"valid document", sampleDocument, ""},
		{"missing edges", `{"nodes": []}`, "schema validation failed"},
		{"node without type", `{"nodes": [{"id": "a"}], "edges": []}`, "schema validation failed"},
		{
			"edge to missing node",
			`{"nodes": [{"id": "a", "type": "text", "data": {"text": "x"}}],
			  "edges": [{"id": "e", "source": "a", "target": "ghost", "targetHandle": "user_message"}]}`,
			"ghost",
		},
		{
			"two edges into one prompt",
			`{"nodes": [
			    {"id": "a", "type": "text", "data": {"text": "x"}},
			    {"id": "b", "type": "text", "data": {"text": "y"}},
			    {"id": "l", "type": "llm", "data": {}}],
			  "edges": [
			    {"id": "e1", "source": "a", "target": "l", "targetHandle": "user_message"},
			    {"id": "e2", "source": "b", "target": "l", "targetHandle": "user_message"}]}`,
			"user_message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			path := writeDocument(t, dir, strings.ReplaceAll(tt.name, " ", "_")+".json", tt.content)

			out, err := h.run("validate", path)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Contains(t, out, "valid workflow document (2 nodes, 1 edges)")
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEditCommand(t *testing.T) {
	h := newHarness(t)
	id := createdID(t, h.mustRun("workflow", "create", "Blank"))

	h.stdin = strings.Join([]string{
		"text sys be brief",
		"llm l1",
		"connect sys l1 system_prompt",
		"text other hello",
		"connect other l1 system_prompt",
		"set sys be very brief",
		"set l1 nope",
		"remove other",
		"undo",
		"bogus",
		"# comment",
		"name Edited flow",
		"show",
		"quit",
		"text never applied",
	}, "\n")
	out := h.mustRun("edit", id)

	assert.Contains(t, out, "+ text node sys")
	assert.Contains(t, out, "+ llm node l1")
	assert.Contains(t, out, "target handle already connected")
	assert.Contains(t, out, "not a text node")
	assert.Contains(t, out, "unknown command bogus")
	assert.Contains(t, out, "Edited flow (unsaved)")
	assert.Contains(t, out, "Saved workflow "+id)
	assert.NotContains(t, out, "never")

	out = h.mustRun("workflow", "show", id)
	assert.Contains(t, out, "Workflow: Edited flow")
	assert.Contains(t, out, "Nodes:    3")
	assert.Contains(t, out, "Edges:    1")

	doc, err := workflow.ParseDocument([]byte(h.mustRun("export", id, "-o", "-")))
	require.NoError(t, err)
	for _, n := range doc.Nodes {
		if n.ID == "sys" {
			assert.Equal(t, "be very brief", n.Data.(*workflow.TextData).Text)
		}
	}
}

func TestEditCommand_NoAutosave(t *testing.T) {
	h := newHarness(t)
	id := createdID(t, h.mustRun("workflow", "create", "Manual"))

	h.stdin = "text a hi\n"
	out := h.mustRun("edit", id, "--no-autosave")
	assert.Contains(t, out, "Unsaved changes discarded")
	assert.Contains(t, h.mustRun("workflow", "show", id), "Nodes:    0")

	h.stdin = "text a hi\nsave\n"
	out = h.mustRun("edit", id, "--no-autosave")
	assert.Contains(t, out, "✓ Saved")
	assert.NotContains(t, out, "discarded")
	assert.Contains(t, h.mustRun("workflow", "show", id), "Nodes:    1")
}

func seedRun(t *testing.T, store *storage.Store) (string, string) {
	t.Helper()
	ctx := api.WithUser(context.Background(), "local")

	wf, err := store.CreateWorkflow(ctx, api.CreateWorkflowInput{Name: "Tracked"})
	require.NoError(t, err)

	r, err := store.CreateRun(ctx, api.CreateRunInput{WorkflowID: wf.ID, Scope: run.ScopeFull, NodeCount: 2})
	require.NoError(t, err)

	nr, err := store.AddNodeRun(ctx, api.AddNodeRunInput{
		WorkflowRunID: r.Ref.ID(),
		NodeID:        "llm-1",
		NodeName:      "Summarize",
		NodeType:      "llm",
	})
	require.NoError(t, err)

	_, err = store.UpdateNodeRun(ctx, api.UpdateNodeRunInput{
		NodeRunID: nr.Ref.ID(),
		Status:    run.NodeStatusFailed,
		Error:     "model unavailable",
	})
	require.NoError(t, err)

	_, err = store.UpdateRun(ctx, api.UpdateRunInput{RunID: r.Ref.ID(), Status: run.StatusFailed})
	require.NoError(t, err)

	return wf.ID, r.Ref.ID()
}

func TestRunsCommands(t *testing.T) {
	h := newHarness(t)
	store := testutil.NewStore(t)
	h.backend = store
	wfID, runID := seedRun(t, store)

	out := h.mustRun("runs", "list", wfID)
	assert.Contains(t, out, runID)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "1/2")

	out = h.mustRun("runs", "list", wfID, "--filter", `status == "failed" && failed == 1`)
	assert.Contains(t, out, runID)

	out = h.mustRun("runs", "list", wfID, "--filter", `status == "completed"`)
	assert.Contains(t, out, "No runs found.")

	_, err := h.run("runs", "list", wfID, "--filter", `status ==`)
	assert.Error(t, err)

	out = h.mustRun("runs", "show", runID)
	assert.Contains(t, out, "Status:   failed")
	assert.Contains(t, out, "Summarize")
	assert.Contains(t, out, "model unavailable")

	h.mustRun("runs", "clear", wfID)
	assert.Contains(t, h.mustRun("runs", "list", wfID), "No runs found.")
}

func TestTokenCommand(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("token", "alice")
	assert.ErrorIs(t, err, errNoSecret)

	t.Setenv("FLOWSTUDIO_JWT_SECRET", testSecret)
	out := h.mustRun("token", "alice", "--ttl", "1h")

	tokens, err := server.NewTokens(testSecret, time.Hour)
	require.NoError(t, err)
	user, err := tokens.Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestLoginAndRemoteStore(t *testing.T) {
	h := newHarness(t)

	tokens, err := server.NewTokens(testSecret, time.Hour)
	require.NoError(t, err)
	srv := httptest.NewServer(server.New(testutil.NewStore(t), tokens).Handler())
	t.Cleanup(srv.Close)

	token, err := tokens.Issue("alice")
	require.NoError(t, err)

	h.stdin = "not-a-token\n"
	_, err = h.run("login", "--server", srv.URL, "--stdin")
	assert.ErrorIs(t, err, api.ErrAuthRequired)
	_, err = h.tokens.Token(srv.URL)
	assert.ErrorIs(t, err, storage.ErrNoToken)

	h.stdin = token + "\n"
	out := h.mustRun("login", "--server", srv.URL, "--stdin")
	assert.Contains(t, out, "Logged in to "+srv.URL)
	stored, err := h.tokens.Token(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, token, stored)

	t.Setenv("FLOWSTUDIO_REMOTE_URL", srv.URL)
	id := createdID(t, h.mustRun("workflow", "create", "Remote flow"))
	assert.Contains(t, h.mustRun("workflow", "list"), id)

	h.mustRun("logout")
	_, err = h.run("workflow", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not logged in")
}

func TestLogin_EmptyToken(t *testing.T) {
	h := newHarness(t)
	h.stdin = " \n"

	_, err := h.run("login", "--server", "http://127.0.0.1:1", "--stdin", "--no-verify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token cannot be empty")
}

func TestIsOnlyWhitespace(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  bool
	}{
		{"empty", nil, true},
		{"spaces and tabs", []byte(" \t "), true},
		{"unicode space", []byte("  "), true},
		{"token", []byte(" abc "), false},
		{"invalid utf8", []byte{0xff}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isOnlyWhitespace(tt.input))
		})
	}
}
