package run

import (
	"regexp"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocal(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	ref := NewLocal(now)

	assert.True(t, ref.IsLocal())
	assert.False(t, ref.IsRemote())
	assert.Regexp(t, regexp.MustCompile(`^temp_1700000000123_[0-9a-f]{9}$`), ref.ID())
	assert.NotEqual(t, ref, NewLocal(now), "refs minted in the same millisecond must differ")
}

func TestRefKinds(t *testing.T) {
	tests := []struct {
		name   string
		ref    Ref
		local  bool
		remote bool
		zero   bool
	}{
		{name: "zero", ref: Ref{}, zero: true},
		{name: "local", ref: Local("temp_1_abc"), local: true},
		{name: "remote", ref: Remote("abc"), remote: true},
		{name: "parsed temp", ref: ParseRef("temp_1_abc"), local: true},
		{name: "parsed server id", ref: ParseRef("c0ffee"), remote: true},
		{name: "parsed empty", ref: ParseRef(""), zero: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.local, tt.ref.IsLocal())
			assert.Equal(t, tt.remote, tt.ref.IsRemote())
			assert.Equal(t, tt.zero, tt.ref.IsZero())
		})
	}
	assert.NotEqual(t, Local("x"), Remote("x"))
}

func TestRefJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		ID Ref `json:"id"`
	}{ID: Remote("r1")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1"}`, string(data))

	var decoded struct {
		ID Ref `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"id":"temp_5_abcdef012"}`), &decoded))
	assert.True(t, decoded.ID.IsLocal())
}

func TestWorkflowRunComplete(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewWorkflowRun("wf", ScopeFull, 3, start)
	assert.Equal(t, StatusRunning, r.Status)
	assert.Nil(t, r.Duration)

	err := r.Complete(StatusRunning, start)
	assert.Error(t, err)

	end := start.Add(1500 * time.Millisecond)
	require.NoError(t, r.Complete(StatusPartial, end))
	assert.Equal(t, StatusPartial, r.Status)
	require.NotNil(t, r.Duration)
	assert.Equal(t, int64(1500), *r.Duration)
	assert.Equal(t, end, *r.CompletedAt)

	assert.Error(t, r.Complete(StatusCompleted, end), "terminal status is final")
}

func TestNodeRunComplete(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	nr := NewNodeRun("n1", "LLM", "llm", map[string]interface{}{"userMessage": "hi"}, start)

	require.NoError(t, nr.Complete(NodeStatusFailed, nil, "boom", start.Add(20*time.Millisecond)))
	assert.Equal(t, NodeStatusFailed, nr.Status)
	assert.Equal(t, "boom", nr.Error)
	assert.Equal(t, int64(20), *nr.Duration)
	assert.Error(t, nr.Complete(NodeStatusCompleted, nil, "", start))
}

func TestCloneIsDeep(t *testing.T) {
	start := time.Now()
	r := NewWorkflowRun("wf", ScopeSingle, 1, start)
	r.NodeRuns = append(r.NodeRuns, NewNodeRun("n", "n", "llm", nil, start))
	require.NoError(t, r.Complete(StatusCompleted, start.Add(time.Second)))

	c := r.Clone()
	c.NodeRuns[0].Status = NodeStatusFailed
	*c.Duration = 0

	assert.Equal(t, NodeStatusRunning, r.NodeRuns[0].Status)
	assert.Equal(t, int64(1000), *r.Duration)
}

func TestOutcomeStatus(t *testing.T) {
	assert.Equal(t, StatusCompleted, OutcomeStatus(3, 0))
	assert.Equal(t, StatusCompleted, OutcomeStatus(0, 0))
	assert.Equal(t, StatusFailed, OutcomeStatus(0, 2))
	assert.Equal(t, StatusPartial, OutcomeStatus(1, 1))
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("selected")
	require.NoError(t, err)
	assert.Equal(t, ScopeSelected, s)

	_, err = ParseScope("everything")
	assert.Error(t, err)
}
