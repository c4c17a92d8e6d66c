package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errBackend = stderrors.New("backend down")

func TestNew_NilCause(t *testing.T) {
	assert.Nil(t, New("save workflow", "wf-1", nil))
	var e *OperationalError
	assert.Nil(t, e.WithRun("r", "n"))
	assert.Nil(t, e.Unwrap())
	assert.Nil(t, e.LogArgs())
}

func TestOperationalError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *OperationalError
		want string
	}{
		{
			name: "workflow only",
			err:  New("save workflow", "wf-1", errBackend),
			want: "save workflow: workflow=wf-1: backend down",
		},
		{
			name: "run and node",
			err:  New("complete node run", "", errBackend).WithRun("run-1", "node-1"),
			want: "complete node run: run=run-1 node=node-1: backend down",
		},
		{
			name: "no ids",
			err:  New("clear history", "", errBackend),
			want: "clear history: backend down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestOperationalError_Unwrap(t *testing.T) {
	err := error(New("load workflow", "wf-1", errBackend))
	assert.True(t, stderrors.Is(err, errBackend))

	var op *OperationalError
	assert.True(t, stderrors.As(err, &op))
	assert.Equal(t, "wf-1", op.WorkflowID)
}

func TestOperationalError_LogArgs(t *testing.T) {
	err := New("start run", "wf-1", errBackend).WithRun("temp_1_abc", "")
	assert.Equal(t, []interface{}{
		"operation", "start run",
		"workflow_id", "wf-1",
		"run_id", "temp_1_abc",
		"error", errBackend,
	}, err.LogArgs())
}
