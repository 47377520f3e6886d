package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavegraph/weavegraph/internal/sandbox"
	"github.com/weavegraph/weavegraph/internal/store"
	weaveerrors "github.com/weavegraph/weavegraph/pkg/errors"
)

// fakeSandbox returns a fixed Result without touching a real subprocess or
// container, so codeExecutor's classification of Result into the right
// error type can be tested without running anything.
type fakeSandbox struct {
	result sandbox.Result
	err    error
}

func (f *fakeSandbox) Run(ctx context.Context, source string, input any, timeout time.Duration) (sandbox.Result, error) {
	return f.result, f.err
}

func codeNode() *store.Node {
	return &store.Node{ID: "n1", Type: store.NodeTypeCode, Data: map[string]any{"source": "def execute(x): return x"}}
}

func TestCodeExecutor_TimeoutResultIsTimeoutError(t *testing.T) {
	ex := &codeExecutor{sandbox: &fakeSandbox{result: sandbox.Result{
		Status:    sandbox.StatusError,
		Error:     "execution timed out after 1s",
		ErrorType: "TimeoutError",
	}}}

	_, err := ex.Execute(baseExecCtx(), codeNode(), nil)
	require.Error(t, err)

	var timeoutErr *weaveerrors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "code node execution", timeoutErr.Operation)
}

func TestCodeExecutor_OtherFailureIsSandboxError(t *testing.T) {
	ex := &codeExecutor{sandbox: &fakeSandbox{result: sandbox.Result{
		Status:    sandbox.StatusError,
		Error:     "division by zero",
		ErrorType: "ZeroDivisionError",
	}}}

	_, err := ex.Execute(baseExecCtx(), codeNode(), nil)
	require.Error(t, err)

	var sandboxErr *weaveerrors.SandboxError
	require.ErrorAs(t, err, &sandboxErr)
}

func TestCodeExecutor_SuccessReturnsResult(t *testing.T) {
	ex := &codeExecutor{sandbox: &fakeSandbox{result: sandbox.Result{
		Status: sandbox.StatusSuccess,
		Result: map[string]any{"ok": true},
	}}}

	out, err := ex.Execute(baseExecCtx(), codeNode(), nil)
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, sandbox.StatusSuccess, result["status"])
}
