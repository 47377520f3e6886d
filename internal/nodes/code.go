package nodes

import (
	"time"

	"github.com/weavegraph/weavegraph/internal/sandbox"
	"github.com/weavegraph/weavegraph/internal/store"
	weaveerrors "github.com/weavegraph/weavegraph/pkg/errors"
)

const defaultCodeTimeout = 60 * time.Second

// codeExecutor wraps a Sandbox to run the node's source against input.
type codeExecutor struct {
	sandbox sandbox.Sandbox
}

func (e *codeExecutor) Execute(ectx ExecContext, node *store.Node, input any) (any, error) {
	source := node.DataString("source")
	if source == "" {
		return nil, &weaveerrors.ValidationError{
			Field:   "source",
			Message: "code node has no source",
		}
	}

	timeout := defaultCodeTimeout
	if t := node.DataFloat("timeout_seconds", 0); t > 0 {
		timeout = time.Duration(t * float64(time.Second))
	} else if ectx.Config != nil && ectx.Config.Sandbox.DefaultTimeout > 0 {
		timeout = ectx.Config.Sandbox.DefaultTimeout
	}

	result, err := e.sandbox.Run(ectx.Ctx, source, input, timeout)
	if err != nil {
		return nil, &weaveerrors.SandboxError{Reason: "sandbox infrastructure failure", Cause: err}
	}

	if result.Status != sandbox.StatusSuccess {
		if result.ErrorType == "TimeoutError" {
			return nil, &weaveerrors.TimeoutError{Operation: "code node execution", Duration: timeout}
		}
		return nil, &weaveerrors.SandboxError{Reason: result.Error}
	}

	return map[string]any{
		"status": result.Status,
		"result": result.Result,
	}, nil
}
