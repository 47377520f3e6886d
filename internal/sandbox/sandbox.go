// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sandbox executes user-provided code snippets in isolation from the
// host process, on behalf of `code` nodes. It never lets a user snippet's
// failure surface as a Go error: every outcome, including a crash, a missing
// entry point, or a timeout, resolves to a structured Result.
package sandbox

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

//go:embed wrapper.py
var wrapperSource []byte

// Status values carried on the outer envelope of a Result.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the structured outcome of a sandbox run. It mirrors exactly the
// JSON envelope the wrapper script prints on stdout.
type Result struct {
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// Runtime names a Sandbox implementation, selected by configuration.
type Runtime string

const (
	// RuntimeProcess runs the wrapper as a direct host subprocess. It is the
	// default: no container engine is assumed to be present.
	RuntimeProcess Runtime = "process"

	// RuntimeDocker runs the wrapper inside a container via `docker exec -i`
	// against an executor container started for that invocation and removed
	// afterwards, piping stdin/stdout across the exec boundary.
	RuntimeDocker Runtime = "docker"
)

// Sandbox executes a source snippet defining execute(input_data) and returns
// its structured result. Implementations never return a non-nil error for a
// failure originating in the user snippet — only for sandbox-infrastructure
// failures (e.g. the host is out of disk space) is an error returned, and
// even then callers are expected to fall back to Result{Status: StatusError}.
type Sandbox interface {
	Run(ctx context.Context, source string, input any, timeout time.Duration) (Result, error)
}

// New constructs the Sandbox implementation named by runtime. Docker image
// selection is carried by dockerImage; it is ignored for RuntimeProcess.
func New(runtime Runtime, dockerImage string) Sandbox {
	switch runtime {
	case RuntimeDocker:
		return &dockerSandbox{image: dockerImage}
	default:
		return &processSandbox{}
	}
}

// processSandbox materializes a temp working directory per invocation and
// runs the wrapper as a direct subprocess. This is the portable default: it
// requires only a `python3` binary on PATH, not a container runtime.
type processSandbox struct{}

var _ Sandbox = (*processSandbox)(nil)

func (s *processSandbox) Run(ctx context.Context, source string, input any, timeout time.Duration) (Result, error) {
	workDir, err := os.MkdirTemp("", "weavegraph-sandbox-*")
	if err != nil {
		return Result{}, fmt.Errorf("create sandbox workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	scriptPath := filepath.Join(workDir, "user_source.py")
	if err := os.WriteFile(scriptPath, []byte(source), 0o600); err != nil {
		return Result{}, fmt.Errorf("write user source: %w", err)
	}

	wrapperPath := filepath.Join(workDir, "wrapper.py")
	if err := os.WriteFile(wrapperPath, wrapperSource, 0o600); err != nil {
		return Result{}, fmt.Errorf("write wrapper: %w", err)
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return Result{}, fmt.Errorf("marshal sandbox input: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "python3", wrapperPath, scriptPath)
	cmd.Dir = workDir
	cmd.Stdin = bytes.NewReader(inputJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	return decodeOutcome(runCtx, runErr, stdout.Bytes(), stderr.String(), timeout), nil
}

// dockerSandbox starts a fresh executor container for each invocation,
// reaches it via `docker exec -i` so stdin/stdout cross the container
// boundary, and removes the container when the invocation ends.
type dockerSandbox struct {
	image string
}

var _ Sandbox = (*dockerSandbox)(nil)

func (s *dockerSandbox) Run(ctx context.Context, source string, input any, timeout time.Duration) (Result, error) {
	workDir, err := os.MkdirTemp("", "weavegraph-sandbox-*")
	if err != nil {
		return Result{}, fmt.Errorf("create sandbox workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	scriptPath := filepath.Join(workDir, "user_source.py")
	if err := os.WriteFile(scriptPath, []byte(source), 0o600); err != nil {
		return Result{}, fmt.Errorf("write user source: %w", err)
	}
	wrapperPath := filepath.Join(workDir, "wrapper.py")
	if err := os.WriteFile(wrapperPath, wrapperSource, 0o600); err != nil {
		return Result{}, fmt.Errorf("write wrapper: %w", err)
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return Result{}, fmt.Errorf("marshal sandbox input: %w", err)
	}

	containerName := "weavegraph-executor-" + uuid.NewString()[:8]

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := exec.CommandContext(runCtx, "docker", "run", "--rm", "-d",
		"--name", containerName,
		"-v", workDir+":/work:ro",
		s.image, "sleep", "infinity")
	if err := run.Run(); err != nil {
		return Result{}, fmt.Errorf("start executor container: %w", err)
	}
	defer exec.Command("docker", "rm", "-f", containerName).Run() //nolint:errcheck

	cmd := exec.CommandContext(runCtx, "docker", "exec", "-i", containerName,
		"python3", "/work/wrapper.py", "/work/user_source.py")
	cmd.Stdin = bytes.NewReader(inputJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	return decodeOutcome(runCtx, runErr, stdout.Bytes(), stderr.String(), timeout), nil
}

// decodeOutcome classifies a completed subprocess invocation into a Result.
// It never panics and never leaves Status empty: the happy path parses the
// wrapper's JSON envelope verbatim, and every failure mode (timeout, empty
// stdout, malformed JSON) degrades to a structured error Result instead.
func decodeOutcome(ctx context.Context, runErr error, stdout []byte, stderr string, timeout time.Duration) Result {
	if ctx.Err() == context.DeadlineExceeded {
		return Result{
			Status:    StatusError,
			Error:     fmt.Sprintf("execution timed out after %s", timeout),
			ErrorType: "TimeoutError",
		}
	}

	if len(stdout) == 0 {
		msg := "sandbox produced no output"
		if runErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, runErr)
		}
		if stderr != "" {
			msg = fmt.Sprintf("%s (stderr: %s)", msg, stderr)
		}
		return Result{Status: StatusError, Error: msg, ErrorType: "EmptyOutputError"}
	}

	var result Result
	if err := json.Unmarshal(stdout, &result); err != nil {
		return Result{
			Status:    StatusError,
			Error:     fmt.Sprintf("malformed sandbox output: %v", err),
			ErrorType: "MalformedOutputError",
		}
	}

	if result.Status == "" {
		result.Status = StatusError
		if result.Error == "" {
			result.Error = "sandbox returned an envelope with no status"
			result.ErrorType = "MalformedOutputError"
		}
	}

	return result
}
