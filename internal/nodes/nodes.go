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

// Package nodes implements the NodeExecutor contract: one Executor per
// node type, dispatched by the scheduler for every step of a run.
package nodes

import (
	"context"
	"log/slog"

	"github.com/weavegraph/weavegraph/internal/config"
	"github.com/weavegraph/weavegraph/internal/sandbox"
	"github.com/weavegraph/weavegraph/internal/store"
)

// ExecContext carries everything an Executor needs beyond the node and its
// input: the parent workflow (for model_config lookups), every prior node's
// output in this run (for templating), and cancellation.
type ExecContext struct {
	Ctx        context.Context
	Workflow   *store.Workflow
	RunOutputs map[string]any
	Config     *config.Config
}

// Executor runs a single node to completion. It must be side-effect free
// with respect to the graph itself — any I/O it performs (HTTP calls,
// subprocess execution) must honor ExecContext.Ctx's cancellation — and must
// report failures as errors rather than embedding them silently in output.
type Executor interface {
	Execute(ectx ExecContext, node *store.Node, input any) (any, error)
}

// Registry dispatches a node to its Executor by NodeType.
type Registry struct {
	executors map[store.NodeType]Executor
	fallback  Executor
}

// NewRegistry builds the standard registry: passthrough executors for
// input/trigger/webhook types, llm, code (backed by sb), and
// http_action/api_consumer, with a logging passthrough fallback for unknown
// types.
func NewRegistry(sb sandbox.Sandbox) *Registry {
	passthrough := passthroughExecutor{}
	fallback := defaultExecutor{}

	r := &Registry{
		executors: map[store.NodeType]Executor{
			store.NodeTypeInput:          passthrough,
			store.NodeTypeTrigger:        passthrough,
			store.NodeTypeWebhookTrigger: passthrough,
			store.NodeTypeWebhook:        passthrough,
			store.NodeTypeLLM:            &llmExecutor{},
			store.NodeTypeCode:           &codeExecutor{sandbox: sb},
			store.NodeTypeHTTPAction:     &httpExecutor{},
			store.NodeTypeAPIConsumer:    &httpExecutor{},
		},
		fallback: fallback,
	}
	return r
}

// Dispatch returns the Executor registered for typ, or the logging
// passthrough fallback if typ is unrecognized. model_config nodes are never
// scheduled by the Scheduler, so no entry is registered for them here.
func (r *Registry) Dispatch(typ store.NodeType) Executor {
	if e, ok := r.executors[typ]; ok {
		return e
	}
	return r.fallback
}

type passthroughExecutor struct{}

func (passthroughExecutor) Execute(_ ExecContext, _ *store.Node, input any) (any, error) {
	return input, nil
}

type defaultExecutor struct{}

func (defaultExecutor) Execute(_ ExecContext, node *store.Node, input any) (any, error) {
	slog.Warn("dispatching unknown node type through passthrough", "node_id", node.ID, "type", node.Type)
	return input, nil
}
