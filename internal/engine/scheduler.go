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

// Package engine holds the Scheduler: the graph interpreter that walks a
// workflow's operational nodes breadth-first, dispatching each to a
// NodeExecutor and streaming per-step log events to the StreamHub.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/weavegraph/weavegraph/internal/config"
	"github.com/weavegraph/weavegraph/internal/nodes"
	"github.com/weavegraph/weavegraph/internal/store"
	"github.com/weavegraph/weavegraph/internal/streamhub"
	"github.com/weavegraph/weavegraph/internal/webhook"
	weaveerrors "github.com/weavegraph/weavegraph/pkg/errors"
)

const defaultMaxSteps = 100
const defaultWebhookWait = 300 * time.Second

// Scheduler is the graph interpreter. One run executes on its own goroutine;
// within a run nodes execute strictly sequentially.
type Scheduler struct {
	store      store.Store
	registry   *nodes.Registry
	hub        *streamhub.Hub
	rendezvous *webhook.Table
	config     *config.Config
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New constructs a Scheduler. cfg may be nil, in which case config.Default()
// governs step caps, webhook wait timeout, and sandbox defaults.
func New(st store.Store, registry *nodes.Registry, hub *streamhub.Hub, table *webhook.Table, cfg *config.Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      st,
		registry:   registry,
		hub:        hub,
		rendezvous: table,
		config:     cfg,
		logger:     logger,
		tracer:     otel.Tracer("github.com/weavegraph/weavegraph/internal/engine"),
	}
}

var _ webhook.RunStarter = (*Scheduler)(nil)

// StartRun launches a production run and returns its id immediately; the run
// itself executes in the background. It satisfies webhook.RunStarter so the
// ingress handler can start runs without importing this package.
func (s *Scheduler) StartRun(workflowID string, input any) (string, error) {
	return s.start(workflowID, input, false)
}

// StartTestRun launches a test run: webhook_trigger/webhook nodes pause for
// a matching inbound delivery instead of passing their initial input through.
func (s *Scheduler) StartTestRun(workflowID string, input any) (string, error) {
	return s.start(workflowID, input, true)
}

func (s *Scheduler) start(workflowID string, input any, isTest bool) (string, error) {
	wf, ok := s.store.GetWorkflow(workflowID)
	if !ok {
		return "", &weaveerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}

	runID := uuid.NewString()
	ch := s.hub.Open(runID)
	run := &store.Run{
		RunID:      runID,
		WorkflowID: workflowID,
		IsTest:     isTest,
		StartTime:  time.Now(),
		Status:     store.RunStatusRunning,
	}

	go s.run(run, wf, input, ch)
	return runID, nil
}

type workItem struct {
	nodeID string
	input  any
}

// run executes wf breadth-first from its start node, emitting one log event
// per phase of every step, and finalizes the run (terminal log, __END__
// sentinel, Store.AppendRun) no matter how it ends.
func (s *Scheduler) run(run *store.Run, wf *store.Workflow, input any, ch chan store.LogEvent) {
	ctx, span := s.tracer.Start(context.Background(), "run",
		trace.WithAttributes(
			attribute.String("run_id", run.RunID),
			attribute.String("workflow_id", run.WorkflowID),
			attribute.Bool("is_test", run.IsTest),
		))
	defer span.End()

	defer s.finish(run, ch)
	defer func() {
		if r := recover(); r != nil {
			run.Status = store.RunStatusFailed
			span.SetStatus(codes.Error, fmt.Sprintf("recovered panic: %v", r))
			s.emit(run, ch, store.LogEvent{Status: store.LogStatusFailed, Message: fmt.Sprintf("recovered panic: %v", r)})
		}
	}()

	nodesByID, adj, startID, err := buildGraph(wf)
	if err != nil {
		run.Status = store.RunStatusFinishedWithErrors
		span.SetStatus(codes.Error, err.Error())
		s.emit(run, ch, store.LogEvent{Status: store.LogStatusFailed, Message: err.Error()})
		return
	}

	runOutputs := map[string]any{}
	visits := map[string]int{}
	queue := []workItem{{nodeID: startID, input: input}}

	maxSteps := s.config.Scheduler.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	steps := 0
	failed := false

stepLoop:
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		limit := 1
		if item.nodeID == startID {
			limit = 2
		}
		if visits[item.nodeID] >= limit {
			s.emit(run, ch, store.LogEvent{NodeID: item.nodeID, Status: store.LogStatusUnknown, Message: "node already processed this run, skipping (cycle guard)"})
			continue
		}
		visits[item.nodeID]++

		steps++
		if steps > maxSteps {
			s.emit(run, ch, store.LogEvent{Status: store.LogStatusFailed, Message: fmt.Sprintf("exceeded %d processed steps, aborting as a likely cycle", maxSteps)})
			failed = true
			break stepLoop
		}

		if _, ok := s.hub.Lookup(run.RunID); !ok {
			run.Status = store.RunStatusAborted
			s.emit(run, ch, store.LogEvent{NodeID: item.nodeID, Status: store.LogStatusAborted, Message: "subscriber disconnected"})
			break stepLoop
		}

		node := nodesByID[item.nodeID]
		effectiveInput := item.input

		s.emit(run, ch, store.LogEvent{NodeID: node.ID, NodeType: node.Type, Status: store.LogStatusPending, Message: "Executing Node"})

		if run.IsTest && node.Type.IsWebhookTriggerType() {
			path := store.WebhookPath(run.WorkflowID, node.ID)
			waitCh := s.rendezvous.Register(path, run.RunID, node.ID)
			s.emit(run, ch, store.LogEvent{NodeID: node.ID, NodeType: node.Type, Status: store.LogStatusWaiting, Message: "waiting for webhook at " + path})

			timeout := s.config.Webhook.WaitTimeout
			if timeout <= 0 {
				timeout = defaultWebhookWait
			}

			select {
			case payload := <-waitCh:
				effectiveInput = payload.Data
				s.emit(run, ch, store.LogEvent{NodeID: node.ID, NodeType: node.Type, Status: store.LogStatusTriggered, Message: "webhook triggered"})
			case <-time.After(timeout):
				s.rendezvous.Remove(path)
				s.emit(run, ch, store.LogEvent{NodeID: node.ID, NodeType: node.Type, Status: store.LogStatusFailed, Message: "test webhook timeout"})
				failed = true
				break stepLoop
			}
		}

		nodeCtx, nodeSpan := s.tracer.Start(ctx, "node."+string(node.Type),
			trace.WithAttributes(attribute.String("node_id", node.ID)))

		ectx := nodes.ExecContext{Ctx: nodeCtx, Workflow: wf, RunOutputs: runOutputs, Config: s.config}
		output, execErr := s.registry.Dispatch(node.Type).Execute(ectx, node, effectiveInput)
		if execErr != nil {
			nodeSpan.SetStatus(codes.Error, execErr.Error())
			nodeSpan.End()
			s.emit(run, ch, store.LogEvent{NodeID: node.ID, NodeType: node.Type, Status: store.LogStatusFailed, Error: execErr.Error(), Message: "Finished Node"})
			failed = true
			break stepLoop
		}
		nodeSpan.End()

		runOutputs[node.ID] = output
		s.emit(run, ch, store.LogEvent{NodeID: node.ID, NodeType: node.Type, Status: store.LogStatusSuccess, OutputSummary: summarize(output), Message: "Finished Node"})

		for _, successor := range adj[node.ID] {
			queue = append(queue, workItem{nodeID: successor, input: output})
		}
	}

	if run.Status == store.RunStatusAborted {
		return
	}
	if failed {
		run.Status = store.RunStatusFinishedWithErrors
		return
	}
	run.Status = store.RunStatusSuccess
}

// finish emits the terminal status log and the __END__ sentinel, persists the run, and — for test
// runs — records the test outcome. It always runs, even if run() panicked.
func (s *Scheduler) finish(run *store.Run, ch chan store.LogEvent) {
	now := time.Now()
	run.EndTime = &now

	endStatus := store.LogStatusFailed
	switch run.Status {
	case store.RunStatusSuccess:
		endStatus = store.LogStatusSuccess
	case store.RunStatusAborted:
		endStatus = store.LogStatusAborted
	}
	s.emit(run, ch, store.LogEvent{Step: "End", Status: endStatus, Message: string(run.Status)})

	terminal := streamhub.EndSentinel
	terminal.RunID = run.RunID
	terminal.Timestamp = now
	ch <- terminal
	close(ch)
	s.hub.Close(run.RunID)

	if err := s.store.AppendRun(run); err != nil {
		s.logger.Error("engine: failed to persist run", "run_id", run.RunID, "error", err)
	}

	if run.IsTest {
		success := run.Status == store.RunStatusSuccess
		if err := s.store.SetTested(run.WorkflowID, success); err != nil {
			s.logger.Error("engine: failed to record test result", "workflow_id", run.WorkflowID, "error", err)
		}
	}
}

func (s *Scheduler) emit(run *store.Run, ch chan store.LogEvent, ev store.LogEvent) {
	ev.RunID = run.RunID
	ev.Timestamp = time.Now()
	ev.IsTestLog = run.IsTest
	run.Logs = append(run.Logs, ev)
	ch <- ev
}

// buildGraph derives the operational adjacency list and selects the start
// node. model_config nodes, and any edge touching one, are excluded.
func buildGraph(wf *store.Workflow) (map[string]*store.Node, map[string][]string, string, error) {
	nodesByID := make(map[string]*store.Node, len(wf.Nodes))
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if n.Type == store.NodeTypeModelConfig {
			continue
		}
		nodesByID[n.ID] = n
	}

	adj := make(map[string][]string)
	incoming := make(map[string]int)
	for _, e := range wf.Edges {
		if _, ok := nodesByID[e.Source]; !ok {
			continue
		}
		if _, ok := nodesByID[e.Target]; !ok {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
		incoming[e.Target]++
	}

	var startID string
	for _, n := range wf.Nodes {
		if n.Type == store.NodeTypeModelConfig {
			continue
		}
		if incoming[n.ID] == 0 || n.Type == store.NodeTypeInput || n.Type == store.NodeTypeTrigger || n.Type == store.NodeTypeWebhookTrigger {
			startID = n.ID
			break
		}
	}
	if startID == "" {
		return nil, nil, "", &weaveerrors.SchedulerError{Reason: "no start node: every node has an incoming edge and none is an input/trigger/webhook_trigger"}
	}
	return nodesByID, adj, startID, nil
}

func summarize(output any) string {
	s := fmt.Sprintf("%v", output)
	const limit = 200
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
