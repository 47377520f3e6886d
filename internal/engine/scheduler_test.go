package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavegraph/weavegraph/internal/config"
	"github.com/weavegraph/weavegraph/internal/nodes"
	"github.com/weavegraph/weavegraph/internal/store"
	"github.com/weavegraph/weavegraph/internal/streamhub"
	"github.com/weavegraph/weavegraph/internal/webhook"
)

func newTestScheduler(t *testing.T, wf *store.Workflow) (*Scheduler, *store.FileStore) {
	t.Helper()
	st := store.NewFileStore(t.TempDir())
	require.NoError(t, st.LoadAll())
	_, err := st.SaveWorkflow(wf)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Webhook.WaitTimeout = 2 * time.Second
	return New(st, nodes.NewRegistry(nil), streamhub.New(), webhook.NewTable(), cfg, nil), st
}

func drain(t *testing.T, hub *streamhub.Hub, runID string) []store.LogEvent {
	t.Helper()
	ch, ok := hub.Lookup(runID)
	require.True(t, ok)

	var events []store.LogEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
			if ev.IsEndSentinel() {
				return events
			}
		case <-deadline:
			t.Fatal("timed out waiting for __END__ sentinel")
		}
	}
}

func TestScheduler_LinearRunSucceeds(t *testing.T) {
	wf := &store.Workflow{
		ID: "wf1",
		Nodes: []store.Node{
			{ID: "A", Type: store.NodeTypeInput},
			{ID: "B", Type: store.NodeTypeDefault},
		},
		Edges: []store.Edge{{ID: "e1", Source: "A", Target: "B"}},
	}
	s, st := newTestScheduler(t, wf)

	runID, err := s.StartRun("wf1", map[string]any{"x": 1.0})
	require.NoError(t, err)

	events := drain(t, s.hub, runID)
	require.NotEmpty(t, events)
	assert.True(t, events[len(events)-1].IsEndSentinel())

	var statuses []string
	for _, e := range events {
		if e.NodeID != "" {
			statuses = append(statuses, e.NodeID+":"+string(e.Status))
		}
	}
	assert.Equal(t, []string{"A:Pending", "A:Success", "B:Pending", "B:Success"}, statuses)

	runs, err := st.ListRuns("wf1", 0, false)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusSuccess, runs[0].Status)
}

func TestScheduler_FailFastStopsAtFailingNode(t *testing.T) {
	wf := &store.Workflow{
		ID: "wf2",
		Nodes: []store.Node{
			{ID: "A", Type: store.NodeTypeInput},
			{ID: "B", Type: store.NodeTypeCode, Data: map[string]any{}}, // no source -> ValidationError
			{ID: "C", Type: store.NodeTypeDefault},
		},
		Edges: []store.Edge{
			{ID: "e1", Source: "A", Target: "B"},
			{ID: "e2", Source: "B", Target: "C"},
		},
	}
	st := store.NewFileStore(t.TempDir())
	require.NoError(t, st.LoadAll())
	_, err := st.SaveWorkflow(wf)
	require.NoError(t, err)

	s := New(st, nodes.NewRegistry(nil), streamhub.New(), webhook.NewTable(), config.Default(), nil)

	runID, err := s.StartRun("wf2", "go")
	require.NoError(t, err)

	events := drain(t, s.hub, runID)

	var sawC bool
	var bFailed bool
	for _, e := range events {
		if e.NodeID == "C" {
			sawC = true
		}
		if e.NodeID == "B" && e.Status == store.LogStatusFailed {
			bFailed = true
		}
	}
	assert.True(t, bFailed, "expected B to fail")
	assert.False(t, sawC, "C must not execute after B fails (fail-fast)")

	runs, err := st.ListRuns("wf2", 0, false)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusFinishedWithErrors, runs[0].Status)
}

func TestScheduler_TestRunRendezvousWithWebhook(t *testing.T) {
	wf := &store.Workflow{
		ID: "wf3",
		Nodes: []store.Node{
			{ID: "W", Type: store.NodeTypeWebhookTrigger},
			{ID: "L", Type: store.NodeTypeDefault},
		},
		Edges: []store.Edge{{ID: "e1", Source: "W", Target: "L"}},
	}
	s, st := newTestScheduler(t, wf)

	runID, err := s.StartTestRun("wf3", nil)
	require.NoError(t, err)

	path := store.WebhookPath("wf3", "W")
	require.Eventually(t, func() bool { return s.rendezvous.Waiting(path) }, time.Second, 10*time.Millisecond)

	ok := s.rendezvous.Signal(path, store.WebhookPayload{Data: map[string]any{"k": "v"}})
	require.True(t, ok)

	events := drain(t, s.hub, runID)

	var sawTriggered, sawLSuccess bool
	for _, e := range events {
		if e.NodeID == "W" && e.Status == store.LogStatusTriggered {
			sawTriggered = true
		}
		if e.NodeID == "L" && e.Status == store.LogStatusSuccess {
			sawLSuccess = true
		}
	}
	assert.True(t, sawTriggered)
	assert.True(t, sawLSuccess)

	wfAfter, ok := st.GetWorkflow("wf3")
	require.True(t, ok)
	assert.True(t, wfAfter.Tested)
}

func TestScheduler_TestRunRendezvousTimeout(t *testing.T) {
	wf := &store.Workflow{
		ID: "wf4",
		Nodes: []store.Node{
			{ID: "W", Type: store.NodeTypeWebhookTrigger},
		},
	}
	st := store.NewFileStore(t.TempDir())
	require.NoError(t, st.LoadAll())
	_, err := st.SaveWorkflow(wf)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Webhook.WaitTimeout = 50 * time.Millisecond
	s := New(st, nodes.NewRegistry(nil), streamhub.New(), webhook.NewTable(), cfg, nil)

	runID, err := s.StartTestRun("wf4", nil)
	require.NoError(t, err)

	events := drain(t, s.hub, runID)

	var sawTimeout bool
	for _, e := range events {
		if e.NodeID == "W" && e.Status == store.LogStatusFailed {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout)

	runs, err := st.ListRuns("wf4", 0, false)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusFinishedWithErrors, runs[0].Status)

	wfAfter, ok := st.GetWorkflow("wf4")
	require.True(t, ok)
	assert.False(t, wfAfter.Tested)
	assert.False(t, wfAfter.IsActive)
}

func TestBuildGraph_NoStartNodeIsSchedulerError(t *testing.T) {
	wf := &store.Workflow{
		Nodes: []store.Node{
			{ID: "A", Type: store.NodeTypeDefault},
			{ID: "B", Type: store.NodeTypeDefault},
		},
		Edges: []store.Edge{
			{ID: "e1", Source: "A", Target: "B"},
			{ID: "e2", Source: "B", Target: "A"},
		},
	}
	_, _, _, err := buildGraph(wf)
	assert.Error(t, err)
}

func TestBuildGraph_ExcludesModelConfigEdges(t *testing.T) {
	wf := &store.Workflow{
		Nodes: []store.Node{
			{ID: "A", Type: store.NodeTypeInput},
			{ID: "M", Type: store.NodeTypeModelConfig},
			{ID: "L", Type: store.NodeTypeLLM},
		},
		Edges: []store.Edge{
			{ID: "e1", Source: "M", Target: "L"},
		},
	}
	nodesByID, adj, startID, err := buildGraph(wf)
	require.NoError(t, err)
	assert.Equal(t, "A", startID)
	assert.NotContains(t, nodesByID, "M")
	assert.Empty(t, adj["M"])
}
