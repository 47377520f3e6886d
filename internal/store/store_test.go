package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s := NewFileStore(t.TempDir())
	require.NoError(t, s.LoadAll())
	return s
}

func TestFileStore_LoadAllOnEmptyDirIsEmpty(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, s.ListWorkflows())
	assert.Empty(t, s.ListWebhookRegistry())
}

func TestFileStore_SaveWorkflow_AssignsIDAndPersists(t *testing.T) {
	s := newTestStore(t)

	wf := &Workflow{Name: "greet", Nodes: []Node{{ID: "n1", Type: NodeTypeInput}}}
	stored, err := s.SaveWorkflow(wf)
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)

	got, ok := s.GetWorkflow(stored.ID)
	require.True(t, ok)
	assert.Equal(t, "greet", got.Name)
	assert.False(t, got.Tested)
	assert.False(t, got.IsActive)
}

func TestFileStore_SaveWorkflow_RejectsDuplicateNodeIDs(t *testing.T) {
	s := newTestStore(t)
	wf := &Workflow{Nodes: []Node{{ID: "n1"}, {ID: "n1"}}}
	_, err := s.SaveWorkflow(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")
}

func TestFileStore_SaveWorkflow_RejectsEdgeToUnknownNode(t *testing.T) {
	s := newTestStore(t)
	wf := &Workflow{
		Nodes: []Node{{ID: "n1"}},
		Edges: []Edge{{ID: "e1", Source: "n1", Target: "missing"}},
	}
	_, err := s.SaveWorkflow(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target node")
}

func TestFileStore_SaveWorkflow_ResetsTestedAndActiveWhenGraphChanges(t *testing.T) {
	s := newTestStore(t)

	wf := &Workflow{Nodes: []Node{{ID: "n1", Type: NodeTypeInput}}}
	stored, err := s.SaveWorkflow(wf)
	require.NoError(t, err)

	require.NoError(t, s.SetTested(stored.ID, true))
	require.NoError(t, s.ToggleActive(stored.ID, true))

	got, _ := s.GetWorkflow(stored.ID)
	require.True(t, got.Tested)
	require.True(t, got.IsActive)

	got.Nodes = append(got.Nodes, Node{ID: "n2", Type: NodeTypeCode})
	resaved, err := s.SaveWorkflow(got)
	require.NoError(t, err)

	assert.False(t, resaved.Tested, "adding a node must clear tested")
	assert.False(t, resaved.IsActive, "adding a node must clear is_active")
}

func TestFileStore_SaveWorkflow_PreservesTestedWhenGraphUnchanged(t *testing.T) {
	s := newTestStore(t)

	wf := &Workflow{Name: "v1", Nodes: []Node{{ID: "n1", Type: NodeTypeInput}}}
	stored, err := s.SaveWorkflow(wf)
	require.NoError(t, err)
	require.NoError(t, s.SetTested(stored.ID, true))

	got, _ := s.GetWorkflow(stored.ID)
	got.Name = "v2 renamed, same graph"
	resaved, err := s.SaveWorkflow(got)
	require.NoError(t, err)

	assert.True(t, resaved.Tested, "renaming without touching nodes/edges must preserve tested")
	assert.Equal(t, "v2 renamed, same graph", resaved.Name)
}

func TestFileStore_GetWorkflow_ReturnsIndependentCopies(t *testing.T) {
	s := newTestStore(t)
	wf := &Workflow{Nodes: []Node{{ID: "n1", Data: map[string]any{"k": "v"}}}}
	stored, err := s.SaveWorkflow(wf)
	require.NoError(t, err)

	a, _ := s.GetWorkflow(stored.ID)
	b, _ := s.GetWorkflow(stored.ID)
	a.Nodes[0].Data["k"] = "mutated"

	assert.Equal(t, "v", b.Nodes[0].Data["k"], "mutating one returned copy must not affect another")
}

func TestFileStore_SetTested_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.SetTested("nope", true)
	require.Error(t, err)
}

func TestFileStore_SetTested_FailureClearsIsActive(t *testing.T) {
	s := newTestStore(t)
	wf := &Workflow{Nodes: []Node{{ID: "n1"}}}
	stored, err := s.SaveWorkflow(wf)
	require.NoError(t, err)

	require.NoError(t, s.SetTested(stored.ID, true))
	require.NoError(t, s.ToggleActive(stored.ID, true))

	require.NoError(t, s.SetTested(stored.ID, false))
	got, _ := s.GetWorkflow(stored.ID)
	assert.False(t, got.Tested)
	assert.False(t, got.IsActive, "a failing test run must deactivate the workflow")
}

func TestFileStore_ToggleActive_RefusesUntested(t *testing.T) {
	s := newTestStore(t)
	wf := &Workflow{Nodes: []Node{{ID: "n1"}}}
	stored, err := s.SaveWorkflow(wf)
	require.NoError(t, err)

	err = s.ToggleActive(stored.ID, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "untested")
}

func TestFileStore_ToggleActive_AllowsDeactivationRegardlessOfTested(t *testing.T) {
	s := newTestStore(t)
	wf := &Workflow{Nodes: []Node{{ID: "n1"}}}
	stored, err := s.SaveWorkflow(wf)
	require.NoError(t, err)

	require.NoError(t, s.ToggleActive(stored.ID, false))
	got, _ := s.GetWorkflow(stored.ID)
	assert.False(t, got.IsActive)
}

func TestFileStore_AppendRun_ArchivesOldestBeyondLimit(t *testing.T) {
	s := newTestStore(t)
	wf := &Workflow{Nodes: []Node{{ID: "n1"}}}
	stored, err := s.SaveWorkflow(wf)
	require.NoError(t, err)

	var runIDs []string
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < MaxInMemoryRuns+3; i++ {
		id := runIDFor(i)
		runIDs = append(runIDs, id)
		end := base.Add(time.Duration(i) * time.Minute)
		run := &Run{
			RunID:      id,
			WorkflowID: stored.ID,
			StartTime:  base.Add(time.Duration(i) * time.Minute),
			EndTime:    &end,
			Status:     RunStatusSuccess,
		}
		require.NoError(t, s.AppendRun(run))
	}

	inMemory, err := s.ListRuns(stored.ID, 0, false)
	require.NoError(t, err)
	assert.Len(t, inMemory, MaxInMemoryRuns, "in-memory history must be capped")
	assert.Equal(t, runIDs[len(runIDs)-1], inMemory[0].RunID, "newest run must be first")

	oldest := runIDs[0]
	_, err = s.GetRun(stored.ID, oldest, false)
	require.Error(t, err, "an archived run must not be found without includeArchived")

	archived, err := s.GetRun(stored.ID, oldest, true)
	require.NoError(t, err)
	assert.Equal(t, oldest, archived.RunID)
}

func TestFileStore_ListRuns_RespectsLimit(t *testing.T) {
	s := newTestStore(t)
	wf := &Workflow{Nodes: []Node{{ID: "n1"}}}
	stored, err := s.SaveWorkflow(wf)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendRun(&Run{RunID: runIDFor(i), WorkflowID: stored.ID, Status: RunStatusSuccess}))
	}

	limited, err := s.ListRuns(stored.ID, 2, false)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestFileStore_WebhookRegistry_RegisterAndLookup(t *testing.T) {
	s := newTestStore(t)
	entry, err := s.RegisterWebhook("wf1", "node1")
	require.NoError(t, err)
	assert.Equal(t, WebhookPath("wf1", "node1"), entry.Path)
	assert.NotEmpty(t, entry.WebhookID)

	got, ok := s.GetWebhookByPath(entry.Path)
	require.True(t, ok)
	assert.Equal(t, "node1", got.NodeID)

	list := s.ListWebhookRegistry()
	require.Len(t, list, 1)
}

func TestFileStore_WebhookRegistry_ReturnsIndependentCopies(t *testing.T) {
	s := newTestStore(t)
	entry, err := s.RegisterWebhook("wf1", "node1")
	require.NoError(t, err)

	got, _ := s.GetWebhookByPath(entry.Path)
	got.NodeID = "mutated"

	again, _ := s.GetWebhookByPath(entry.Path)
	assert.Equal(t, "node1", again.NodeID)
}

func TestFileStore_Payloads_AppendListClear(t *testing.T) {
	s := newTestStore(t)
	path := "/api/webhooks/wh_wf1_node1"

	require.NoError(t, s.AppendPayload(path, WebhookPayload{Data: map[string]any{"i": float64(0)}}))
	require.NoError(t, s.AppendPayload(path, WebhookPayload{Data: map[string]any{"i": float64(1)}}))

	list := s.ListPayloads(path)
	require.Len(t, list, 2)
	assert.Equal(t, float64(0), list[0].Data.(map[string]any)["i"], "payloads must be returned oldest first")

	require.NoError(t, s.ClearPayloads(path))
	assert.Empty(t, s.ListPayloads(path))
}

func TestFileStore_Payloads_RingTrimsToPayloadRingSize(t *testing.T) {
	s := newTestStore(t)
	path := "/api/webhooks/wh_wf1_node1"

	for i := 0; i < PayloadRingSize+5; i++ {
		require.NoError(t, s.AppendPayload(path, WebhookPayload{Data: i}))
	}

	list := s.ListPayloads(path)
	require.Len(t, list, PayloadRingSize)
	assert.Equal(t, 5, list[0].Data, "the ring must drop the oldest entries first")
	assert.Equal(t, PayloadRingSize+4, list[len(list)-1].Data)
}

func TestFileStore_LoadAll_RoundTripsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	s1 := NewFileStore(dir)
	require.NoError(t, s1.LoadAll())
	stored, err := s1.SaveWorkflow(&Workflow{Name: "durable", Nodes: []Node{{ID: "n1"}}})
	require.NoError(t, err)
	_, err = s1.RegisterWebhook(stored.ID, "n1")
	require.NoError(t, err)

	s2 := NewFileStore(dir)
	require.NoError(t, s2.LoadAll())

	got, ok := s2.GetWorkflow(stored.ID)
	require.True(t, ok)
	assert.Equal(t, "durable", got.Name)
	assert.Len(t, s2.ListWebhookRegistry(), 1)
}

func runIDFor(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return "run-" + string(letters[i%len(letters)]) + string(rune('0'+i))
}
