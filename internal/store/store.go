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

package store

import (
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	weaveerrors "github.com/weavegraph/weavegraph/pkg/errors"
)

// Store owns workflows, historical runs, the webhook registry, and the
// webhook payload ring. Readers may run concurrently; writers serialize
// through the embedded lock, and every mutation is followed by an atomic
// write-to-temp-then-rename of the affected file.
type Store interface {
	// LoadAll populates the in-memory maps from disk. Call once at startup.
	LoadAll() error

	SaveWorkflow(w *Workflow) (*Workflow, error)
	GetWorkflow(id string) (*Workflow, bool)
	ListWorkflows() []*Workflow
	SetTested(workflowID string, success bool) error
	ToggleActive(workflowID string, active bool) error

	AppendRun(run *Run) error
	GetRun(workflowID, runID string, includeArchived bool) (*Run, error)
	ListRuns(workflowID string, limit int, includeArchived bool) ([]*Run, error)

	RegisterWebhook(workflowID, nodeID string) (*WebhookRegistryEntry, error)
	GetWebhookByPath(path string) (*WebhookRegistryEntry, bool)
	ListWebhookRegistry() []*WebhookRegistryEntry

	AppendPayload(path string, payload WebhookPayload) error
	ListPayloads(path string) []WebhookPayload
	ClearPayloads(path string) error
}

// FileStore is the concrete Store: in-memory maps backed by JSON files under
// a data directory, with atomic replace on every write.
type FileStore struct {
	mu  sync.RWMutex
	dir string

	workflows       map[string]*Workflow
	runs            map[string][]*Run // workflow id -> newest-first, bounded to MaxInMemoryRuns
	webhookRegistry map[string]*WebhookRegistryEntry
	webhookPayloads map[string][]WebhookPayload
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a FileStore rooted at dataDir. Call LoadAll to
// populate it from any existing files.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{
		dir:             dataDir,
		workflows:       make(map[string]*Workflow),
		runs:            make(map[string][]*Run),
		webhookRegistry: make(map[string]*WebhookRegistryEntry),
		webhookPayloads: make(map[string][]WebhookPayload),
	}
}

func (s *FileStore) workflowsPath() string { return filepath.Join(s.dir, "workflows.json") }
func (s *FileStore) runsPath() string      { return filepath.Join(s.dir, "runs.json") }
func (s *FileStore) registryPath() string  { return filepath.Join(s.dir, "webhook_registry.json") }
func (s *FileStore) payloadsPath() string  { return filepath.Join(s.dir, "webhook_payloads.json") }

// LoadAll reads workflows.json, runs.json, webhook_registry.json, and
// webhook_payloads.json into memory. Missing files are treated as empty.
func (s *FileStore) LoadAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	workflows := make(map[string]*Workflow)
	if err := readJSON(s.workflowsPath(), &workflows); err != nil {
		return err
	}
	s.workflows = workflows

	runs := make(map[string][]*Run)
	if err := readJSON(s.runsPath(), &runs); err != nil {
		return err
	}
	s.runs = runs

	registry := make(map[string]*WebhookRegistryEntry)
	if err := readJSON(s.registryPath(), &registry); err != nil {
		return err
	}
	s.webhookRegistry = registry

	payloads := make(map[string][]WebhookPayload)
	if err := readJSON(s.payloadsPath(), &payloads); err != nil {
		return err
	}
	s.webhookPayloads = payloads

	return nil
}

// SaveWorkflow upserts w. If an existing workflow's nodes or edges differ
// from the stored version, both tested and is_active are cleared (§3
// lifecycle invariant). Returns the stored copy.
func (s *FileStore) SaveWorkflow(w *Workflow) (*Workflow, error) {
	if w == nil {
		return nil, &weaveerrors.ValidationError{Field: "workflow", Message: "workflow is nil"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if w.ID == "" {
		w.ID = uuid.NewString()
	}

	nodeIDs := make(map[string]struct{}, len(w.Nodes))
	for _, n := range w.Nodes {
		if _, dup := nodeIDs[n.ID]; dup {
			return nil, &weaveerrors.ValidationError{Field: "nodes", Message: "duplicate node id in workflow: " + n.ID}
		}
		nodeIDs[n.ID] = struct{}{}
	}
	for _, e := range w.Edges {
		if _, ok := nodeIDs[e.Source]; !ok {
			return nil, &weaveerrors.ValidationError{Field: "edges", Message: "edge references unknown source node: " + e.Source}
		}
		if _, ok := nodeIDs[e.Target]; !ok {
			return nil, &weaveerrors.ValidationError{Field: "edges", Message: "edge references unknown target node: " + e.Target}
		}
	}

	stored := w.Clone()

	if existing, ok := s.workflows[w.ID]; ok {
		if !reflect.DeepEqual(existing.Nodes, stored.Nodes) || !reflect.DeepEqual(existing.Edges, stored.Edges) {
			stored.Tested = false
			stored.IsActive = false
			stored.LastTested = nil
		} else {
			stored.Tested = existing.Tested
			stored.IsActive = existing.IsActive
			stored.LastTested = existing.LastTested
		}
	} else {
		stored.Tested = false
		stored.IsActive = false
		stored.LastTested = nil
	}

	s.workflows[w.ID] = stored

	if err := writeJSONAtomic(s.workflowsPath(), s.workflows); err != nil {
		return nil, err
	}

	return stored.Clone(), nil
}

// GetWorkflow returns a deep copy of the stored workflow.
func (s *FileStore) GetWorkflow(id string) (*Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// ListWorkflows returns deep copies of all stored workflows.
func (s *FileStore) ListWorkflows() []*Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, w.Clone())
	}
	return out
}

// SetTested marks a workflow tested (or not) following a test run's
// outcome. On failure, is_active is forcibly cleared.
func (s *FileStore) SetTested(workflowID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[workflowID]
	if !ok {
		return &weaveerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}

	now := time.Now()
	w.Tested = success
	w.LastTested = &now
	if !success {
		w.IsActive = false
	}

	return writeJSONAtomic(s.workflowsPath(), s.workflows)
}

// ToggleActive sets is_active, refusing activation of an untested workflow
// (the activation-gate invariant: is_active ⇒ tested).
func (s *FileStore) ToggleActive(workflowID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[workflowID]
	if !ok {
		return &weaveerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}

	if active && !w.Tested {
		return &weaveerrors.ValidationError{
			Field:   "active",
			Message: "cannot activate an untested workflow",
			Hint:    "run a successful test before activating",
		}
	}

	w.IsActive = active
	return writeJSONAtomic(s.workflowsPath(), s.workflows)
}
