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
	"fmt"

	"github.com/google/uuid"
)

// WebhookPath returns the registry path for a workflow/node pair.
func WebhookPath(workflowID, nodeID string) string {
	return fmt.Sprintf("/api/webhooks/wh_%s_%s", workflowID, nodeID)
}

// RegisterWebhook records the explicit workflow_id/node_id mapping for a
// webhook path, replacing any prior registration at the same path.
func (s *FileStore) RegisterWebhook(workflowID, nodeID string) (*WebhookRegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := WebhookPath(workflowID, nodeID)
	entry := &WebhookRegistryEntry{
		WorkflowID: workflowID,
		NodeID:     nodeID,
		WebhookID:  uuid.NewString(),
		Path:       path,
	}
	s.webhookRegistry[path] = entry

	if err := writeJSONAtomic(s.registryPath(), s.webhookRegistry); err != nil {
		return nil, err
	}

	copied := *entry
	return &copied, nil
}

// GetWebhookByPath looks up a registered path.
func (s *FileStore) GetWebhookByPath(path string) (*WebhookRegistryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.webhookRegistry[path]
	if !ok {
		return nil, false
	}
	copied := *entry
	return &copied, true
}

// ListWebhookRegistry returns every registered path's entry.
func (s *FileStore) ListWebhookRegistry() []*WebhookRegistryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*WebhookRegistryEntry, 0, len(s.webhookRegistry))
	for _, e := range s.webhookRegistry {
		copied := *e
		out = append(out, &copied)
	}
	return out
}

// AppendPayload records an inbound delivery in path's ring, trimming to the
// newest PayloadRingSize entries. Order equals wall-clock arrival order.
func (s *FileStore) AppendPayload(path string, payload WebhookPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := append(s.webhookPayloads[path], payload)
	if len(ring) > PayloadRingSize {
		ring = ring[len(ring)-PayloadRingSize:]
	}
	s.webhookPayloads[path] = ring

	return writeJSONAtomic(s.payloadsPath(), s.webhookPayloads)
}

// ListPayloads returns path's recorded payloads, oldest first.
func (s *FileStore) ListPayloads(path string) []WebhookPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]WebhookPayload(nil), s.webhookPayloads[path]...)
}

// ClearPayloads discards path's recorded payloads.
func (s *FileStore) ClearPayloads(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.webhookPayloads, path)
	return writeJSONAtomic(s.payloadsPath(), s.webhookPayloads)
}
