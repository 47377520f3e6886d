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

// Package webhook implements the WebhookIngress handler and the
// RendezvousTable that lets a test run pause at a webhook node until the
// matching path receives a live delivery.
package webhook

import (
	"sync"

	"github.com/weavegraph/weavegraph/internal/store"
)

// waiterEntry is one registered rendezvous slot. A path uniquely identifies
// (run_id, node_id) once registered, which is why a single map keyed by path
// can stand in for the two linked maps (active_waiters, pending_events)
// described in the data model: looking a path up in byPath answers both
// "is anything waiting here" and "what exactly is waiting."
type waiterEntry struct {
	runID  string
	nodeID string
	ch     chan store.WebhookPayload
}

// Table is the RendezvousTable: a one-shot signal + data slot per
// (run_id, node_id), keyed by the webhook path the scheduler is waiting on.
type Table struct {
	mu     sync.Mutex
	byPath map[string]*waiterEntry
}

// NewTable constructs an empty RendezvousTable.
func NewTable() *Table {
	return &Table{byPath: make(map[string]*waiterEntry)}
}

// Register installs a rendezvous slot for (runID, nodeID) keyed by path and
// returns the channel the caller should wait on. Registering again at the
// same path replaces any prior (now presumably abandoned) waiter.
func (t *Table) Register(path, runID, nodeID string) <-chan store.WebhookPayload {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan store.WebhookPayload, 1)
	t.byPath[path] = &waiterEntry{runID: runID, nodeID: nodeID, ch: ch}
	return ch
}

// Remove tears down path's waiter without signaling it — used after a
// rendezvous times out, so a subsequent delivery to the same path does not
// resume a run that has already moved on.
func (t *Table) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byPath, path)
}

// Signal delivers payload to path's waiter, if one is registered. Removal
// from byPath happens before the channel send so a re-entrant delivery to
// the same path (e.g. a duplicate webhook call arriving mid-signal) can
// never re-trigger the same slot.
func (t *Table) Signal(path string, payload store.WebhookPayload) bool {
	t.mu.Lock()
	entry, ok := t.byPath[path]
	if ok {
		delete(t.byPath, path)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	entry.ch <- payload
	return true
}

// Waiting reports whether path currently has a registered waiter.
func (t *Table) Waiting(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byPath[path]
	return ok
}
