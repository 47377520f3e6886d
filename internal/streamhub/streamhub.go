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

// Package streamhub holds the registry of per-run live log pipes that bridge
// a Scheduler run task (single writer) to its SSE subscriber (single
// reader). Fan-out to multiple subscribers per run is explicitly
// unsupported.
package streamhub

import (
	"sync"
	"time"

	"github.com/weavegraph/weavegraph/internal/store"
)

// EndSentinel is published as the final event of every run's channel.
var EndSentinel = store.LogEvent{Step: store.EndSentinelStep}

// drainGrace bounds how long a finished run's pump keeps trying to deliver
// its trailing buffered events after the writer closes its side. A reader
// that hasn't attached within this window never will — there is no
// reconnect-after-end replay — so the pump gives up and frees itself rather
// than blocking forever on an unread channel.
const drainGrace = 30 * time.Second

// stream is an unbounded single-writer/single-reader pipe. in is the
// writer-facing side the Scheduler sends to directly; out is what a
// subscriber reads. A dedicated pump goroutine shuttles events between them
// over a growable queue, so a send on in completes immediately no matter how
// slow — or absent — the reader on out is. The Scheduler's run goroutine
// must never block on a log publish, per the run loop's fail-fast/always-
// finalize contract: a blocked emit would mean __END__ is never published
// and the run never finalizes.
type stream struct {
	in  chan store.LogEvent
	out chan store.LogEvent
}

func newStream() *stream {
	s := &stream{
		in:  make(chan store.LogEvent),
		out: make(chan store.LogEvent),
	}
	go s.pump()
	return s
}

// pump is the sole goroutine moving events from in to out. While in is open,
// receiving from it is always one of the pump's live select cases, so a
// sender on in is accepted essentially immediately regardless of whether
// anything is reading out. Once in is closed, pump drains whatever is left
// in its queue to out, giving up after drainGrace if nothing reads it.
func (s *stream) pump() {
	var queue []store.LogEvent
	in := s.in

	for {
		if in == nil {
			if len(queue) == 0 {
				close(s.out)
				return
			}
			select {
			case s.out <- queue[0]:
				queue = queue[1:]
			case <-time.After(drainGrace):
				close(s.out)
				return
			}
			continue
		}

		if len(queue) == 0 {
			ev, ok := <-in
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, ev)
			continue
		}

		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, ev)
		case s.out <- queue[0]:
			queue = queue[1:]
		}
	}
}

// Hub is a registry of run_id -> stream.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*stream
}

// New constructs an empty Hub.
func New() *Hub {
	return &Hub{streams: make(map[string]*stream)}
}

// Open creates and registers a new unbounded pipe for runID, replacing any
// prior one under the same id, and returns its writer-facing channel — the
// Scheduler's run task is its sole writer and the only caller expected to
// close it, once it has sent the final (__END__) event.
func (h *Hub) Open(runID string) chan store.LogEvent {
	s := newStream()
	h.mu.Lock()
	h.streams[runID] = s
	h.mu.Unlock()
	return s.in
}

func (h *Hub) lookupStream(runID string) (*stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[runID]
	return s, ok
}

// Lookup returns the reader-facing channel for runID, if one is registered.
// A missing entry means either the run already completed and was closed, or
// its subscriber disconnected and removed it.
func (h *Hub) Lookup(runID string) (chan store.LogEvent, bool) {
	s, ok := h.lookupStream(runID)
	if !ok {
		return nil, false
	}
	return s.out, true
}

// Close removes runID's stream from the registry. It does not close or stop
// the underlying pump — the run task, as sole writer, is responsible for
// closing its side after publishing EndSentinel — so a concurrent Close
// (subscriber disconnect) can never race a send on a closed channel.
func (h *Hub) Close(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams, runID)
}

// Publish delivers event on runID's stream, if still registered, through the
// same writer-facing side Open returns — so it shares the same no-block
// guarantee as a direct send on the Scheduler's own channel.
func (h *Hub) Publish(runID string, event store.LogEvent) {
	s, ok := h.lookupStream(runID)
	if !ok {
		return
	}
	s.in <- event
}
