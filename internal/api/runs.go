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

package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/weavegraph/weavegraph/internal/store"
	weaveerrors "github.com/weavegraph/weavegraph/pkg/errors"
)

func (rt *Router) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	includeArchived := r.URL.Query().Get("include_archived") == "true"

	runs, err := rt.store.ListRuns(id, limit, includeArchived)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (rt *Router) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	runID := r.PathValue("run_id")
	includeArchived := r.URL.Query().Get("include_archived") == "true"

	run, err := rt.store.GetRun(id, runID, includeArchived)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleStreamRun serves a run's live log events as SSE. It looks the
// channel up once, replays nothing (a run's historical logs are available
// via handleGetRun once it finishes) and streams events as the Scheduler
// emits them until the __END__ sentinel or client disconnect.
//
// Unlike a subscribe/unsubscribe registry, streamhub.Hub holds exactly one
// channel per run with no fan-out, so disconnect here is reported by
// deleting the hub entry outright — the run task's next Lookup then finds
// nothing and aborts the run, exactly as Lookup failing mid-step is meant to
// detect.
func (rt *Router) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	ch, ok := rt.hub.Lookup(runID)
	if !ok {
		writeErr(w, &weaveerrors.NotFoundError{Resource: "run stream", ID: runID})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, event); err != nil {
				rt.logger.Warn("stream: write failed, disconnecting", "run_id", runID, "error", err)
				rt.hub.Close(runID)
				return
			}
			flusher.Flush()
			if event.IsEndSentinel() {
				return
			}
		case <-r.Context().Done():
			rt.hub.Close(runID)
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event store.LogEvent) error {
	_, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", mustMarshal(event))
	return err
}
