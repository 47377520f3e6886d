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
	"encoding/json"
	"net/http"

	"github.com/weavegraph/weavegraph/internal/store"
	weaveerrors "github.com/weavegraph/weavegraph/pkg/errors"
)

// handleSaveWorkflow upserts a workflow from its full JSON body. Shared by
// both /api/workflows and /api/workflows/import_single: both accept a
// complete workflow document and differ only in the client's intent, not the
// server-side effect.
func (rt *Router) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf store.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow json: "+err.Error())
		return
	}

	saved, err := rt.store.SaveWorkflow(&wf)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (rt *Router) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.store.ListWorkflows())
}

func (rt *Router) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, ok := rt.store.GetWorkflow(id)
	if !ok {
		writeErr(w, &weaveerrors.NotFoundError{Resource: "workflow", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (rt *Router) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	input := decodeRunInput(r)

	runID, err := rt.runner.StartRun(id, input)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "workflow_id": id})
}

func (rt *Router) handleTest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	input := decodeRunInput(r)

	runID, err := rt.runner.StartTestRun(id, input)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "workflow_id": id})
}

// decodeRunInput reads an optional JSON body as the run's initial input. A
// missing or empty body simply means "no input", not an error — most
// trigger/input nodes tolerate nil.
func decodeRunInput(r *http.Request) any {
	if r.Body == nil {
		return nil
	}
	var input any
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		return nil
	}
	return input
}

func (rt *Router) handleToggleActive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}

	if err := rt.store.ToggleActive(id, body.Active); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_id": id, "active": body.Active})
}
