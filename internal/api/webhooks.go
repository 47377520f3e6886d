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
)

func (rt *Router) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkflowID string `json:"workflow_id"`
		NodeID     string `json:"node_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}
	if body.WorkflowID == "" || body.NodeID == "" {
		writeError(w, http.StatusBadRequest, "workflow_id and node_id are required")
		return
	}

	entry, err := rt.store.RegisterWebhook(body.WorkflowID, body.NodeID)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"webhook_url": entry.Path,
		"webhook_id":  entry.WebhookID,
		"workflow_id": entry.WorkflowID,
		"node_id":     entry.NodeID,
	})
}

func (rt *Router) handleWebhookRegistry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.store.ListWebhookRegistry())
}

func (rt *Router) handleListPayloads(w http.ResponseWriter, r *http.Request) {
	path := "/api/webhooks/" + r.PathValue("segment")
	payloads := rt.store.ListPayloads(path)
	if payloads == nil {
		payloads = []store.WebhookPayload{}
	}
	writeJSON(w, http.StatusOK, payloads)
}

func (rt *Router) handleClearPayloads(w http.ResponseWriter, r *http.Request) {
	path := "/api/webhooks/" + r.PathValue("segment")
	if err := rt.store.ClearPayloads(path); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}
