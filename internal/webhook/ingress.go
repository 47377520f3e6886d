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

package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/weavegraph/weavegraph/internal/store"
)

// RunStarter is the subset of the scheduler a registered or auto-registered
// webhook dispatch needs: start a new production run of a workflow with the
// delivered payload as its input.
type RunStarter interface {
	StartRun(workflowID string, input any) (runID string, err error)
}

// Store is the subset of store.Store the ingress handler depends on.
type Store interface {
	GetWebhookByPath(path string) (*store.WebhookRegistryEntry, bool)
	RegisterWebhook(workflowID, nodeID string) (*store.WebhookRegistryEntry, error)
	AppendPayload(path string, payload store.WebhookPayload) error
	GetWorkflow(id string) (*store.Workflow, bool)
}

// Ingress is the WebhookIngress handler: every inbound delivery to
// /api/webhooks/{segment} passes through Handle, regardless of whether the
// path is registered yet.
type Ingress struct {
	store      Store
	rendezvous *Table
	runner     RunStarter
	logger     *slog.Logger

	ratePerSecond float64
	burst         int
	limiters      sync.Map // path -> *rate.Limiter
}

// New constructs an Ingress. Rate limiting is off until WithRateLimit is
// called, since a bare daemon with no inbound traffic concerns shouldn't pay
// for a limiter it never needed.
func New(st Store, table *Table, runner RunStarter, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{store: st, rendezvous: table, runner: runner, logger: logger}
}

// WithRateLimit caps sustained inbound deliveries to perSecond per distinct
// webhook path, each with its own token bucket of size burst. A non-positive
// perSecond disables limiting (the default).
func (ing *Ingress) WithRateLimit(perSecond float64, burst int) *Ingress {
	ing.ratePerSecond = perSecond
	ing.burst = burst
	return ing
}

func (ing *Ingress) allow(path string) bool {
	if ing.ratePerSecond <= 0 {
		return true
	}
	v, _ := ing.limiters.LoadOrStore(path, rate.NewLimiter(rate.Limit(ing.ratePerSecond), ing.burst))
	return v.(*rate.Limiter).Allow()
}

// RegisterRoutes wires the catch-all webhook path into mux.
func (ing *Ingress) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/webhooks/", ing.Handle)
}

// Handle implements the ingress algorithm: parse the body, record it in the
// path's payload ring, then try test rendezvous, registered dispatch, and
// auto-registration in that order. A delivery that matches nothing still
// keeps its payload in the ring so a later registration can see history.
func (ing *Ingress) Handle(w http.ResponseWriter, r *http.Request) {
	segment := strings.TrimPrefix(r.URL.Path, "/api/webhooks/")
	segment = strings.Trim(segment, "/")
	if segment == "" {
		writeError(w, http.StatusBadRequest, "missing webhook path segment")
		return
	}
	fullPath := "/api/webhooks/" + segment

	if !ing.allow(fullPath) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded for this webhook path")
		return
	}

	data := parseBody(r)
	payload := store.WebhookPayload{
		Data:        data,
		Headers:     map[string][]string(r.Header),
		Method:      r.Method,
		QueryParams: map[string][]string(r.URL.Query()),
		Timestamp:   time.Now(),
	}

	if err := ing.store.AppendPayload(fullPath, payload); err != nil {
		ing.logger.Error("webhook: failed to record payload", "path", fullPath, "error", err)
	}

	// Test rendezvous priority: a run paused at this exact path wins over
	// any registered or auto-registration handling.
	if ing.rendezvous.Signal(fullPath, payload) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "test data received"})
		return
	}

	// Registered dispatch: the path has an explicit workflow_id/node_id
	// mapping on file, so start a production run in the background.
	if entry, ok := ing.store.GetWebhookByPath(fullPath); ok {
		go ing.dispatch(fullPath, entry, payload)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	// Auto-registration: only for segments shaped like wh_{workflow_id}_{node_id},
	// and only when that exact pair names a real workflow and a webhook-type
	// node within it. Unlike the heuristic this replaces, a segment that
	// merely looks right but doesn't resolve is refused rather than guessed at.
	if strings.HasPrefix(segment, "wh_") {
		if entry, ok := ing.autoRegister(segment); ok {
			go ing.dispatch(fullPath, entry, payload)
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": false})
}

// dispatch either signals a test run that started waiting on path after the
// ingress handler's own rendezvous check, or starts a fresh production run.
// The re-check closes the race between "no waiter yet" and "scheduler has
// since installed one" without needing a broader lock across both tables.
func (ing *Ingress) dispatch(path string, entry *store.WebhookRegistryEntry, payload store.WebhookPayload) {
	if ing.rendezvous.Signal(path, payload) {
		return
	}
	if _, err := ing.runner.StartRun(entry.WorkflowID, payload.Data); err != nil {
		ing.logger.Error("webhook: failed to start run", "workflow_id", entry.WorkflowID, "node_id", entry.NodeID, "error", err)
	}
}

// autoRegister derives a (workflow_id, node_id) pair from a wh_-prefixed
// segment. It splits at the first underscore, not the last: workflow ids are
// uuid.NewString() values and never contain one, but node ids are editor-
// assigned and commonly do (e.g. ReactFlow's "dndnode_3"), so splitting at
// the last underscore would cut a multi-part node id in half. It registers
// the pair only if the workflow exists and names a webhook-type node at
// that id.
func (ing *Ingress) autoRegister(segment string) (*store.WebhookRegistryEntry, bool) {
	rest := strings.TrimPrefix(segment, "wh_")
	idx := strings.Index(rest, "_")
	if idx <= 0 || idx >= len(rest)-1 {
		return nil, false
	}
	workflowID, nodeID := rest[:idx], rest[idx+1:]

	wf, ok := ing.store.GetWorkflow(workflowID)
	if !ok {
		return nil, false
	}
	node, ok := wf.NodeByID(nodeID)
	if !ok || !node.Type.IsWebhookTriggerType() {
		return nil, false
	}

	entry, err := ing.store.RegisterWebhook(workflowID, nodeID)
	if err != nil {
		ing.logger.Error("webhook: auto-registration failed", "workflow_id", workflowID, "node_id", nodeID, "error", err)
		return nil, false
	}
	return entry, true
}

// parseBody decodes the request body per the ingress contract: JSON first,
// then form-encoded, then raw bytes wrapped as {"raw": <decoded>}. A GET
// request has no body to speak of, so its query string stands in as the
// payload.
func parseBody(r *http.Request) any {
	if r.Method == http.MethodGet {
		return queryToMap(r.URL.Query())
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		return map[string]any{}
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed
	}

	if form, err := url.ParseQuery(string(body)); err == nil && len(form) > 0 {
		return queryToMap(form)
	}

	return map[string]any{"raw": string(body)}
}

func queryToMap(values url.Values) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = v
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
