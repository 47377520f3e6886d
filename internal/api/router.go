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
	"log/slog"
	"net/http"
	"time"

	"github.com/weavegraph/weavegraph/internal/store"
	"github.com/weavegraph/weavegraph/internal/streamhub"
)

// Runner is the subset of engine.Scheduler the router depends on. Declared
// locally so api never imports engine directly.
type Runner interface {
	StartRun(workflowID string, input any) (runID string, err error)
	StartTestRun(workflowID string, input any) (runID string, err error)
}

// WebhookIngress is the subset of webhook.Ingress the router mounts.
type WebhookIngress interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Router is the daemon's HTTP façade.
type Router struct {
	store   store.Store
	runner  Runner
	hub     *streamhub.Hub
	ingress WebhookIngress
	logger  *slog.Logger
	mux     *http.ServeMux
	auth    *bearerAuth
	metrics *metrics
}

// NewRouter builds the full HTTP surface: workflow CRUD, run/test
// submission, historical run inspection, SSE log streaming, the webhook
// registry, and the webhook ingress catch-all. jwtSecret, if non-empty,
// gates every route except /healthz, /metrics, and the webhook ingress
// itself (external callers delivering a webhook have no way to carry one of
// our bearer tokens).
func NewRouter(st store.Store, runner Runner, hub *streamhub.Hub, ingress WebhookIngress, logger *slog.Logger, jwtSecret string) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Router{
		store:   st,
		runner:  runner,
		hub:     hub,
		ingress: ingress,
		logger:  logger,
		mux:     http.NewServeMux(),
		auth:    newBearerAuth(jwtSecret),
		metrics: newMetrics(),
	}
	rt.routes()
	return rt
}

func (rt *Router) routes() {
	rt.mux.HandleFunc("GET /healthz", rt.handleHealthz)
	rt.mux.Handle("GET /metrics", rt.metrics.handler())

	rt.protected("POST /api/workflows", rt.handleSaveWorkflow)
	rt.protected("POST /api/workflows/import_single", rt.handleSaveWorkflow)
	rt.protected("GET /api/workflows", rt.handleListWorkflows)
	rt.protected("GET /api/workflows/{id}", rt.handleGetWorkflow)
	rt.protected("POST /api/workflows/{id}/run", rt.handleRun)
	rt.protected("POST /api/workflows/{id}/test", rt.handleTest)
	rt.protected("POST /api/workflows/{id}/toggle_active", rt.handleToggleActive)
	rt.protected("GET /api/workflows/{id}/runs", rt.handleListRuns)
	rt.protected("GET /api/workflows/{id}/runs/{run_id}", rt.handleGetRun)
	rt.protected("GET /api/workflows/{id}/runs/{run_id}/stream", rt.handleStreamRun)

	rt.protected("POST /api/webhooks/register", rt.handleRegisterWebhook)
	rt.protected("GET /api/webhooks/registry", rt.handleWebhookRegistry)
	rt.protected("GET /api/webhooks/{segment}/payloads", rt.handleListPayloads)
	rt.protected("DELETE /api/webhooks/{segment}/payloads", rt.handleClearPayloads)

	// Mounted last and deliberately left outside the bearer-token guard:
	// the ingress catch-all handles every other /api/webhooks/ path,
	// including the multi-segment ones the routes above don't match
	// (ServeMux picks the most specific pattern first), and its callers
	// are external services that have no way to carry our tokens.
	rt.ingress.RegisterRoutes(rt.mux)
}

func (rt *Router) protected(pattern string, handler http.HandlerFunc) {
	rt.mux.Handle(pattern, rt.auth.wrap(handler))
}

// ServeHTTP wraps every request in access logging, timing its handling the
// way a request-scoped middleware chain would without depending on a
// correlation-id extractor this daemon doesn't have.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	rt.mux.ServeHTTP(sw, r)
	duration := time.Since(start)
	rt.metrics.observeRequest(r.Method, r.URL.Path, sw.status, duration)
	rt.logger.Debug("request handled", "method", r.Method, "path", r.URL.Path, "status", sw.status, "duration", duration)
}

// statusWriter captures the status code a handler wrote, for the metrics
// middleware — http.ResponseWriter itself exposes no way to read it back.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush lets the SSE handler's http.Flusher type assertion keep working
// through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rt *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
