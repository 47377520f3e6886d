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

// Package api is the public HTTP façade: workflow CRUD, run/test
// submission, historical run inspection, SSE log streaming, and webhook
// registry management. It is a thin layer over Store, engine.Scheduler, and
// streamhub.Hub — no business logic lives here.
package api

import (
	"encoding/json"
	"net/http"

	weaveerrors "github.com/weavegraph/weavegraph/pkg/errors"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

// mustMarshal renders v as JSON for the SSE wire format. LogEvent always
// marshals cleanly, so a failure here would mean a programmer error, not a
// runtime condition worth propagating to the caller.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"marshal failed"}`)
	}
	return b
}

// statusForErrorType maps an ErrorClassifier's ErrorType() to an HTTP status.
// A type this table doesn't know about falls through to 500 in writeErr, so
// adding a new error type to pkg/errors never requires touching this table
// unless it needs a sharper status than "internal error".
var statusForErrorType = map[string]int{
	"validation":     http.StatusBadRequest,
	"not_found":      http.StatusNotFound,
	"authentication": http.StatusUnauthorized,
	"transport":      http.StatusBadGateway,
	"provider":       http.StatusBadGateway,
	"config":         http.StatusInternalServerError,
	"timeout":        http.StatusGatewayTimeout,
	"aborted":        http.StatusConflict,
	"sandbox":        http.StatusInternalServerError,
	"scheduler":      http.StatusInternalServerError,
}

// writeErr maps an error from a domain package to a status code and body.
// Status comes from ErrorClassifier.ErrorType() when the error implements
// it, defaulting to 500 otherwise. The response body is the error's own
// message only when it also implements UserVisibleError and reports
// IsUserVisible() true; anything else gets a generic body so an internal
// detail (a sandbox stack trace, a scheduler invariant) never reaches the
// caller.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if classified, ok := err.(weaveerrors.ErrorClassifier); ok {
		if s, ok := statusForErrorType[classified.ErrorType()]; ok {
			status = s
		}
	}

	message := "internal error"
	if visible, ok := err.(weaveerrors.UserVisibleError); ok && visible.IsUserVisible() {
		message = visible.UserMessage()
	}

	writeError(w, status, message)
}
