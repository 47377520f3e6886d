package api

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	weaveerrors "github.com/weavegraph/weavegraph/pkg/errors"
)

func TestWriteErr_StatusFromErrorType(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", &weaveerrors.ValidationError{Message: "bad"}, 400},
		{"not found", &weaveerrors.NotFoundError{Resource: "run", ID: "r1"}, 404},
		{"authentication", &weaveerrors.AuthenticationError{Provider: "anthropic"}, 401},
		{"timeout", &weaveerrors.TimeoutError{Operation: "code"}, 504},
		{"aborted", &weaveerrors.AbortedError{RunID: "r1"}, 409},
		{"unclassified", errors.New("boom"), 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeErr(w, tt.err)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestWriteErr_HidesMessageForNonUserVisibleErrors(t *testing.T) {
	w := httptest.NewRecorder()
	writeErr(w, &weaveerrors.SandboxError{Reason: "stack trace with internal paths"})

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body["detail"])
}

func TestWriteErr_SurfacesMessageForUserVisibleErrors(t *testing.T) {
	w := httptest.NewRecorder()
	writeErr(w, &weaveerrors.ValidationError{Field: "name", Message: "required"})

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body["detail"], "name")
}
