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

package errors

// UserVisibleError defines errors that should be displayed to end users
// with user-friendly messages and actionable suggestions.
//
// The error types in this package implement this interface selectively:
// a failure an operator can act on (bad input, a missing workflow, a
// rejected credential) implements it and reports IsUserVisible() true, while
// one that only makes sense to someone reading server logs (a sandbox crash,
// a scheduler invariant violation) does not implement it at all. internal/api's writeErr uses this to
// decide whether an error's own message reaches the HTTP response body.
type UserVisibleError interface {
	error

	// IsUserVisible returns true if this error should be shown to users.
	// Internal errors or debugging details should return false.
	IsUserVisible() bool

	// UserMessage returns a user-friendly error message.
	// This should avoid technical jargon and implementation details.
	UserMessage() string

	// Suggestion returns actionable guidance for resolving the error.
	// Returns empty string if no suggestion is available.
	Suggestion() string
}

// ErrorClassifier defines methods for programmatic error handling.
// Errors that implement this interface can be classified by type
// for retry logic, error reporting, or specific handling paths.
//
// internal/api's writeErr dispatches on ErrorType() to pick an HTTP status
// instead of a closed type-switch, so a new error type in this package
// gets a status the moment it implements this interface.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "validation", "not_found", "timeout", "provider"
	ErrorType() string

	// IsRetryable returns true if the operation should be retried.
	IsRetryable() bool
}
