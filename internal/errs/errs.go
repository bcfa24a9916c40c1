// Package errs holds the error taxonomy shared by the pipeline, its
// collaborators, and the HTTP layer.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrNoCompletedScenes = errors.New("no completed scenes to assemble")
)

// ValidationError reports malformed or missing input at a stage boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ExternalServiceError wraps a failed call to a collaborator. Body is kept
// for operator diagnostics only.
type ExternalServiceError struct {
	Service    string
	StatusCode int
	Body       string
	Retryable  bool
	Err        error
}

func (e *ExternalServiceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Service)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " returned status %d", e.StatusCode)
	} else {
		b.WriteString(" request failed")
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(truncate(e.Body, 500))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// FromStatus builds an ExternalServiceError for a non-2xx response.
func FromStatus(service string, status int, body string) error {
	return &ExternalServiceError{
		Service:    service,
		StatusCode: status,
		Body:       body,
		Retryable:  IsRetryableStatus(status),
	}
}

// FromTransport builds an ExternalServiceError for a network-level failure.
func FromTransport(service string, err error) error {
	return &ExternalServiceError{
		Service:   service,
		Retryable: IsRetryableError(err),
		Err:       err,
	}
}

// InvalidScriptError reports a synthesized script that failed structural validation.
type InvalidScriptError struct {
	Reason string
	Err    error
}

func (e *InvalidScriptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid script: %s: %v", e.Reason, e.Err)
	}
	return "invalid script: " + e.Reason
}

func (e *InvalidScriptError) Unwrap() error { return e.Err }

// SceneGenerationError records why a single scene failed. It is contained to
// that scene and never aborts the pipeline.
type SceneGenerationError struct {
	SceneID  uuid.UUID
	Position int
	Reason   string
	Timeout  bool
	Err      error
}

func (e *SceneGenerationError) Error() string {
	msg := fmt.Sprintf("scene %d failed: %s", e.Position, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SceneGenerationError) Unwrap() error { return e.Err }

// AssemblyError reports the assembly step that failed.
type AssemblyError struct {
	Step string
	Err  error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assembly step %q failed: %v", e.Step, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// StateConflictError reports a compare-and-set transition that did not match
// the project's current status.
type StateConflictError struct {
	ProjectID uuid.UUID
	Expected  string
	Actual    string
}

func (e *StateConflictError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("project %s is not in status %s", e.ProjectID, e.Expected)
	}
	return fmt.Sprintf("project %s is %s, expected %s", e.ProjectID, e.Actual, e.Expected)
}

// IsRetryable reports whether err is a transient collaborator failure.
func IsRetryable(err error) bool {
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return ext.Retryable
	}
	return false
}

// Code maps an error to the operator-facing project error code.
func Code(err error) string {
	var (
		validation *ValidationError
		script     *InvalidScriptError
		external   *ExternalServiceError
		assembly   *AssemblyError
		conflict   *StateConflictError
	)
	switch {
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &script):
		return "invalid_script"
	case errors.As(err, &assembly):
		return "assembly"
	case errors.As(err, &external):
		return "external_service"
	case errors.As(err, &conflict):
		return "state_conflict"
	case errors.Is(err, ErrNoCompletedScenes):
		return "no_scenes_completed"
	}
	return "internal"
}

// IsRetryableError checks if a network-level error is worth retrying
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// IsRetryableStatus checks if an HTTP status code is worth retrying
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusInternalServerError || // 500
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
