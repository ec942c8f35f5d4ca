// Package models defines the core data structures for PulsePipe.
//
// It includes the notification dispatch types (events, flows, templates, preferences,
// delivery logs), the workflow escalation types and the stream ingestion types shared
// across modules, together with the sentinel errors and API response shapes.
package models

import (
	"errors"
	"fmt"
)

// Error variables for better error handling and testability
var (
	// ErrValidation marks a request that failed input validation. Callers should
	// wrap it so errors.Is can map it to a 4xx response.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a lookup that found no row (unknown stream, workflow, execution).
	ErrNotFound = errors.New("not found")
	// ErrStreamInactive is returned when ingesting into a stream that is not active.
	ErrStreamInactive = errors.New("stream is not active")
	// ErrUnsupportedEmailEvent is reported by the email channel for event types with no route.
	ErrUnsupportedEmailEvent = errors.New("unsupported email event type")
	// ErrUnknownAction is returned by the workflow processor for an unrecognised action.
	ErrUnknownAction = errors.New("unknown action")
)

// ValidationError wraps ErrValidation with a human readable message.
func ValidationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundError wraps ErrNotFound with the kind and id of the missing record.
func NotFoundError(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// User is the identity record consulted by channel adapters to resolve contact details.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Validate checks that the user has an id.
func (u *User) Validate() error {
	if u.ID == "" {
		return ValidationError("id is required")
	}
	return nil
}

// ErrorResponse is the body written for every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Failure builds an ErrorResponse.
func Failure(message string) ErrorResponse {
	return ErrorResponse{Success: false, Error: message}
}

// DataResponse wraps list/get results of the administrative endpoints.
type DataResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

// Success builds a DataResponse.
func Success(data interface{}) DataResponse {
	return DataResponse{Success: true, Data: data}
}
