// Package channel provides the pluggable delivery adapters used by the dispatcher:
// email, in-app, push, SMS and WhatsApp.
package channel

import (
	"context"
	"fmt"

	"github.com/camerpulse/pulsepipe/internal/models"
)

// Request is one rendered notification for one recipient on one flow.
type Request struct {
	Flow        models.Flow
	RecipientID string
	Subject     string
	Content     string
	Data        map[string]interface{}
}

// Result is the uniform adapter outcome. Error is set only when Success is false.
type Result struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// Adapter delivers a notification over one channel. Adapters report delivery
// problems through Result rather than an error so the dispatcher can log them per flow.
type Adapter interface {
	Send(ctx context.Context, req Request) Result
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, req Request) Result

// Send calls f.
func (f AdapterFunc) Send(ctx context.Context, req Request) Result {
	return f(ctx, req)
}

// Registry maps channels to their adapters.
type Registry map[models.Channel]Adapter

// Get returns the adapter for ch.
func (r Registry) Get(ch models.Channel) (Adapter, error) {
	a, ok := r[ch]
	if !ok || a == nil {
		return nil, fmt.Errorf("no adapter registered for channel %q", ch)
	}
	return a, nil
}

// Success builds a successful Result.
func Success(externalID string) Result {
	return Result{Success: true, ExternalID: externalID}
}

// Failure builds a failed Result.
func Failure(format string, args ...interface{}) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// FromError converts a provider error into a Result, reporting context
// deadline expiry as a timeout.
func FromError(ctx context.Context, err error) Result {
	if ctxErr := ctx.Err(); ctxErr == context.DeadlineExceeded {
		return Failure("adapter timed out: %v", err)
	}
	return Failure("%v", err)
}
