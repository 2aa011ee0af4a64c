// Package events carries request lifecycle events from the orchestrator to
// pluggable sinks.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	ids "github.com/JakeFAU/render-proxy/internal/id/uuid"
)

// State is a request lifecycle state. Only terminal states are emitted.
type State string

// Request lifecycle states.
const (
	StateReceived         State = "RECEIVED"
	StateGuardPrecheck    State = "GUARD_PRECHECK"
	StateRendering        State = "RENDERING"
	StateGuardPostcheck   State = "GUARD_POSTCHECK"
	StateRewriting        State = "REWRITING"
	StateResponding       State = "RESPONDING"
	StateRejectedInput    State = "REJECTED_INPUT"
	StateRejectedResolved State = "REJECTED_RESOLVED"
	StateRenderFailed     State = "RENDER_FAILED"
	StateOverloaded       State = "OVERLOADED"
	StateOK               State = "OK"
)

// Terminal reports whether s ends a request.
func (s State) Terminal() bool {
	switch s {
	case StateRejectedInput, StateRejectedResolved, StateRenderFailed, StateOverloaded, StateOK:
		return true
	default:
		return false
	}
}

// Event records how one proxied request ended.
type Event struct {
	ID        uuid.UUID     `json:"id"`
	RequestID string        `json:"request_id"`
	TS        time.Time     `json:"ts"`
	State     State         `json:"state"`
	Site      string        `json:"site,omitempty"`
	URL       string        `json:"url,omitempty"`
	Status    int           `json:"status"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"duration_ns"`
	// Rejection marks guard rejections; these are audited.
	Rejection bool `json:"rejection,omitempty"`
	// Note holds low-volume detail such as an error message. It may name
	// internal hosts and must not reach clients.
	Note string `json:"note,omitempty"`
}

// New stamps a terminal event with a fresh ID and the current UTC time.
func New(requestID string, state State) Event {
	return Event{
		ID:        ids.NewRaw(),
		RequestID: requestID,
		TS:        time.Now().UTC(),
		State:     state,
	}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ID == uuid.Nil {
		return errors.New("event id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if !e.State.Terminal() {
		return fmt.Errorf("state %q is not terminal", e.State)
	}
	if e.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
