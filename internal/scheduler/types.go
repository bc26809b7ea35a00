// Package scheduler runs named one-shot timers that invoke a host
// service when they expire. A timer is set, extended, or cancelled by
// id; at most one timer per id is ever pending.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Action is a schedule_action verb.
type Action string

const (
	ActionSet    Action = "set"
	ActionExtend Action = "extend"
	ActionCancel Action = "cancel"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionSet, ActionExtend, ActionCancel:
		return true
	}
	return false
}

// Operation is the service call a timer makes when it fires. It is
// captured when the timer is scheduled and never modified afterwards.
type Operation struct {
	Domain  string         `json:"domain"`
	Service string         `json:"service"`
	Target  map[string]any `json:"target,omitempty"`
	Data    map[string]any `json:"data"`
}

// String returns the operation in "domain.service" form.
func (o Operation) String() string {
	return o.Domain + "." + o.Service
}

// ParseService splits "domain.service". Both halves must be non-empty
// and there must be exactly one dot.
func ParseService(s string) (domain, service string, err error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("service %q must be in domain.service form", s)
	}
	return parts[0], parts[1], nil
}

// Entry is a pending timer.
type Entry struct {
	TimerID   string    `json:"timer_id"`
	FireAt    time.Time `json:"fire_at"`
	Operation Operation `json:"operation"`
	// Generation increases every time the id is (re)scheduled. A queued
	// expiry whose generation differs from the live entry is stale.
	Generation uint64    `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
	// Firing is true while the entry's service call is in flight.
	Firing bool `json:"firing"`
}

// Request is one schedule_action call.
type Request struct {
	TimerID   string
	Action    Action
	Delay     time.Duration
	Operation Operation
}

// ServiceCaller invokes the host service a timer names.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data, target map[string]any) error
}

// UnknownActionError is returned by [Scheduler.Schedule] for an action
// outside set, extend, and cancel. No timer state is changed.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown timer action %q", e.Action)
}
