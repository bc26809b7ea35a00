package agent

import (
	"errors"
	"fmt"
)

// ErrAgentCall is matched by every webhook failure returned from
// [Agent.Process], whatever its underlying cause.
var ErrAgentCall = errors.New("agent call failed")

// CallError describes a failed webhook call. StatusCode is zero when the
// request never produced a response (transport error or timeout).
type CallError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *CallError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err == nil:
		return fmt.Sprintf("webhook %s returned %d: %s", e.URL, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("webhook %s returned %d: %v", e.URL, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("webhook %s: %v", e.URL, e.Err)
	}
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *CallError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAgentCall}
	}
	return []error{ErrAgentCall, e.Err}
}
