package entries

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no entry matches.
	ErrNotFound = errors.New("config entry not found")
	// ErrNameExists is returned when an entry name is already taken.
	ErrNameExists = errors.New("config entry name already exists")
	// ErrMissingWebhookURL is the cause of a [ConfigurationError] for an
	// entry with an empty webhook URL.
	ErrMissingWebhookURL = errors.New("missing webhook URL")
)

// ConfigurationError reports that an entry cannot be set up. It is
// fatal to that entry only; other entries keep running.
type ConfigurationError struct {
	EntryID string
	Name    string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config entry %q (%s): %v", e.Name, e.EntryID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
