package entries

import (
	"context"
	"errors"
	"strings"

	"github.com/nugget/n8n-bridge/internal/config"
)

// Flow result types.
const (
	ResultForm        = "form"
	ResultCreateEntry = "create_entry"
)

// StepUser is the only step of the setup flow.
const StepUser = "user"

// Error keys reported in [FlowResult.Errors].
const (
	ErrorNameExists = "name_exists"
	ErrorRequired   = "required"
)

// UserInput is the submitted setup form.
type UserInput struct {
	Name       string `json:"name"`
	WebhookURL string `json:"webhook_url"`
}

// Field describes one form field.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  string `json:"default,omitempty"`
}

// FlowResult is what the setup flow returns for one step: either a form
// to (re)display or a created entry.
type FlowResult struct {
	Type       string            `json:"type"`
	StepID     string            `json:"step_id"`
	DataSchema []Field           `json:"data_schema,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`
	Title      string            `json:"title,omitempty"`
	Entry      *Entry            `json:"result,omitempty"`
	// SetupError is set when the entry was created but could not be set up.
	SetupError string `json:"setup_error,omitempty"`
}

// Flow drives the interactive setup of a new entry.
type Flow struct {
	manager    *Manager
	defaultURL string
}

// NewFlow creates a setup flow. defaultURL pre-fills the webhook field;
// empty uses the built-in default.
func NewFlow(m *Manager, defaultURL string) *Flow {
	if defaultURL == "" {
		defaultURL = config.DefaultWebhookURL
	}
	return &Flow{manager: m, defaultURL: defaultURL}
}

// StepUser handles the user step. A nil input returns the empty form.
// A name already in use re-displays the form with a name_exists error.
// Otherwise the entry is created and set up.
func (f *Flow) StepUser(ctx context.Context, in *UserInput) (FlowResult, error) {
	if in == nil {
		return f.form(nil), nil
	}
	if err := ctx.Err(); err != nil {
		return FlowResult{}, err
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return f.form(map[string]string{"name": ErrorRequired}), nil
	}

	exists, err := f.manager.store.NameExists(name)
	if err != nil {
		return FlowResult{}, err
	}
	if exists {
		return f.form(map[string]string{"base": ErrorNameExists}), nil
	}

	e, err := f.manager.Create(name, strings.TrimSpace(in.WebhookURL))
	if errors.Is(err, ErrNameExists) {
		return f.form(map[string]string{"base": ErrorNameExists}), nil
	}
	if e == nil {
		return FlowResult{}, err
	}

	res := FlowResult{
		Type:   ResultCreateEntry,
		StepID: StepUser,
		Title:  e.Name,
		Entry:  e,
	}
	if err != nil {
		res.SetupError = err.Error()
	}
	return res, nil
}

func (f *Flow) form(errs map[string]string) FlowResult {
	return FlowResult{
		Type:   ResultForm,
		StepID: StepUser,
		DataSchema: []Field{
			{Name: "name", Type: "string", Required: true, Default: config.DefaultEntryName},
			{Name: "webhook_url", Type: "string", Required: true, Default: f.defaultURL},
		},
		Errors: errs,
	}
}
