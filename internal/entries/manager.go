// Package entries manages config entries: one per configured
// conversation agent. An entry is created through the setup flow (or
// seeded from the config file), persisted in SQLite, and set up into a
// running [agent.Agent] registered with the agent registry.
package entries

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nugget/n8n-bridge/internal/agent"
	"github.com/nugget/n8n-bridge/internal/config"
	"github.com/nugget/n8n-bridge/internal/events"
	"github.com/nugget/n8n-bridge/internal/metrics"
	"github.com/nugget/n8n-bridge/internal/session"
)

// State is the lifecycle state of an entry.
type State string

const (
	StateLoaded     State = "loaded"
	StateSetupError State = "setup_error"
	StateNotLoaded  State = "not_loaded"
)

// Status pairs an entry with its runtime state.
type Status struct {
	*Entry
	State State  `json:"state"`
	Error string `json:"error,omitempty"`
}

// ManagerConfig holds the dependencies of a [Manager].
type ManagerConfig struct {
	Store    *Store
	Agents   *agent.Registry
	Sessions *session.Store
	Webhook  config.WebhookConfig
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Events   *events.Bus
}

// Manager sets up and unloads entries.
type Manager struct {
	store    *Store
	agents   *agent.Registry
	sessions *session.Store
	webhook  config.WebhookConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	events   *events.Bus

	mu     sync.Mutex
	states map[string]Status
}

// NewManager creates a manager. Store and Agents are required.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewStore(session.Options{Logger: cfg.Logger})
	}
	return &Manager{
		store:    cfg.Store,
		agents:   cfg.Agents,
		sessions: cfg.Sessions,
		webhook:  cfg.Webhook,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		events:   cfg.Events,
		states:   make(map[string]Status),
	}
}

// Store returns the underlying entry store.
func (m *Manager) Store() *Store { return m.store }

// Setup builds the agent for e and registers it. An empty webhook URL
// yields a *[ConfigurationError] and leaves nothing registered.
func (m *Manager) Setup(e *Entry) error {
	if e.WebhookURL == "" {
		err := &ConfigurationError{EntryID: e.ID, Name: e.Name, Err: ErrMissingWebhookURL}
		m.setState(e, StateSetupError, err)
		m.logger.Error("config entry setup failed",
			"entry_id", e.ID,
			"name", e.Name,
			"error", err,
		)
		return err
	}

	a := agent.New(agent.Options{
		ID:         e.ID,
		Name:       e.Name,
		WebhookURL: e.WebhookURL,
		Timeout:    m.webhook.Timeout,
		ReplyField: m.webhook.ReplyField,
		Sessions:   m.sessions,
		Logger:     m.logger,
		Metrics:    m.metrics,
		Events:     m.events,
	})
	m.agents.Set(e.ID, a)
	m.setState(e, StateLoaded, nil)

	m.logger.Info("config entry loaded", "entry_id", e.ID, "name", e.Name)
	m.events.Emit(events.SourceEntries, events.KindEntryAdded, map[string]any{
		"entry_id": e.ID,
		"name":     e.Name,
	})
	return nil
}

// Unload unregisters the agent for id. The persisted entry is kept.
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	st, ok := m.states[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unload %s: %w", id, ErrNotFound)
	}

	m.agents.Unset(id)
	m.setState(st.Entry, StateNotLoaded, nil)

	m.logger.Info("config entry unloaded", "entry_id", id, "name", st.Name)
	m.events.Emit(events.SourceEntries, events.KindEntryRemoved, map[string]any{
		"entry_id": id,
		"name":     st.Name,
	})
	return nil
}

// Remove unloads the entry and deletes it from the store.
func (m *Manager) Remove(id string) error {
	if err := m.Unload(id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := m.store.Delete(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()
	return nil
}

// Create persists a new entry and sets it up. The entry is returned even
// when setup fails; the setup error is returned alongside it.
func (m *Manager) Create(name, webhookURL string) (*Entry, error) {
	e, err := m.store.Create(name, webhookURL)
	if err != nil {
		return nil, err
	}
	return e, m.Setup(e)
}

// LoadAll sets up every stored entry. Entries that fail setup are
// logged and counted; they do not stop the others from loading.
func (m *Manager) LoadAll() (loaded, failed int, err error) {
	all, err := m.store.List()
	if err != nil {
		return 0, 0, err
	}
	for _, e := range all {
		if err := m.Setup(e); err != nil {
			failed++
			continue
		}
		loaded++
	}
	return loaded, failed, nil
}

// Seed creates entries from the config file whose names are not yet
// stored. Existing entries are left untouched. Seeded entries are
// persisted but not set up; call [Manager.LoadAll] afterwards.
func (m *Manager) Seed(seeds []config.EntryConfig) (int, error) {
	created := 0
	for _, s := range seeds {
		exists, err := m.store.NameExists(s.Name)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}
		if _, err := m.store.Create(s.Name, s.WebhookURL); err != nil {
			return created, fmt.Errorf("seed entry %q: %w", s.Name, err)
		}
		m.logger.Info("config entry seeded from config file", "name", s.Name)
		created++
	}
	return created, nil
}

// Statuses returns every known entry with its state, oldest first.
func (m *Manager) Statuses() ([]Status, error) {
	all, err := m.store.List()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(all))
	for _, e := range all {
		st, ok := m.states[e.ID]
		if !ok {
			st = Status{Entry: e, State: StateNotLoaded}
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Status returns the state of one entry.
func (m *Manager) Status(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	return st, ok
}

func (m *Manager) setState(e *Entry, state State, err error) {
	st := Status{Entry: e, State: state}
	if err != nil {
		st.Error = err.Error()
	}
	m.mu.Lock()
	m.states[e.ID] = st
	m.mu.Unlock()
}
