// Package notify delivers user-visible notifications. The scheduler
// reports every set, extend, cancel, unknown action, and failed fire
// through a [Notifier].
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Notification is one user-visible message.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	// ID, when set, replaces an earlier notification with the same ID.
	ID string `json:"notification_id,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ServiceCaller invokes a host service. It is satisfied by the Home
// Assistant dispatcher.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data, target map[string]any) error
}

// HomeAssistant posts notifications as persistent notifications.
type HomeAssistant struct {
	caller ServiceCaller
}

// NewHomeAssistant returns a notifier backed by persistent_notification.create.
func NewHomeAssistant(caller ServiceCaller) *HomeAssistant {
	return &HomeAssistant{caller: caller}
}

// Notify implements [Notifier].
func (h *HomeAssistant) Notify(ctx context.Context, n Notification) error {
	data := map[string]any{
		"title":   n.Title,
		"message": n.Message,
	}
	if n.ID != "" {
		data["notification_id"] = n.ID
	}
	return h.caller.CallService(ctx, "persistent_notification", "create", data, nil)
}

// Log writes notifications to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a notifier that logs at info level.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Notify implements [Notifier].
func (l *Log) Notify(_ context.Context, n Notification) error {
	l.logger.Info("notification", "title", n.Title, "message", n.Message)
	return nil
}

// Multi fans a notification out to several notifiers. Every notifier is
// tried; the returned error joins the individual failures.
type Multi []Notifier

// Notify implements [Notifier].
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu  sync.Mutex
	got []Notification
}

// Notify implements [Notifier].
func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

// All returns a copy of every recorded notification.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}
