package main

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/n8n-bridge/internal/agent"
	"github.com/nugget/n8n-bridge/internal/buildinfo"
	"github.com/nugget/n8n-bridge/internal/events"
	"github.com/nugget/n8n-bridge/internal/scheduler"
	"github.com/nugget/n8n-bridge/internal/session"
)

// activityTracker remembers when the last webhook call finished by
// watching the event bus.
type activityTracker struct {
	ch    <-chan events.Event
	unsub func()

	mu   sync.Mutex
	last time.Time
}

func newActivityTracker(bus *events.Bus) *activityTracker {
	ch := bus.Subscribe(64)
	return &activityTracker{
		ch:    ch,
		unsub: func() { bus.Unsubscribe(ch) },
	}
}

// Run consumes events until ctx is done.
func (t *activityTracker) Run(ctx context.Context) {
	defer t.unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-t.ch:
			if !ok {
				return
			}
			t.observe(e)
		}
	}
}

func (t *activityTracker) observe(e events.Event) {
	if e.Source != events.SourceAgent {
		return
	}
	if e.Kind != events.KindRequestComplete && e.Kind != events.KindRequestFailed {
		return
	}
	t.mu.Lock()
	if e.Timestamp.After(t.last) {
		t.last = e.Timestamp
	}
	t.mu.Unlock()
}

// Last returns the completion time of the most recent webhook call.
func (t *activityTracker) Last() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// statsAdapter bridges runtime components to the MQTT publisher's
// [mqtt.StatsSource] interface.
type statsAdapter struct {
	sessions  *session.Store
	scheduler *scheduler.Scheduler
	agents    *agent.Registry
	activity  *activityTracker
}

func (a *statsAdapter) Uptime() time.Duration      { return buildinfo.Uptime() }
func (a *statsAdapter) Version() string            { return buildinfo.Version }
func (a *statsAdapter) ActiveSessions() int        { return a.sessions.Len() }
func (a *statsAdapter) PendingTimers() int         { return a.scheduler.Len() }
func (a *statsAdapter) LoadedAgents() int          { return a.agents.Len() }
func (a *statsAdapter) LastRequestTime() time.Time { return a.activity.Last() }
