package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/n8n-bridge/internal/config"
	"github.com/nugget/n8n-bridge/internal/events"
	"github.com/nugget/n8n-bridge/internal/metrics"
	"github.com/nugget/n8n-bridge/internal/notify"
)

// NotificationTitle is the title of every scheduler notification.
const NotificationTitle = "Schedule Action"

// ErrAlreadyRunning is returned by [Scheduler.Run] when called twice.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Config holds the dependencies of a [Scheduler].
type Config struct {
	Caller   ServiceCaller
	Notifier notify.Notifier
	// FireTimeout bounds each service call made on expiry.
	FireTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Events      *events.Bus
}

// Scheduler owns the timer table and the queue that drives expiries.
// Schedule may be called before or while Run is active; timers only
// fire while Run is active.
type Scheduler struct {
	caller      ServiceCaller
	notifier    notify.Notifier
	fireTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	events      *events.Bus

	mu         sync.Mutex
	entries    map[string]*Entry
	queue      timerQueue
	generation uint64
	running    bool

	wake chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLog(cfg.Logger)
	}
	if cfg.FireTimeout <= 0 {
		cfg.FireTimeout = config.DefaultFireTimeout
	}
	return &Scheduler{
		caller:      cfg.Caller,
		notifier:    cfg.Notifier,
		fireTimeout: cfg.FireTimeout,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		events:      cfg.Events,
		entries:     make(map[string]*Entry),
		wake:        make(chan struct{}, 1),
		now:         time.Now,
	}
}

// Schedule applies one set, extend, or cancel request and returns the
// notification text it produced. The same text is also sent to the
// notifier. An unknown action returns *[UnknownActionError] and leaves
// every timer untouched.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (string, error) {
	switch req.Action {
	case ActionCancel:
		s.metrics.TimerAction(string(req.Action))
		msg := s.cancel(req.TimerID)
		s.notify(ctx, msg)
		return msg, nil

	case ActionSet, ActionExtend:
		s.metrics.TimerAction(string(req.Action))
		msg := s.install(req)
		s.notify(ctx, msg)
		return msg, nil

	default:
		s.metrics.TimerAction("unknown")
		err := &UnknownActionError{Action: string(req.Action)}
		s.logger.Warn("unknown timer action", "timer_id", req.TimerID, "action", req.Action)
		msg := fmt.Sprintf("Unknown action %s.", req.Action)
		s.notify(ctx, msg)
		return msg, err
	}
}

// install creates or replaces the entry for req.TimerID. Any previous
// entry is retired by the generation bump, including one whose service
// call is in flight.
func (s *Scheduler) install(req Request) string {
	if req.Delay < 0 {
		req.Delay = 0
	}

	s.mu.Lock()
	now := s.now()
	prev, existed := s.entries[req.TimerID]
	wasFiring := existed && prev.Firing
	s.generation++
	e := &Entry{
		TimerID:    req.TimerID,
		FireAt:     now.Add(req.Delay),
		Operation:  req.Operation,
		Generation: s.generation,
		CreatedAt:  now,
	}
	s.entries[req.TimerID] = e
	heap.Push(&s.queue, queueItem{fireAt: e.FireAt, timerID: e.TimerID, generation: e.Generation})
	s.compactLocked()
	pending := len(s.entries)
	s.mu.Unlock()

	s.signal()
	s.metrics.SetPendingTimers(pending)

	extended := req.Action == ActionExtend && existed
	kind := events.KindTimerSet
	if extended {
		kind = events.KindTimerExtended
	}
	s.logger.Info("timer scheduled",
		"timer_id", req.TimerID,
		"action", req.Action,
		"service", req.Operation.String(),
		"delay", req.Delay,
		"replaced", existed,
	)
	if wasFiring {
		s.logger.Debug("timer rescheduled during fire", "timer_id", req.TimerID)
	}
	s.events.Emit(events.SourceScheduler, kind, map[string]any{
		"timer_id": req.TimerID,
		"service":  req.Operation.String(),
		"delay_s":  req.Delay.Seconds(),
	})

	if extended {
		return fmt.Sprintf("Timer %s extended, now firing in %s seconds.", req.TimerID, formatSeconds(req.Delay))
	}
	return fmt.Sprintf("Timer %s set for %s seconds.", req.TimerID, formatSeconds(req.Delay))
}

// cancel removes the entry for id. Its queued expiry becomes stale.
func (s *Scheduler) cancel(id string) string {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	pending := len(s.entries)
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("cancel for absent timer", "timer_id", id)
		return fmt.Sprintf("Timer %s: nothing to cancel.", id)
	}

	s.metrics.SetPendingTimers(pending)
	s.logger.Info("timer cancelled", "timer_id", id)
	s.events.Emit(events.SourceScheduler, events.KindTimerCancelled, map[string]any{
		"timer_id": id,
	})
	return fmt.Sprintf("Timer %s cancelled.", id)
}

// Run drives expiries until ctx is cancelled, then waits for in-flight
// service calls to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Debug("scheduler started")
	defer func() {
		s.wg.Wait()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.logger.Debug("scheduler stopped")
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, wait := s.collectDue()
		for _, e := range due {
			s.wg.Add(1)
			go s.fire(ctx, e)
		}

		var timerC <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timerC:
		}
		timer.Stop()
	}
}

// collectDue pops every expired queue item, marks live entries as
// firing, and returns copies of them along with the wait until the next
// expiry (-1 when the queue is empty).
func (s *Scheduler) collectDue() ([]Entry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []Entry
	for {
		it, ok := s.queue.peek()
		if !ok || it.fireAt.After(now) {
			break
		}
		heap.Pop(&s.queue)

		e, ok := s.entries[it.timerID]
		if !ok || e.Generation != it.generation || e.Firing {
			s.metrics.TimerFired(metrics.OutcomeStale)
			continue
		}
		e.Firing = true
		due = append(due, *e)
	}

	it, ok := s.queue.peek()
	if !ok {
		return due, -1
	}
	wait := it.fireAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return due, wait
}

// fire invokes the entry's service call. Failures are logged and
// reported but never propagate. The entry is removed afterwards unless
// it was rescheduled or cancelled while the call was in flight.
func (s *Scheduler) fire(ctx context.Context, e Entry) {
	defer s.wg.Done()

	op := e.Operation
	s.logger.Info("timer fired", "timer_id", e.TimerID, "service", op.String())
	s.events.Emit(events.SourceScheduler, events.KindTimerFired, map[string]any{
		"timer_id": e.TimerID,
		"service":  op.String(),
	})

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fireTimeout)
	defer cancel()

	start := time.Now()
	err := s.call(callCtx, op)
	elapsed := time.Since(start)

	if err != nil {
		s.metrics.TimerFired(metrics.OutcomeError)
		s.logger.Error("scheduled service call failed",
			"timer_id", e.TimerID,
			"service", op.String(),
			"error", err,
			"elapsed", elapsed,
		)
		notifyCtx, cancelNotify := context.WithTimeout(context.WithoutCancel(ctx), s.fireTimeout)
		s.notify(notifyCtx, fmt.Sprintf("Error executing scheduled service: %v", err))
		cancelNotify()
	} else {
		s.metrics.TimerFired(metrics.OutcomeSuccess)
		s.logger.Info("scheduled service call completed",
			"timer_id", e.TimerID,
			"service", op.String(),
			"elapsed", elapsed,
		)
	}

	s.mu.Lock()
	if cur, ok := s.entries[e.TimerID]; ok && cur.Generation == e.Generation {
		delete(s.entries, e.TimerID)
	}
	pending := len(s.entries)
	s.mu.Unlock()
	s.metrics.SetPendingTimers(pending)

	s.events.Emit(events.SourceScheduler, events.KindTimerComplete, map[string]any{
		"timer_id":    e.TimerID,
		"service":     op.String(),
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	})
}

func (s *Scheduler) call(ctx context.Context, op Operation) (err error) {
	if s.caller == nil {
		return errors.New("no service caller configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service call panicked: %v", r)
		}
	}()
	data := op.Data
	if data == nil {
		data = map[string]any{}
	}
	return s.caller.CallService(ctx, op.Domain, op.Service, data, op.Target)
}

func (s *Scheduler) notify(ctx context.Context, msg string) {
	err := s.notifier.Notify(ctx, notify.Notification{Title: NotificationTitle, Message: msg})
	if err != nil {
		s.logger.Warn("notification failed", "message", msg, "error", err)
	}
}

// signal wakes the run loop so it recomputes the next expiry.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// compactLocked rebuilds the queue from live entries once stale items
// outnumber them. Caller holds s.mu.
func (s *Scheduler) compactLocked() {
	if len(s.queue) < 64 || len(s.queue) < 4*len(s.entries) {
		return
	}
	q := make(timerQueue, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Firing {
			continue
		}
		q = append(q, queueItem{fireAt: e.FireAt, timerID: e.TimerID, generation: e.Generation})
	}
	heap.Init(&q)
	s.queue = q
}

// Pending returns every live timer ordered by fire time.
func (s *Scheduler) Pending() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

// Get returns the live timer for id.
func (s *Scheduler) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of live timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// formatSeconds renders d as whole seconds when it is one, and as a
// decimal otherwise.
func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		return strconv.FormatInt(int64(d/time.Second), 10)
	}
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
