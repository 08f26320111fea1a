package trigger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skein-dev/skein/internal/types"
)

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	Store   *Store
	Spawner types.Spawner
	// TickInterval is how often due triggers are evaluated (default: 1 minute)
	TickInterval time.Duration
	// CrashBackoff is how long the loop pauses after a tick panic (default: 5s)
	CrashBackoff time.Duration
	// Now is the clock source, injectable for tests (default: time.Now)
	Now func() time.Time
}

// schedEntry is one parsed schedule condition of a trigger
type schedEntry struct {
	trigger  *Trigger
	schedule cron.Schedule
	next     time.Time
}

// Scheduler evaluates cron-style schedules for all registered triggers
// and invokes the matching trigger's action when due. The scheduler is
// the only writer of its entry map; registry changes arrive over the
// store's subscription channel and are applied inside the loop.
type Scheduler struct {
	store        *Store
	spawner      types.Spawner
	tickInterval time.Duration
	crashBackoff time.Duration
	now          func() time.Time

	mu      sync.RWMutex // guards entries for Status() readers
	entries map[string][]*schedEntry

	stopCh  chan struct{}
	doneCh  chan struct{}
	runMu   sync.Mutex
	running bool
}

// NewScheduler creates a scheduler over the given trigger store
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Spawner == nil {
		return nil, fmt.Errorf("spawner is required")
	}

	tick := cfg.TickInterval
	if tick == 0 {
		tick = time.Minute
	}
	backoff := cfg.CrashBackoff
	if backoff == 0 {
		backoff = 5 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		store:        cfg.Store,
		spawner:      cfg.Spawner,
		tickInterval: tick,
		crashBackoff: backoff,
		now:          now,
		entries:      make(map[string][]*schedEntry),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start rebuilds the schedule map and begins the tick loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.runMu.Unlock()

	s.rebuild()
	changes := s.store.Subscribe()

	go s.loop(ctx, changes)

	fmt.Printf("Scheduler: started (tick_interval=%v, triggers=%d)\n", s.tickInterval, s.entryCount())
	return nil
}

// Stop gracefully stops the tick loop
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.running = false
}

// ScheduledTrigger is a status snapshot entry
type ScheduledTrigger struct {
	ID   string
	Name string
	Next time.Time
}

// Status returns the currently scheduled triggers with their next
// occurrence, sorted by next fire time
func (s *Scheduler) Status() []ScheduledTrigger {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ScheduledTrigger
	for id, entries := range s.entries {
		for _, e := range entries {
			out = append(out, ScheduledTrigger{ID: id, Name: e.trigger.Name, Next: e.next})
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Next.Before(out[j-1].Next); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// loop is the long-lived scheduler goroutine. Each tick runs under its
// own error boundary: a panic is logged and followed by a short backoff
// rather than exiting the process.
func (s *Scheduler) loop(ctx context.Context, changes <-chan ChangeEvent) {
	defer close(s.doneCh)

	timer := time.NewTimer(s.tickInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return

		case ev := <-changes:
			s.applyChange(ev)

		case <-timer.C:
			interval := s.tickInterval
			if crashed := s.safeTick(ctx); crashed {
				interval = s.crashBackoff
			}
			timer.Reset(interval)
		}
	}
}

// safeTick runs one tick and reports whether it panicked
func (s *Scheduler) safeTick(ctx context.Context) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			fmt.Fprintf(os.Stderr, "Warning: scheduler tick panicked: %v (backing off %v)\n", r, s.crashBackoff)
		}
	}()
	s.fireDue(ctx)
	return false
}

// fireDue invokes every trigger whose next occurrence has arrived.
// One trigger's failure is logged and does not stop the others. The
// next occurrence is recomputed from the current tick time, not from
// the missed occurrence, so a stalled process never burst-fires a
// backlog of catch-up runs.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*schedEntry
	for _, entries := range s.entries {
		for _, e := range entries {
			if !e.next.After(now) {
				due = append(due, e)
			}
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e.trigger)

		s.mu.Lock()
		e.next = e.schedule.Next(now)
		s.mu.Unlock()
	}
}

// fire invokes one trigger's action under its own error boundary
func (s *Scheduler) fire(ctx context.Context, t *Trigger) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Warning: trigger %s action panicked: %v\n", t.ID, r)
		}
	}()

	storyID, err := s.spawner.Spawn(ctx, t.Action, t.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: trigger %s failed to spawn story: %v\n", t.ID, err)
		return
	}
	fmt.Printf("Scheduler: trigger %s spawned story %s\n", t.ID, storyID)
}

// rebuild reparses every schedule-type trigger in the registry
func (s *Scheduler) rebuild() {
	triggers := s.store.GetByTriggerType(ConditionSchedule)
	now := s.now()

	entries := make(map[string][]*schedEntry)
	for _, t := range triggers {
		parsed := s.parseEntries(t, now)
		if len(parsed) > 0 {
			entries[t.ID] = parsed
		}
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

// applyChange incrementally updates the entry map for one trigger
func (s *Scheduler) applyChange(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case ChangeRemoved:
		delete(s.entries, ev.ID)
	case ChangeAdded, ChangeUpdated:
		if ev.Trigger == nil || !ev.Trigger.HasType(ConditionSchedule) {
			delete(s.entries, ev.ID)
			return
		}
		parsed := s.parseEntries(ev.Trigger, s.now())
		if len(parsed) == 0 {
			delete(s.entries, ev.ID)
			return
		}
		s.entries[ev.ID] = parsed
	}
}

// parseEntries parses a trigger's schedule conditions. Invalid cron
// expressions are logged and excluded: that condition never fires, the
// scheduler keeps running.
func (s *Scheduler) parseEntries(t *Trigger, now time.Time) []*schedEntry {
	var entries []*schedEntry
	for i, c := range t.Conditions {
		if c.Type != ConditionSchedule {
			continue
		}
		schedule, err := cron.ParseStandard(c.Cron)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: trigger %s condition %d has invalid cron %q: %v\n", t.ID, i, c.Cron, err)
			continue
		}
		entries = append(entries, &schedEntry{
			trigger:  t,
			schedule: schedule,
			next:     schedule.Next(now),
		})
	}
	return entries
}

func (s *Scheduler) entryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, entries := range s.entries {
		n += len(entries)
	}
	return n
}
