package loop

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tickhub/internal/eventbus"
	logx "tickhub/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	clock  Clock
	signal Signal

	reg registry

	// At most one outstanding timer. gen invalidates callbacks of timers that
	// fired concurrently with a Stop (or were replaced).
	timer Timer
	gen   uint64

	subscribed bool
	unsub      func()
	active     bool
	closed     bool

	// runMu serializes evaluation passes (ticks and catch-ups).
	runMu sync.Mutex

	ticks    uint64
	catchUps uint64
	fired    uint64
	panics   uint64
	lastTick time.Time

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

type Option func(*Service)

// WithClock replaces the wall clock (tests).
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSignal installs the activity signal. Without one the loop is always active.
func WithSignal(sig Signal) Option {
	return func(s *Service) { s.signal = sig }
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		clock:    systemClock{},
		reg:      newRegistry(),
		active:   true,
		limiters: map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply updates tick period and defaults. A new tick period takes effect at the
// next reschedule.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if prev != cfg {
		s.log.Info("loop config applied",
			logx.Duration("tick_period", cfg.TickPeriod),
			logx.Duration("default_spacing", cfg.DefaultSpacing),
			logx.Duration("default_interval", cfg.DefaultInterval),
		)
	}
}

type addOptions struct {
	name       string
	spacing    time.Duration
	spacingSet bool
	frozen     bool
}

type AddOption func(*addOptions)

// WithName attaches a human-readable label (logs, snapshots, events).
func WithName(name string) AddOption {
	return func(o *addOptions) { o.name = strings.TrimSpace(name) }
}

// WithSpacing sets the minimum time between two firings of the task.
func WithSpacing(d time.Duration) AddOption {
	return func(o *addOptions) {
		if d < 0 {
			d = 0
		}
		o.spacing = d
		o.spacingSet = true
	}
}

// StartFrozen registers the task in the frozen state.
func StartFrozen() AddOption {
	return func(o *addOptions) { o.frozen = true }
}

// AddRule registers a task that fires when pred reports due and the spacing
// (default Config.DefaultSpacing) has elapsed since its last run.
func (s *Service) AddRule(cb Callback, pred Predicate, opts ...AddOption) string {
	var o addOptions
	for _, fn := range opts {
		fn(&o)
	}
	return s.add(cb, pred, o)
}

// AddInterval registers a task that fires at most once per interval.
// A non-positive interval uses Config.DefaultInterval.
func (s *Service) AddInterval(cb Callback, interval time.Duration, opts ...AddOption) string {
	var o addOptions
	for _, fn := range opts {
		fn(&o)
	}
	if interval <= 0 {
		s.mu.Lock()
		interval = s.cfg.DefaultInterval
		s.mu.Unlock()
	}
	o.spacing = interval
	o.spacingSet = true
	return s.add(cb, Always(), o)
}

func (s *Service) add(cb Callback, pred Predicate, o addOptions) string {
	if cb == nil {
		cb = func(Task) {}
	}
	if pred == nil {
		pred = Always()
	}
	id := uuid.NewString()
	now := s.clock.Now()

	s.mu.Lock()
	spacing := o.spacing
	if !o.spacingSet {
		spacing = s.cfg.DefaultSpacing
	}
	s.reg.put(&entry{
		id:        id,
		name:      o.name,
		predicate: pred,
		callback:  cb,
		spacing:   spacing,
		lastRun:   now,
		frozen:    o.frozen,
	})
	first := s.reg.len() == 1
	if first {
		s.startLocked()
	}
	n := s.reg.len()
	s.mu.Unlock()

	s.log.Debug("task registered",
		logx.String("id", id),
		logx.String("name", o.name),
		logx.Duration("spacing", spacing),
		logx.Bool("frozen", o.frozen),
		logx.Int("tasks", n),
	)
	return id
}

// Delete removes a task. It reports whether something was removed.
//
// Removing the last task does not cancel the outstanding timer; the next tick
// observes the empty registry and halts.
func (s *Service) Delete(id string) bool {
	s.mu.Lock()
	e := s.reg.get(id)
	removed := s.reg.remove(id)
	n := s.reg.len()
	s.mu.Unlock()
	if !removed {
		return false
	}

	s.limMu.Lock()
	delete(s.limiters, id)
	s.limMu.Unlock()

	s.log.Debug("task removed", logx.String("id", id), logx.String("name", e.name), logx.Int("tasks", n))
	return true
}

func (s *Service) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.has(id)
}

// Get returns the current state of a task.
func (s *Service) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.reg.get(id)
	if e == nil {
		return Task{}, false
	}
	return e.snapshot(s.clock.Now()), true
}

// Len returns the number of registered tasks.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.len()
}

// Freeze pauses (default) or resumes a task without removing it.
// Unknown ids are ignored and reported as false.
func (s *Service) Freeze(id string, frozen ...bool) bool {
	v := true
	if len(frozen) > 0 {
		v = frozen[0]
	}
	s.mu.Lock()
	e := s.reg.get(id)
	if e == nil {
		s.mu.Unlock()
		return false
	}
	changed := e.frozen != v
	e.frozen = v
	name := e.name
	s.mu.Unlock()
	if changed {
		s.log.Debug("task freeze changed", logx.String("id", id), logx.String("name", name), logx.Bool("frozen", v))
	}
	return true
}

// Run fires a task now on the calling goroutine, bypassing its predicate,
// spacing and frozen flag. LastRun is set to the invocation time.
//
// A task never overlaps itself: if its callback is already running (from a
// tick, a catch-up or another Run), Run skips it. It reports whether the id
// exists.
func (s *Service) Run(id string) bool {
	now := s.clock.Now()
	s.mu.Lock()
	e := s.reg.get(id)
	if e == nil {
		s.mu.Unlock()
		return false
	}
	if e.running {
		name := e.name
		s.mu.Unlock()
		s.log.Debug("manual run skipped: task already running", logx.String("id", id), logx.String("name", name))
		return true
	}
	e.lastRun = now
	e.running = true
	task := e.snapshot(now)
	s.mu.Unlock()

	s.invoke(e, task, TriggerManual)
	return true
}

// Ticking reports whether a timer is outstanding.
func (s *Service) Ticking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Close stops the timer and drops the activity subscription. Registered tasks
// are kept but never fire again automatically.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimerLocked()
	s.unsubscribeLocked()
	n := s.reg.len()
	s.mu.Unlock()
	s.log.Info("loop closed", logx.Int("tasks", n))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := StateIdle
	if s.timer != nil {
		st = StateTicking
	}
	snap := Snapshot{
		State:      st,
		Active:     s.isActiveLocked(),
		TickPeriod: s.cfg.TickPeriod,
		Ticks:      s.ticks,
		CatchUps:   s.catchUps,
		Fired:      s.fired,
		Panics:     s.panics,
		LastTick:   s.lastTick,
		Tasks:      make([]TaskInfo, 0, s.reg.len()),
	}
	for _, e := range s.reg.entries() {
		snap.Tasks = append(snap.Tasks, TaskInfo{
			ID:      e.id,
			Name:    e.name,
			Spacing: e.spacing,
			LastRun: e.lastRun,
			Frozen:  e.frozen,
			Runs:    e.runs,
			Panics:  e.panics,
		})
	}
	return snap
}

func (s *Service) isActiveLocked() bool {
	if s.signal == nil {
		return true
	}
	return s.signal.Active()
}
