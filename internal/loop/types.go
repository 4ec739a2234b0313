package loop

import (
	"time"
)

const (
	DefaultTickPeriod      = 5 * time.Second
	DefaultSpacing         = 60 * time.Second
	DefaultIntervalSpacing = 5 * time.Second
)

// Task is the state snapshot handed to predicates and callbacks.
type Task struct {
	ID      string
	Name    string
	Spacing time.Duration
	LastRun time.Time
	Frozen  bool

	// Now is the instant of the evaluation pass that produced this snapshot.
	Now time.Time
}

// Predicate decides whether a task is logically due. It must not block.
type Predicate func(t Task) bool

// Callback is the action run when a task fires. Failures are the callback's own
// business; a panic is recovered and logged by the Service.
type Callback func(t Task)

// Trigger names the path that fired a task.
type Trigger string

const (
	TriggerTick    Trigger = "tick"
	TriggerCatchUp Trigger = "catchup"
	TriggerManual  Trigger = "manual"
)

// Signal reports whether the environment is active (foreground) and delivers
// transitions. Handlers may be invoked from any goroutine.
type Signal interface {
	Active() bool
	Subscribe(fn func(active bool)) (unsubscribe func())
}

// Config controls the loop service. Zero values fall back to defaults.
type Config struct {
	TickPeriod      time.Duration
	DefaultSpacing  time.Duration
	DefaultInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickPeriod <= 0 {
		c.TickPeriod = DefaultTickPeriod
	}
	if c.DefaultSpacing <= 0 {
		c.DefaultSpacing = DefaultSpacing
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = DefaultIntervalSpacing
	}
	return c
}

// State is the scheduler state machine position.
type State string

const (
	StateIdle    State = "idle"
	StateTicking State = "ticking"
)

// FiredEvent is published on the bus after every callback invocation.
type FiredEvent struct {
	ID      string
	Name    string
	Trigger Trigger
	At      time.Time
	Took    time.Duration
	OK      bool
	Err     string
}

// PanicEvent is published when a callback or predicate panics.
type PanicEvent struct {
	ID      string
	Name    string
	Trigger Trigger
	Where   string // "callback" or "predicate"
	Panic   string
}

type TaskInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name,omitempty"`
	Spacing time.Duration `json:"spacing"`
	LastRun time.Time     `json:"last_run"`
	Frozen  bool          `json:"frozen"`
	Runs    uint64        `json:"runs"`
	Panics  uint64        `json:"panics"`
}

type Snapshot struct {
	State      State         `json:"state"`
	Active     bool          `json:"active"`
	TickPeriod time.Duration `json:"tick_period"`
	Ticks      uint64        `json:"ticks"`
	CatchUps   uint64        `json:"catch_ups"`
	Fired      uint64        `json:"fired"`
	Panics     uint64        `json:"panics"`
	LastTick   time.Time     `json:"last_tick"`
	Tasks      []TaskInfo    `json:"tasks"`
}
