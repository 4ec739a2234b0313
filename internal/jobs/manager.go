package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tickhub/internal/config"
	"tickhub/internal/eventbus"
	"tickhub/internal/loop"
	logx "tickhub/pkg/logx"
)

// Loop is the part of loop.Service the manager drives.
type Loop interface {
	AddRule(cb loop.Callback, pred loop.Predicate, opts ...loop.AddOption) string
	AddInterval(cb loop.Callback, interval time.Duration, opts ...loop.AddOption) string
	Delete(id string) bool
	Freeze(id string, frozen ...bool) bool
	Run(id string) bool
}

type binding struct {
	id   string
	job  Job
	hash uint64
	// cfgFrozen is the frozen flag of the last synced declaration. Runtime
	// freezes (admin API) survive reloads that do not touch the flag.
	cfgFrozen bool
}

// SyncResult lists task names by what Sync did to them.
type SyncResult struct {
	Added    []string `json:"added,omitempty"`
	Replaced []string `json:"replaced,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Frozen   []string `json:"frozen,omitempty"`
	Thawed   []string `json:"thawed,omitempty"`
}

func (r SyncResult) Empty() bool {
	return len(r.Added)+len(r.Replaced)+len(r.Removed)+len(r.Frozen)+len(r.Thawed) == 0
}

type Manager struct {
	loop Loop
	env  Env
	log  logx.Logger
	bus  eventbus.Bus

	// ctx bounds running actions; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	byName map[string]*binding
	order  []string
}

func NewManager(l Loop, env Env, bus eventbus.Bus) *Manager {
	if env.Log.IsZero() {
		env.Log = logx.Nop()
	}
	log := env.Log
	if bus == nil {
		bus = eventbus.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		loop:   l,
		env:    env,
		log:    log,
		bus:    bus,
		ctx:    ctx,
		cancel: cancel,
		byName: map[string]*binding{},
	}
}

// CompileAll compiles every declaration. It fails on the first invalid one,
// or on duplicate names.
func CompileAll(tasks []config.TaskConfig, env Env) ([]Job, error) {
	out := make([]Job, 0, len(tasks))
	seen := map[string]struct{}{}
	var errs []error
	for _, tc := range tasks {
		j, err := Compile(tc, env)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[j.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate task name %q", ErrInvalidJob, j.Name))
			continue
		}
		seen[j.Name] = struct{}{}
		out = append(out, j)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Sync reconciles the loop with the declared tasks. Nothing changes when any
// declaration is invalid.
//
// Unchanged tasks keep their loop id and last run; changed ones are replaced
// (and start their spacing anew); a changed frozen flag is applied in place.
func (m *Manager) Sync(tasks []config.TaskConfig) (SyncResult, error) {
	jobs, err := CompileAll(tasks, m.env)
	if err != nil {
		return SyncResult{}, err
	}

	var res SyncResult
	m.mu.Lock()
	want := make(map[string]struct{}, len(jobs))
	order := make([]string, 0, len(jobs))
	for _, j := range jobs {
		want[j.Name] = struct{}{}
		order = append(order, j.Name)

		b := m.byName[j.Name]
		switch {
		case b == nil:
			m.byName[j.Name] = m.bindLocked(j)
			res.Added = append(res.Added, j.Name)
		case b.hash != j.hash:
			m.loop.Delete(b.id)
			m.byName[j.Name] = m.bindLocked(j)
			res.Replaced = append(res.Replaced, j.Name)
		case b.cfgFrozen != j.Frozen:
			m.loop.Freeze(b.id, j.Frozen)
			b.cfgFrozen = j.Frozen
			b.job = j
			if j.Frozen {
				res.Frozen = append(res.Frozen, j.Name)
			} else {
				res.Thawed = append(res.Thawed, j.Name)
			}
		}
	}
	for name, b := range m.byName {
		if _, ok := want[name]; ok {
			continue
		}
		m.loop.Delete(b.id)
		delete(m.byName, name)
		res.Removed = append(res.Removed, name)
	}
	m.order = order
	m.mu.Unlock()

	sort.Strings(res.Removed)
	if !res.Empty() {
		m.log.Info("tasks synced",
			logx.Int("tasks", len(order)),
			logx.Any("added", res.Added),
			logx.Any("replaced", res.Replaced),
			logx.Any("removed", res.Removed),
			logx.Any("frozen", res.Frozen),
			logx.Any("thawed", res.Thawed),
		)
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeJobsSynced, Time: time.Now(), Data: res})
	}
	return res, nil
}

func (m *Manager) bindLocked(j Job) *binding {
	opts := []loop.AddOption{loop.WithName(j.Name)}
	if j.Frozen {
		opts = append(opts, loop.StartFrozen())
	}
	cb := m.callback(j)

	var id string
	if j.Interval > 0 {
		id = m.loop.AddInterval(cb, j.Interval, opts...)
	} else {
		if j.Spacing > 0 {
			opts = append(opts, loop.WithSpacing(j.Spacing))
		}
		id = m.loop.AddRule(cb, j.Rule, opts...)
	}
	return &binding{id: id, job: j, hash: j.hash, cfgFrozen: j.Frozen}
}

// FailedEvent is published when a job's action returns an error. It is
// published before the loop's fired event for the same invocation.
type FailedEvent struct {
	TaskID string
	Name   string
	At     time.Time
	Err    string
}

func (m *Manager) callback(j Job) loop.Callback {
	return func(t loop.Task) {
		if m.ctx.Err() != nil {
			return
		}
		// The action logs the failure; the event carries it to run history.
		if err := j.Action.Do(m.ctx, t); err != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Time: t.Now, Data: FailedEvent{
				TaskID: t.ID,
				Name:   j.Name,
				At:     t.Now,
				Err:    err.Error(),
			}})
		}
	}
}

// Names returns the declared task names in config order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) IDByName(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.byName[name]
	if b == nil {
		return "", false
	}
	return b.id, true
}

// Run fires the named task now. It reports whether the task exists.
func (m *Manager) Run(name string) bool {
	id, ok := m.IDByName(name)
	if !ok {
		return false
	}
	return m.loop.Run(id)
}

// Freeze pauses or resumes the named task until the next reload that changes
// its declared frozen flag.
func (m *Manager) Freeze(name string, frozen bool) bool {
	id, ok := m.IDByName(name)
	if !ok {
		return false
	}
	return m.loop.Freeze(id, frozen)
}

// Close cancels running actions and removes every declared task from the loop.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, b := range m.byName {
		m.loop.Delete(b.id)
		delete(m.byName, name)
	}
	m.order = nil
}
