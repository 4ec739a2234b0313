package loop

import (
	"time"

	"tickhub/internal/eventbus"
	logx "tickhub/pkg/logx"
)

// startLocked runs on the registry's 0->1 transition. Call with s.mu held.
func (s *Service) startLocked() {
	if s.closed {
		return
	}
	if !s.subscribed {
		s.subscribed = true
		if s.signal != nil {
			s.unsub = s.signal.Subscribe(s.onActivity)
		}
	}
	s.active = s.isActiveLocked()
	if !s.active {
		s.log.Debug("loop start deferred: inactive")
		return
	}
	// A stale timer may still be pending from a previous emptying; replacing it
	// keeps a single outstanding timer.
	s.scheduleLocked(s.cfg.TickPeriod)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeLoopStarted, Data: s.cfg.TickPeriod})
	s.log.Debug("loop started", logx.Duration("tick_period", s.cfg.TickPeriod))
}

// scheduleLocked replaces any outstanding timer with a new one. Call with s.mu held.
func (s *Service) scheduleLocked(d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() { s.tick(gen) })
}

// stopTimerLocked cancels the outstanding timer (if any). Call with s.mu held.
func (s *Service) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Service) unsubscribeLocked() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	s.subscribed = false
}

// haltLocked moves the loop to Idle after it observed an empty registry.
func (s *Service) haltLocked() {
	s.stopTimerLocked()
	s.unsubscribeLocked()
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeLoopStopped})
	s.log.Debug("no tasks left; loop stopped")
}

// finishPassLocked reschedules after an evaluation pass, unless the pass was
// superseded (timer cancelled or replaced meanwhile) or the registry emptied.
func (s *Service) finishPassLocked(gen uint64) {
	if s.closed || s.gen != gen {
		return
	}
	if s.reg.len() == 0 {
		s.haltLocked()
		return
	}
	s.scheduleLocked(s.cfg.TickPeriod)
}

func (s *Service) tick(gen uint64) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if !s.isActiveLocked() {
		// Ticking stays suspended until the signal reports active again.
		s.active = false
		s.gen++
		s.mu.Unlock()
		s.log.Debug("tick skipped: inactive")
		return
	}
	s.ticks++
	s.lastTick = s.clock.Now()
	s.mu.Unlock()

	s.evaluate(TriggerTick)

	s.mu.Lock()
	s.finishPassLocked(gen)
	s.mu.Unlock()
}

// onActivity is the activation controller.
func (s *Service) onActivity(active bool) {
	s.mu.Lock()
	if s.closed || !s.subscribed || active == s.active {
		s.mu.Unlock()
		return
	}
	s.active = active
	s.stopTimerLocked()
	gen := s.gen
	n := s.reg.len()
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeActivityChanged, Data: active})
	if !active {
		s.log.Info("inactive; ticking suspended", logx.Int("tasks", n))
		return
	}
	s.log.Info("active; running catch-up", logx.Int("tasks", n))

	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.catchUps++
	s.mu.Unlock()

	s.evaluate(TriggerCatchUp)

	// Resume with an immediate normal tick.
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.ticks++
	s.lastTick = s.clock.Now()
	s.mu.Unlock()

	s.evaluate(TriggerTick)

	s.mu.Lock()
	s.finishPassLocked(gen)
	s.mu.Unlock()
}

// evaluate runs one pass over the registry in insertion order. Tasks removed,
// frozen or already running (a manual Run) are skipped. Call with s.runMu held.
func (s *Service) evaluate(trigger Trigger) {
	now := s.clock.Now()

	s.mu.Lock()
	entries := s.reg.entries()
	s.mu.Unlock()

	for _, e := range entries {
		s.mu.Lock()
		if !s.reg.has(e.id) || e.frozen {
			s.mu.Unlock()
			continue
		}
		task := e.snapshot(now)
		s.mu.Unlock()

		if trigger == TriggerTick {
			if !s.due(e, task) {
				continue
			}
		}

		s.mu.Lock()
		if !s.reg.has(e.id) || e.frozen || e.running {
			s.mu.Unlock()
			continue
		}
		if trigger == TriggerTick && now.Sub(e.lastRun) <= e.spacing {
			s.mu.Unlock()
			continue
		}
		e.lastRun = now
		e.running = true
		task = e.snapshot(now)
		s.mu.Unlock()

		s.invoke(e, task, trigger)
	}
}

// due checks the predicate, then the spacing guard, against the given snapshot.
func (s *Service) due(e *entry, task Task) bool {
	if !s.callPredicate(e, task) {
		return false
	}
	return task.Now.Sub(task.LastRun) > task.Spacing
}
