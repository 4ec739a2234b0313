package loop

import (
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"tickhub/internal/eventbus"
	logx "tickhub/pkg/logx"
)

// Repeated panics from the same task are logged at most once per window.
const panicWarnEvery = 30 * time.Second

// invoke runs the callback with panic isolation so one failing task cannot
// abort a pass or stop the loop from rescheduling.
func (s *Service) invoke(e *entry, task Task, trigger Trigger) {
	start := time.Now()
	pan, stack := func() (pan any, stack string) {
		defer func() {
			if r := recover(); r != nil {
				pan = r
				stack = string(debug.Stack())
			}
		}()
		e.callback(task)
		return nil, ""
	}()
	took := time.Since(start)

	s.mu.Lock()
	e.running = false
	e.runs++
	s.fired++
	if pan != nil {
		e.panics++
		s.panics++
	}
	s.mu.Unlock()

	ev := FiredEvent{
		ID:      task.ID,
		Name:    task.Name,
		Trigger: trigger,
		At:      task.Now,
		Took:    took,
		OK:      pan == nil,
	}
	if pan != nil {
		ev.Err = fmt.Sprint(pan)
		s.reportPanic(task, trigger, "callback", pan, stack)
	} else {
		s.log.Trace("task fired",
			logx.String("id", task.ID),
			logx.String("name", task.Name),
			logx.String("trigger", string(trigger)),
			logx.Duration("took", took),
		)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeLoopFired, Time: task.Now, Data: ev})
}

// callPredicate evaluates a predicate; a panicking predicate counts as not due.
func (s *Service) callPredicate(e *entry, task Task) (due bool) {
	defer func() {
		if r := recover(); r != nil {
			due = false
			s.mu.Lock()
			e.panics++
			s.panics++
			s.mu.Unlock()
			s.reportPanic(task, TriggerTick, "predicate", r, string(debug.Stack()))
		}
	}()
	return e.predicate(task)
}

func (s *Service) reportPanic(task Task, trigger Trigger, where string, pan any, stack string) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeLoopPanic, Data: PanicEvent{
		ID:      task.ID,
		Name:    task.Name,
		Trigger: trigger,
		Where:   where,
		Panic:   fmt.Sprint(pan),
	}})

	fields := []logx.Field{
		logx.String("id", task.ID),
		logx.String("name", task.Name),
		logx.String("trigger", string(trigger)),
		logx.String("where", where),
		logx.Any("panic", pan),
	}
	if !s.limiter(task.ID).Allow() {
		s.log.Debug("task panicked (throttled)", fields...)
		return
	}
	s.log.Error("task panicked", append(fields, logx.Stack(stack))...)
}

func (s *Service) limiter(id string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	l := s.limiters[id]
	if l == nil {
		l = rate.NewLimiter(rate.Every(panicWarnEvery), 1)
		s.limiters[id] = l
	}
	return l
}
