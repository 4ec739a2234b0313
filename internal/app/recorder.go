package app

import (
	"context"
	"time"

	"tickhub/internal/eventbus"
	"tickhub/internal/jobs"
	"tickhub/internal/loop"
	"tickhub/internal/storage"
	logx "tickhub/pkg/logx"
)

const appendTimeout = 2 * time.Second

// recordEvents logs bus events and writes task runs to the history store.
func (a *App) recordEvents(ctx context.Context, events <-chan eventbus.Event) {
	rec := newRunRecorder()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			// Debug only: loop.fired is frequent.
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))

			r, ok := rec.record(e)
			if !ok || a.store == nil {
				continue
			}
			actx, cancel := context.WithTimeout(ctx, appendTimeout)
			err := a.store.AppendRun(actx, r)
			cancel()
			if err != nil && ctx.Err() == nil {
				a.log.Warn("history append failed", logx.String("task", r.Name), logx.Err(err))
			}
		}
	}
}

// runRecorder maps bus events to history rows. A job failure arrives before
// the loop.fired event of the same invocation and is folded into that row.
type runRecorder struct {
	failed map[string]jobs.FailedEvent // by task id
}

func newRunRecorder() *runRecorder {
	return &runRecorder{failed: map[string]jobs.FailedEvent{}}
}

// record returns the history row for e, if e completes one. Callback panics
// already arrive as a failed loop.fired; only predicate panics need their own
// row.
func (r *runRecorder) record(e eventbus.Event) (storage.RunRecord, bool) {
	switch d := e.Data.(type) {
	case jobs.FailedEvent:
		r.failed[d.TaskID] = d
		return storage.RunRecord{}, false
	case loop.FiredEvent:
		at := d.At
		if at.IsZero() {
			at = e.Time
		}
		rec := storage.RunRecord{
			At:      at,
			TaskID:  d.ID,
			Name:    d.Name,
			Trigger: string(d.Trigger),
			OK:      d.OK,
			Error:   d.Err,
			TookMS:  d.Took.Milliseconds(),
		}
		if f, ok := r.failed[d.ID]; ok {
			delete(r.failed, d.ID)
			if f.At.Equal(d.At) {
				rec.OK = false
				if rec.Error == "" {
					rec.Error = f.Err
				}
			}
		}
		return rec, true
	case loop.PanicEvent:
		if d.Where != "predicate" {
			return storage.RunRecord{}, false
		}
		return storage.RunRecord{
			At:      e.Time,
			TaskID:  d.ID,
			Name:    d.Name,
			Trigger: string(d.Trigger),
			Error:   "predicate panic: " + d.Panic,
		}, true
	}
	return storage.RunRecord{}, false
}
