package loop

import "time"

type entry struct {
	id        string
	name      string
	predicate Predicate
	callback  Callback
	spacing   time.Duration
	lastRun   time.Time
	frozen    bool
	// running is set while the callback executes (tick, catch-up or Run).
	running bool

	runs   uint64
	panics uint64
}

func (e *entry) snapshot(now time.Time) Task {
	return Task{
		ID:      e.id,
		Name:    e.name,
		Spacing: e.spacing,
		LastRun: e.lastRun,
		Frozen:  e.frozen,
		Now:     now,
	}
}

// registry keeps tasks by id in insertion order.
// Not safe for concurrent use; Service guards it with its mutex.
type registry struct {
	byID  map[string]*entry
	order []string
	count int
}

func newRegistry() registry {
	return registry{byID: map[string]*entry{}}
}

func (r *registry) put(e *entry) {
	if _, ok := r.byID[e.id]; ok {
		r.byID[e.id] = e
		return
	}
	r.byID[e.id] = e
	r.order = append(r.order, e.id)
	r.count++
}

func (r *registry) get(id string) *entry { return r.byID[id] }

func (r *registry) has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

func (r *registry) remove(id string) bool {
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.count--
	return true
}

func (r *registry) len() int { return r.count }

// entries returns the live entries in insertion order.
func (r *registry) entries() []*entry {
	out := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		if e := r.byID[id]; e != nil {
			out = append(out, e)
		}
	}
	return out
}
