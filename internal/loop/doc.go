// Package loop implements the shared polling scheduler.
//
// Callers register recurring tasks, each guarded by a readiness predicate and a
// minimum spacing between firings. A single coalesced timer drives all of them:
//   - the timer exists only while at least one task is registered
//   - every tick evaluates tasks in registration order
//   - an activity signal suspends ticking while nothing can be observed, and a
//     catch-up pass fires every non-frozen task once activity resumes
//
// The Service is safe for concurrent use. Ticks and catch-up passes never
// overlap, and their callbacks run synchronously, one at a time, on the pass
// goroutine. Run executes on the caller's goroutine and is skipped while the
// same task is already running, so a task never overlaps itself. Callbacks
// may call back into the Service.
package loop
