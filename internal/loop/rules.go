package loop

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Always is the predicate used by interval tasks.
func Always() Predicate { return func(Task) bool { return true } }

// EveryMinutes is due during every minute whose number is a multiple of n
// (e.g. n=5: 12:00, 12:05, ...). The window is one minute long, so pair it with
// a spacing of at least one minute.
func EveryMinutes(n int) Predicate {
	if n <= 1 {
		return Always()
	}
	return func(t Task) bool { return now(t).Minute()%n == 0 }
}

// EverySeconds is the second-granularity variant of EveryMinutes.
func EverySeconds(n int) Predicate {
	if n <= 1 {
		return Always()
	}
	return func(t Task) bool { return now(t).Second()%n == 0 }
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronRule builds a predicate from a cron spec. The predicate is true for the
// whole window (one minute for 5-field specs and descriptors, one second for
// 6-field specs) that starts at a matching activation.
//
// It returns the window length too: using it as the task spacing (or more) gives
// at most one firing per window.
//
// "@every" specs are rejected; use an interval task instead.
func CronRule(spec string) (Predicate, time.Duration, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, 0, fmt.Errorf("cron spec required")
	}
	body := stripTZ(spec)
	if strings.HasPrefix(body, "@every") {
		return nil, 0, fmt.Errorf("cron spec %q: @every is not a rule; use an interval", spec)
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, 0, fmt.Errorf("cron spec %q: %w", spec, err)
	}
	window := time.Minute
	if !strings.HasPrefix(body, "@") && len(strings.Fields(body)) == 6 {
		window = time.Second
	}
	return func(t Task) bool {
		return windowMatches(sched, now(t), window)
	}, window, nil
}

// windowMatches reports whether the window containing at begins with an
// activation of sched.
func windowMatches(sched cron.Schedule, at time.Time, window time.Duration) bool {
	start := at.Truncate(window)
	// Next rounds up to the next whole second, so asking from one second before
	// the window start yields the first activation at or after it.
	return sched.Next(start.Add(-time.Second)).Equal(start)
}

func stripTZ(spec string) string {
	if strings.HasPrefix(spec, "TZ=") || strings.HasPrefix(spec, "CRON_TZ=") {
		if i := strings.IndexByte(spec, ' '); i >= 0 {
			return strings.TrimSpace(spec[i+1:])
		}
	}
	return spec
}

func now(t Task) time.Time {
	if t.Now.IsZero() {
		return time.Now()
	}
	return t.Now
}
