package loop

import (
	"testing"
	"time"
)

func at(hh, mm, ss int) Task {
	return Task{Now: time.Date(2024, 3, 1, hh, mm, ss, 0, time.UTC)}
}

func TestCronRuleWindows(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		spec   string
		window time.Duration
		due    []Task
		notDue []Task
	}{
		{
			name:   "every five minutes",
			spec:   "*/5 * * * *",
			window: time.Minute,
			due:    []Task{at(12, 5, 0), at(12, 5, 30), at(12, 5, 59), at(13, 0, 1)},
			notDue: []Task{at(12, 6, 0), at(12, 4, 59), at(12, 7, 30)},
		},
		{
			name:   "hourly descriptor",
			spec:   "@hourly",
			window: time.Minute,
			due:    []Task{at(9, 0, 0), at(9, 0, 45)},
			notDue: []Task{at(9, 1, 0), at(9, 30, 0)},
		},
		{
			name:   "timezone prefix",
			spec:   "TZ=UTC */5 * * * *",
			window: time.Minute,
			due:    []Task{at(12, 5, 10)},
			notDue: []Task{at(12, 6, 10)},
		},
		{
			name:   "six fields with timezone prefix",
			spec:   "CRON_TZ=UTC */10 * * * * *",
			window: time.Second,
			due:    []Task{at(12, 0, 20)},
			notDue: []Task{at(12, 0, 21)},
		},
		{
			name:   "six fields with seconds",
			spec:   "*/10 * * * * *",
			window: time.Second,
			due:    []Task{at(12, 0, 10), at(12, 1, 20)},
			notDue: []Task{at(12, 0, 11), at(12, 0, 5)},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pred, window, err := CronRule(tt.spec)
			if err != nil {
				t.Fatalf("CronRule(%q): %v", tt.spec, err)
			}
			if window != tt.window {
				t.Fatalf("window = %v, want %v", window, tt.window)
			}
			for _, task := range tt.due {
				if !pred(task) {
					t.Errorf("%s: expected due at %s", tt.spec, task.Now.Format(time.TimeOnly))
				}
			}
			for _, task := range tt.notDue {
				if pred(task) {
					t.Errorf("%s: expected not due at %s", tt.spec, task.Now.Format(time.TimeOnly))
				}
			}
		})
	}
}

func TestCronRuleInvalid(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{"", "not a spec", "@every 5m", "TZ=UTC @every 1m", "CRON_TZ=UTC @every 5m", "61 * * * *"} {
		if _, _, err := CronRule(spec); err == nil {
			t.Errorf("CronRule(%q): expected error", spec)
		}
	}
}

func TestEveryMinutesAndSeconds(t *testing.T) {
	t.Parallel()
	p := EveryMinutes(5)
	if !p(at(12, 10, 30)) || p(at(12, 11, 0)) {
		t.Fatal("EveryMinutes(5) mismatch")
	}
	s := EverySeconds(15)
	if !s(at(12, 0, 45)) || s(at(12, 0, 46)) {
		t.Fatal("EverySeconds(15) mismatch")
	}
	if !EveryMinutes(1)(at(1, 2, 3)) || !EveryMinutes(0)(at(1, 2, 3)) {
		t.Fatal("n <= 1 should always be due")
	}
}
