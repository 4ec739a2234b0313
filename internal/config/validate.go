package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tickhub/pkg/systemdmanager"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ActivitySource returns the configured source with the default applied.
func (a ActivityConfig) ActivitySource() string {
	s := strings.ToLower(strings.TrimSpace(a.Source))
	if s == "" {
		return ActivityAlways
	}
	return s
}

// Validate performs the structural checks that need no other package.
// Task rules (cron syntax) are compiled and checked by the jobs package.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	for path, raw := range map[string]string{
		"loop.tick_period":      cfg.Loop.TickPeriod,
		"loop.default_spacing":  cfg.Loop.DefaultSpacing,
		"loop.default_interval": cfg.Loop.DefaultInterval,
		"admin.read_timeout":    cfg.Admin.ReadTimeout,
		"admin.write_timeout":   cfg.Admin.WriteTimeout,
		"admin.idle_timeout":    cfg.Admin.IdleTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch cfg.Activity.ActivitySource() {
	case ActivityAlways, ActivityHTTP:
	case ActivityFile:
		if strings.TrimSpace(cfg.Activity.Path) == "" {
			add(errors.New("activity.path: required for source \"file\""))
		}
	default:
		add(fmt.Errorf("activity.source: unknown source %q", cfg.Activity.Source))
	}
	if cfg.Activity.ActivitySource() == ActivityHTTP && !cfg.Admin.Enabled {
		add(errors.New("activity.source: \"http\" requires admin.enabled"))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "disabled":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", s.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
		if s.Retention < 0 {
			add(errors.New("storage.retention: must be >= 0"))
		}
	}

	seen := map[string]int{}
	for i, t := range cfg.Tasks {
		add(validateTask(i, t, seen))
	}
	return errors.Join(errs...)
}

func validateTask(i int, t TaskConfig, seen map[string]int) error {
	var errs []error
	path := fmt.Sprintf("tasks[%d]", i)
	name := strings.TrimSpace(t.Name)
	switch {
	case name == "":
		errs = append(errs, fmt.Errorf("%s.name: required", path))
	case strings.ContainsAny(name, "/ \t"):
		errs = append(errs, fmt.Errorf("%s.name: %q must not contain slashes or spaces", path, name))
	default:
		if j, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name: %q already used by tasks[%d]", path, name, j))
		}
		seen[name] = i
	}

	hasInterval := strings.TrimSpace(t.Interval) != ""
	hasCron := strings.TrimSpace(t.Cron) != ""
	if hasInterval == hasCron {
		errs = append(errs, fmt.Errorf("%s: exactly one of interval or cron is required", path))
	}
	if hasInterval && strings.TrimSpace(t.Spacing) != "" {
		errs = append(errs, fmt.Errorf("%s.spacing: not allowed with interval (the interval is the spacing)", path))
	}
	if _, err := ParseDurationField(path+".interval", t.Interval); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField(path+".spacing", t.Spacing); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(t.Action.Type)) {
	case ActionLog:
	case ActionExec:
		if len(t.Action.Command) == 0 || strings.TrimSpace(t.Action.Command[0]) == "" {
			errs = append(errs, fmt.Errorf("%s.action.command: required for exec", path))
		}
		if _, err := ParseDurationField(path+".action.timeout", t.Action.Timeout); err != nil {
			errs = append(errs, err)
		}
	case ActionSystemd:
		if strings.TrimSpace(t.Action.Unit) == "" {
			errs = append(errs, fmt.Errorf("%s.action.unit: required for systemd", path))
		}
		if op := strings.TrimSpace(t.Action.Op); op != "" && !systemdmanager.ValidOp(op) {
			errs = append(errs, fmt.Errorf("%s.action.op: unknown operation %q", path, op))
		}
		if _, err := ParseDurationField(path+".action.timeout", t.Action.Timeout); err != nil {
			errs = append(errs, err)
		}
	case "":
		errs = append(errs, fmt.Errorf("%s.action.type: required", path))
	default:
		errs = append(errs, fmt.Errorf("%s.action.type: unknown action %q", path, t.Action.Type))
	}
	return errors.Join(errs...)
}
