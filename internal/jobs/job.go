// Package jobs turns the tasks declared in the config file into loop tasks
// and keeps them in sync across reloads.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"tickhub/internal/config"
	"tickhub/internal/loop"
	logx "tickhub/pkg/logx"
	"tickhub/pkg/systemdmanager"
)

var ErrInvalidJob = errors.New("invalid job")

const (
	DefaultExecTimeout = 30 * time.Second
	// Output beyond this is cut from the log line.
	maxLoggedOutput = 4096
)

// Action is what a job does when it fires.
type Action interface {
	Do(ctx context.Context, t loop.Task) error
}

// Units applies systemd unit operations (systemdmanager.Manager).
type Units interface {
	Apply(ctx context.Context, op, unit string) error
}

// Env carries what actions need at run time.
type Env struct {
	Log   logx.Logger
	Units Units
}

// Job is a compiled TaskConfig.
type Job struct {
	Name string

	// Exactly one of Interval (> 0) or Rule is set.
	Interval time.Duration
	Rule     loop.Predicate
	Cron     string
	// Spacing is only used with Rule; zero means the loop default.
	Spacing time.Duration

	Frozen bool
	Action Action

	hash uint64
}

// Compile validates tc and builds its action.
func Compile(tc config.TaskConfig, env Env) (Job, error) {
	if env.Log.IsZero() {
		env.Log = logx.Nop()
	}
	name := strings.TrimSpace(tc.Name)
	fail := func(format string, args ...any) (Job, error) {
		return Job{}, fmt.Errorf("%w: %s: %s", ErrInvalidJob, name, fmt.Sprintf(format, args...))
	}
	if name == "" {
		return Job{}, fmt.Errorf("%w: name required", ErrInvalidJob)
	}

	j := Job{Name: name, Frozen: tc.Frozen, hash: hashTask(tc)}

	interval, err := config.ParseDurationField("interval", tc.Interval)
	if err != nil {
		return fail("%v", err)
	}
	cronSpec := strings.TrimSpace(tc.Cron)
	switch {
	case interval > 0 && cronSpec != "":
		return fail("interval and cron are mutually exclusive")
	case interval > 0:
		j.Interval = interval
	case cronSpec != "":
		pred, window, err := loop.CronRule(cronSpec)
		if err != nil {
			return fail("%v", err)
		}
		j.Rule = pred
		j.Cron = cronSpec
		spacing, err := config.ParseDurationField("spacing", tc.Spacing)
		if err != nil {
			return fail("%v", err)
		}
		// Second-granularity specs would be swallowed by the minute-scale default.
		if spacing == 0 && window < time.Minute {
			spacing = window
		}
		j.Spacing = spacing
	default:
		return fail("interval or cron required")
	}

	act, err := compileAction(name, tc.Action, env)
	if err != nil {
		return fail("%v", err)
	}
	j.Action = act
	return j, nil
}

// hashTask identifies a declaration for Sync. Frozen is excluded so toggling
// it does not replace the task.
func hashTask(tc config.TaskConfig) uint64 {
	tc.Frozen = false
	tc.Name = strings.TrimSpace(tc.Name)
	return config.HashJSON(tc)
}

func compileAction(name string, ac config.ActionConfig, env Env) (Action, error) {
	log := env.Log.With(logx.String("task", name))
	switch strings.ToLower(strings.TrimSpace(ac.Type)) {
	case config.ActionLog:
		msg := ac.Message
		if strings.TrimSpace(msg) == "" {
			msg = "task fired"
		}
		level := strings.ToLower(strings.TrimSpace(ac.Level))
		switch level {
		case "":
			level = "info"
		case "trace", "debug", "info", "warn", "error":
		default:
			return nil, fmt.Errorf("action.level: unknown level %q", ac.Level)
		}
		return logAction{log: log, msg: msg, level: level}, nil

	case config.ActionExec:
		if len(ac.Command) == 0 || strings.TrimSpace(ac.Command[0]) == "" {
			return nil, errors.New("action.command required")
		}
		timeout, err := config.ParseDurationOrDefault("action.timeout", ac.Timeout, DefaultExecTimeout)
		if err != nil {
			return nil, err
		}
		return execAction{
			log:     log,
			argv:    append([]string(nil), ac.Command...),
			dir:     ac.Dir,
			env:     append([]string(nil), ac.Env...),
			timeout: timeout,
		}, nil

	case config.ActionSystemd:
		unit := strings.TrimSpace(ac.Unit)
		if unit == "" {
			return nil, errors.New("action.unit required")
		}
		op := strings.TrimSpace(ac.Op)
		if op == "" {
			op = systemdmanager.OpRestart
		}
		if !systemdmanager.ValidOp(op) {
			return nil, fmt.Errorf("action.op: unknown operation %q", ac.Op)
		}
		timeout, err := config.ParseDurationOrDefault("action.timeout", ac.Timeout, DefaultExecTimeout)
		if err != nil {
			return nil, err
		}
		return systemdAction{log: log, units: env.Units, op: op, unit: systemdmanager.UnitName(unit), timeout: timeout}, nil

	default:
		return nil, fmt.Errorf("action.type: unknown action %q", ac.Type)
	}
}

var errNoUnits = errors.New("systemd actions unavailable")

type systemdAction struct {
	log     logx.Logger
	units   Units
	op      string
	unit    string
	timeout time.Duration
}

func (a systemdAction) Do(ctx context.Context, _ loop.Task) error {
	if a.units == nil {
		a.log.Warn("unit operation skipped", logx.String("unit", a.unit), logx.Err(errNoUnits))
		return errNoUnits
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()
	if err := a.units.Apply(ctx, a.op, a.unit); err != nil {
		a.log.Warn("unit operation failed", logx.String("unit", a.unit), logx.String("op", a.op), logx.Err(err))
		return err
	}
	a.log.Info("unit operation done", logx.String("unit", a.unit), logx.String("op", a.op), logx.Duration("took", time.Since(start)))
	return nil
}

type logAction struct {
	log   logx.Logger
	msg   string
	level string
}

func (a logAction) Do(_ context.Context, t loop.Task) error {
	fields := []logx.Field{logx.String("id", t.ID), logx.Time("last_run", t.LastRun)}
	switch a.level {
	case "trace":
		a.log.Trace(a.msg, fields...)
	case "debug":
		a.log.Debug(a.msg, fields...)
	case "warn":
		a.log.Warn(a.msg, fields...)
	case "error":
		a.log.Error(a.msg, fields...)
	default:
		a.log.Info(a.msg, fields...)
	}
	return nil
}

type execAction struct {
	log     logx.Logger
	argv    []string
	dir     string
	env     []string
	timeout time.Duration
}

func (a execAction) Do(ctx context.Context, t loop.Task) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.argv[0], a.argv[1:]...)
	cmd.Dir = a.dir
	cmd.Env = append(os.Environ(), a.env...)
	cmd.Env = append(cmd.Env, "TICKHUB_TASK_ID="+t.ID, "TICKHUB_TASK_NAME="+t.Name)
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	out, err := cmd.CombinedOutput()
	took := time.Since(start)

	fields := []logx.Field{
		logx.String("cmd", a.argv[0]),
		logx.Duration("took", took),
		logx.String("output", truncate(strings.TrimSpace(string(out)), maxLoggedOutput)),
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", a.timeout, err)
		}
		a.log.Warn("command failed", append(fields, logx.Err(err))...)
		return err
	}
	a.log.Debug("command finished", fields...)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
