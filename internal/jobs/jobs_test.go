package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tickhub/internal/config"
	"tickhub/internal/eventbus"
	"tickhub/internal/loop"
	logx "tickhub/pkg/logx"
)

type fakeTask struct {
	cb       loop.Callback
	interval time.Duration
	rule     bool
	frozen   bool
	name     string
}

type fakeLoop struct {
	mu    sync.Mutex
	seq   int
	tasks map[string]*fakeTask
}

func newFakeLoop() *fakeLoop { return &fakeLoop{tasks: map[string]*fakeTask{}} }

func (f *fakeLoop) add(t *fakeTask, opts []loop.AddOption) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("t%d", f.seq)
	// Options are opaque; apply them to a real service to read them back.
	s := loop.New(loop.Config{}, logx.Nop(), nil)
	defer s.Close()
	sid := s.AddRule(nil, nil, opts...)
	got, _ := s.Get(sid)
	t.frozen = got.Frozen
	t.name = got.Name
	f.tasks[id] = t
	return id
}

func (f *fakeLoop) AddRule(cb loop.Callback, pred loop.Predicate, opts ...loop.AddOption) string {
	return f.add(&fakeTask{cb: cb, rule: true}, opts)
}

func (f *fakeLoop) AddInterval(cb loop.Callback, interval time.Duration, opts ...loop.AddOption) string {
	return f.add(&fakeTask{cb: cb, interval: interval}, opts)
}

func (f *fakeLoop) Delete(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tasks[id]
	delete(f.tasks, id)
	return ok
}

func (f *fakeLoop) Freeze(id string, frozen ...bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	if t == nil {
		return false
	}
	t.frozen = len(frozen) == 0 || frozen[0]
	return true
}

func (f *fakeLoop) Run(id string) bool {
	f.mu.Lock()
	t := f.tasks[id]
	f.mu.Unlock()
	if t == nil {
		return false
	}
	t.cb(loop.Task{ID: id, Name: t.name, Now: time.Now()})
	return true
}

func (f *fakeLoop) get(id string) *fakeTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id]
}

func (f *fakeLoop) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func logTask(name, interval string) config.TaskConfig {
	return config.TaskConfig{Name: name, Interval: interval, Action: config.ActionConfig{Type: "log", Message: "hi " + name}}
}

func TestCompile(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		tc      config.TaskConfig
		wantErr bool
		check   func(t *testing.T, j Job)
	}{
		{
			name: "interval",
			tc:   logTask("a", "30s"),
			check: func(t *testing.T, j Job) {
				if j.Interval != 30*time.Second || j.Rule != nil {
					t.Fatalf("job = %+v", j)
				}
			},
		},
		{
			name: "cron default spacing",
			tc:   config.TaskConfig{Name: "c", Cron: "*/5 * * * *", Action: config.ActionConfig{Type: "log"}},
			check: func(t *testing.T, j Job) {
				if j.Rule == nil || j.Spacing != 0 {
					t.Fatalf("job = %+v", j)
				}
			},
		},
		{
			name: "seconds cron uses window spacing",
			tc:   config.TaskConfig{Name: "s", Cron: "*/10 * * * * *", Action: config.ActionConfig{Type: "log"}},
			check: func(t *testing.T, j Job) {
				if j.Spacing != time.Second {
					t.Fatalf("spacing = %v", j.Spacing)
				}
			},
		},
		{
			name: "explicit spacing",
			tc:   config.TaskConfig{Name: "e", Cron: "@hourly", Spacing: "10m", Action: config.ActionConfig{Type: "exec", Command: []string{"true"}}},
			check: func(t *testing.T, j Job) {
				if j.Spacing != 10*time.Minute {
					t.Fatalf("spacing = %v", j.Spacing)
				}
				if a, ok := j.Action.(execAction); !ok || a.timeout != DefaultExecTimeout {
					t.Fatalf("action = %#v", j.Action)
				}
			},
		},
		{
			name: "systemd defaults",
			tc:   config.TaskConfig{Name: "u", Interval: "1m", Action: config.ActionConfig{Type: "systemd", Unit: "nginx"}},
			check: func(t *testing.T, j Job) {
				a, ok := j.Action.(systemdAction)
				if !ok || a.op != "restart" || a.unit != "nginx.service" {
					t.Fatalf("action = %#v", j.Action)
				}
			},
		},
		{name: "systemd bad op", tc: config.TaskConfig{Name: "x", Interval: "1s", Action: config.ActionConfig{Type: "systemd", Unit: "a", Op: "mask"}}, wantErr: true},
		{name: "no name", tc: logTask("", "1s"), wantErr: true},
		{name: "no rule", tc: config.TaskConfig{Name: "x", Action: config.ActionConfig{Type: "log"}}, wantErr: true},
		{name: "both rules", tc: config.TaskConfig{Name: "x", Interval: "1s", Cron: "* * * * *", Action: config.ActionConfig{Type: "log"}}, wantErr: true},
		{name: "bad cron", tc: config.TaskConfig{Name: "x", Cron: "every day", Action: config.ActionConfig{Type: "log"}}, wantErr: true},
		{name: "every descriptor", tc: config.TaskConfig{Name: "x", Cron: "@every 1m", Action: config.ActionConfig{Type: "log"}}, wantErr: true},
		{name: "bad action", tc: config.TaskConfig{Name: "x", Interval: "1s", Action: config.ActionConfig{Type: "mail"}}, wantErr: true},
		{name: "bad level", tc: config.TaskConfig{Name: "x", Interval: "1s", Action: config.ActionConfig{Type: "log", Level: "loud"}}, wantErr: true},
		{name: "exec no command", tc: config.TaskConfig{Name: "x", Interval: "1s", Action: config.ActionConfig{Type: "exec"}}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			j, err := Compile(tt.tc, Env{})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidJob) {
					t.Fatalf("err = %v, want ErrInvalidJob", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			tt.check(t, j)
		})
	}
}

func TestSyncReconcilesByName(t *testing.T) {
	t.Parallel()
	fl := newFakeLoop()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	m := NewManager(fl, Env{}, bus)
	defer m.Close()

	res, err := m.Sync([]config.TaskConfig{logTask("a", "1m"), logTask("b", "1m"), logTask("c", "1m")})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(res.Added, ",") != "a,b,c" || fl.len() != 3 {
		t.Fatalf("first sync = %+v", res)
	}
	idA, _ := m.IDByName("a")
	idB, _ := m.IDByName("b")
	if fl.get(idA).name != "a" {
		t.Fatalf("name not passed to loop: %+v", fl.get(idA))
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeJobsSynced {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("no jobs.synced event")
	}

	frozenB := logTask("b", "1m")
	frozenB.Frozen = true
	res, err = m.Sync([]config.TaskConfig{logTask("a", "1m"), frozenB, logTask("d", "2m")})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := m.IDByName("a"); got != idA {
		t.Fatal("unchanged task was replaced")
	}
	if got, _ := m.IDByName("b"); got != idB || !fl.get(idB).frozen {
		t.Fatal("freeze not applied in place")
	}
	if strings.Join(res.Frozen, ",") != "b" || strings.Join(res.Added, ",") != "d" || strings.Join(res.Removed, ",") != "c" {
		t.Fatalf("second sync = %+v", res)
	}
	if strings.Join(m.Names(), ",") != "a,b,d" {
		t.Fatalf("Names = %v", m.Names())
	}

	res, err = m.Sync([]config.TaskConfig{logTask("a", "5m"), frozenB, logTask("d", "2m")})
	if err != nil {
		t.Fatal(err)
	}
	newA, _ := m.IDByName("a")
	if newA == idA || fl.get(idA) != nil || strings.Join(res.Replaced, ",") != "a" {
		t.Fatalf("changed task not replaced: %+v", res)
	}
	if fl.get(newA).interval != 5*time.Minute {
		t.Fatalf("interval = %v", fl.get(newA).interval)
	}

	if res, _ := m.Sync([]config.TaskConfig{logTask("a", "5m"), frozenB, logTask("d", "2m")}); !res.Empty() {
		t.Fatalf("idempotent sync changed %+v", res)
	}
}

func TestSyncKeepsRuntimeFreeze(t *testing.T) {
	t.Parallel()
	fl := newFakeLoop()
	m := NewManager(fl, Env{}, nil)
	defer m.Close()

	tasks := []config.TaskConfig{logTask("a", "1m"), logTask("b", "1m")}
	if _, err := m.Sync(tasks); err != nil {
		t.Fatal(err)
	}
	if !m.Freeze("a", true) {
		t.Fatal("Freeze(a) = false")
	}
	if m.Freeze("zzz", true) {
		t.Fatal("Freeze on unknown name = true")
	}

	// A reload touching only b leaves a frozen.
	tasks[1] = logTask("b", "2m")
	if _, err := m.Sync(tasks); err != nil {
		t.Fatal(err)
	}
	id, _ := m.IDByName("a")
	if !fl.get(id).frozen {
		t.Fatal("runtime freeze lost on reload")
	}
}

func TestSyncRejectsInvalidWithoutChanges(t *testing.T) {
	t.Parallel()
	fl := newFakeLoop()
	m := NewManager(fl, Env{}, nil)
	defer m.Close()

	if _, err := m.Sync([]config.TaskConfig{logTask("a", "1m")}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Sync([]config.TaskConfig{logTask("b", "1m"), logTask("b", "2m")})
	if !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := m.IDByName("a"); !ok || fl.len() != 1 {
		t.Fatal("invalid sync modified the loop")
	}
}

func TestRunByName(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := logx.NewWriter(&buf, "debug")
	fl := newFakeLoop()
	m := NewManager(fl, Env{Log: log}, nil)

	if _, err := m.Sync([]config.TaskConfig{logTask("a", "1m")}); err != nil {
		t.Fatal(err)
	}
	if !m.Run("a") || m.Run("missing") {
		t.Fatal("Run results wrong")
	}
	if !strings.Contains(buf.String(), `"message":"hi a"`) || !strings.Contains(buf.String(), `"task":"a"`) {
		t.Fatalf("log action output: %s", buf.String())
	}

	m.Close()
	if fl.len() != 0 || len(m.Names()) != 0 {
		t.Fatal("Close left tasks behind")
	}
}

func TestSyncWithRealLoop(t *testing.T) {
	t.Parallel()
	s := loop.New(loop.Config{}, logx.Nop(), nil)
	defer s.Close()
	m := NewManager(s, Env{}, nil)
	defer m.Close()

	tc := config.TaskConfig{Name: "cron", Cron: "0 0 1 1 *", Spacing: "5m", Frozen: true, Action: config.ActionConfig{Type: "log"}}
	if _, err := m.Sync([]config.TaskConfig{tc, logTask("iv", "")}); err == nil {
		t.Fatal("empty interval accepted")
	}
	if _, err := m.Sync([]config.TaskConfig{tc, logTask("iv", "45s")}); err != nil {
		t.Fatal(err)
	}
	id, _ := m.IDByName("cron")
	task, ok := s.Get(id)
	if !ok || !task.Frozen || task.Spacing != 5*time.Minute || task.Name != "cron" {
		t.Fatalf("cron task = %+v", task)
	}
	id, _ = m.IDByName("iv")
	if task, _ := s.Get(id); task.Spacing != 45*time.Second {
		t.Fatalf("interval task = %+v", task)
	}
}

func TestExecAction(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := logx.NewWriter(&buf, "debug")

	ok := execAction{log: log, argv: []string{"/bin/sh", "-c", "echo $TICKHUB_TASK_NAME $EXTRA"}, env: []string{"EXTRA=x"}, timeout: 5 * time.Second}
	if err := ok.Do(context.Background(), loop.Task{ID: "1", Name: "backup"}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !strings.Contains(buf.String(), `"output":"backup x"`) {
		t.Fatalf("output not logged: %s", buf.String())
	}

	fail := execAction{log: log, argv: []string{"/bin/sh", "-c", "exit 3"}, timeout: 5 * time.Second}
	if err := fail.Do(context.Background(), loop.Task{}); err == nil {
		t.Fatal("expected exit error")
	}

	slow := execAction{log: log, argv: []string{"/bin/sh", "-c", "sleep 5"}, timeout: 50 * time.Millisecond}
	start := time.Now()
	err := slow.Do(context.Background(), loop.Task{})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("timeout not enforced")
	}
}

func TestFailedActionPublishesEvent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	units := &fakeUnits{err: errors.New("unit not found")}
	fl := newFakeLoop()
	m := NewManager(fl, Env{Units: units}, bus)
	defer m.Close()

	tasks := []config.TaskConfig{
		logTask("ok", "1m"),
		{Name: "web", Interval: "1m", Action: config.ActionConfig{Type: "systemd", Unit: "nginx"}},
	}
	if _, err := m.Sync(tasks); err != nil {
		t.Fatal(err)
	}
	m.Run("ok")
	m.Run("web")
	webID, _ := m.IDByName("web")

	var failed []FailedEvent
	deadline := time.After(time.Second)
	for len(failed) == 0 {
		select {
		case e := <-events:
			if e.Type == eventbus.TypeJobFailed {
				failed = append(failed, e.Data.(FailedEvent))
			}
		case <-deadline:
			t.Fatal("no job.failed event")
		}
	}
	ev := failed[0]
	if ev.TaskID != webID || ev.Name != "web" || !strings.Contains(ev.Err, "unit not found") || ev.At.IsZero() {
		t.Fatalf("event = %+v", ev)
	}
	// The log task succeeded, so nothing else is queued as a failure.
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.TypeJobFailed {
				t.Fatalf("unexpected failure %+v", e.Data)
			}
		default:
			return
		}
	}
}

type fakeUnits struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeUnits) Apply(ctx context.Context, op, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("no deadline")
	}
	f.calls = append(f.calls, op+" "+unit)
	return f.err
}

func TestSystemdAction(t *testing.T) {
	t.Parallel()
	units := &fakeUnits{}
	fl := newFakeLoop()
	m := NewManager(fl, Env{Units: units}, nil)
	defer m.Close()

	tc := config.TaskConfig{Name: "web", Interval: "1m", Action: config.ActionConfig{Type: "systemd", Unit: "nginx", Op: "ensure-active", Timeout: "5s"}}
	if _, err := m.Sync([]config.TaskConfig{tc}); err != nil {
		t.Fatal(err)
	}
	m.Run("web")
	if len(units.calls) != 1 || units.calls[0] != "ensure-active nginx.service" {
		t.Fatalf("calls = %v", units.calls)
	}

	j, err := Compile(tc, Env{})
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Action.Do(context.Background(), loop.Task{}); !errors.Is(err, errNoUnits) {
		t.Fatalf("without units: %v", err)
	}
}
