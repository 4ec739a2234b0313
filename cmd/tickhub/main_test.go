package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli"

	"tickhub/internal/storage"
	logx "tickhub/pkg/logx"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// runCmd runs one command with output captured.
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	app := cli.NewApp()
	app.Writer = &buf
	app.ErrWriter = &buf
	app.Commands = []cli.Command{
		{Name: "validate", Action: validate, Flags: []cli.Flag{configFlag}},
		{Name: "history", Action: history, Flags: historyFlags},
	}
	err := app.Run(append([]string{"tickhub"}, args...))
	return buf.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	writeFile(t, good, `tasks:
  - name: tick
    cron: "*/5 * * * *"
    action: {type: log, message: hi}
`)
	out, err := runCmd(t, "validate", "--config", good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "ok (1 tasks)") {
		t.Fatalf("output = %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, `tasks:
  - name: tick
    interval: 5s
    cron: "@hourly"
    action: {type: log}
`)
	if _, err := runCmd(t, "validate", "--config", bad); err == nil {
		t.Fatal("validate accepted interval and cron together")
	}
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "history")
	cfgPath := filepath.Join(dir, "tickhub.yaml")
	writeFile(t, cfgPath, "storage:\n  driver: file\n  path: "+prefix+"\ntasks: []\n")

	st, err := storage.Open(storage.Config{Driver: "file", Path: prefix}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"first", "second"} {
		r := storage.RunRecord{At: at.Add(time.Duration(i) * time.Second), TaskID: name, Name: name, Trigger: "tick", OK: true}
		if err := st.AppendRun(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "history", "--config", cfgPath, "--limit", "1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "second") || strings.Contains(out, "first") {
		t.Fatalf("output = %q", out)
	}

	out, err = runCmd(t, "history", "--config", cfgPath, "--json")
	if err != nil {
		t.Fatalf("history --json: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 2 || !strings.Contains(lines[0], `"name":"second"`) {
		t.Fatalf("json output = %q", out)
	}
}

func TestHistoryWithoutStorage(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tickhub.json")
	writeFile(t, cfgPath, `{"tasks":[]}`)
	if _, err := runCmd(t, "history", "--config", cfgPath); err == nil {
		t.Fatal("history succeeded without storage")
	}
}

func TestHistoryDoesNotCreateStore(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "nowhere", "history")
	cfgPath := filepath.Join(dir, "tickhub.yaml")
	writeFile(t, cfgPath, "storage:\n  driver: file\n  path: "+prefix+"\ntasks: []\n")

	out, err := runCmd(t, "history", "--config", cfgPath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "TASK") {
		t.Fatalf("output = %q", out)
	}
	if _, err := os.Stat(filepath.Dir(prefix)); !os.IsNotExist(err) {
		t.Fatalf("history created %s (stat err %v)", filepath.Dir(prefix), err)
	}
}
