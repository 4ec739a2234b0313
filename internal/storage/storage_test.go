package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "tickhub/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " Disabled "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected missing path error")
	}
}

func testStore(t *testing.T, driver string) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	cfg := Config{Driver: driver, Path: path, Retention: 5}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		r := RunRecord{
			At:      base.Add(time.Duration(i) * time.Second),
			TaskID:  fmt.Sprintf("id-%d", i),
			Name:    "job",
			Trigger: "tick",
			OK:      i != 1,
			TookMS:  int64(i),
		}
		if i == 1 {
			r.Error = "panic: boom"
		}
		if err := st.AppendRun(ctx, r); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}

	got, err := st.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 2 || got[0].TaskID != "id-2" || got[1].TaskID != "id-1" {
		t.Fatalf("RecentRuns(2) = %+v", got)
	}
	if got[1].OK || got[1].Error != "panic: boom" || !got[1].At.Equal(base.Add(time.Second)) {
		t.Fatalf("record not preserved: %+v", got[1])
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: history survives restarts.
	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err = st.RecentRuns(ctx, 0)
	if err != nil || len(got) != 3 {
		t.Fatalf("after reopen: %d records, %v", len(got), err)
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	testStore(t, "file")
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	testStore(t, "sqlite")
}

func TestFileStoreRetentionAndCompaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history")
	st, err := Open(Config{Driver: "file", Path: path, Retention: 3}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := st.AppendRun(ctx, RunRecord{TaskID: fmt.Sprint(i), Trigger: "tick", OK: true}); err != nil {
			t.Fatal(err)
		}
	}
	fs := st.(*fileStore)
	if fs.lines >= 6 {
		t.Fatalf("file not compacted: %d lines", fs.lines)
	}
	got, _ := st.RecentRuns(ctx, 100)
	if len(got) != 3 || got[0].TaskID != "9" || got[2].TaskID != "7" {
		t.Fatalf("RecentRuns = %+v", got)
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path, Retention: 3}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, _ = st.RecentRuns(ctx, 100)
	if len(got) != 3 || got[0].TaskID != "9" {
		t.Fatalf("after reopen = %+v", got)
	}
}

func TestSQLiteStorePrunes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "h.db"), Retention: 10}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ss := st.(*sqliteStore)
	ss.pruneEvery = 5
	for i := 0; i < 25; i++ {
		if err := st.AppendRun(ctx, RunRecord{TaskID: fmt.Sprint(i), Trigger: "manual", OK: true}); err != nil {
			t.Fatal(err)
		}
	}
	var n int
	if err := ss.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Fatalf("rows = %d, want 10", n)
	}
	got, _ := st.RecentRuns(ctx, 1)
	if len(got) != 1 || got[0].TaskID != "24" || got[0].Trigger != "manual" {
		t.Fatalf("RecentRuns = %+v", got)
	}
}

func TestFileStoreReadOnlyCreatesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "missing", "dir")
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "history")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := st.RecentRuns(ctx, 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("RecentRuns = %v, %v", got, err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("read-only open created %s (stat err %v)", dir, err)
	}
	if err := st.AppendRun(ctx, RunRecord{TaskID: "x"}); err == nil {
		t.Fatal("AppendRun after Close succeeded")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("AppendRun after Close created the file")
	}
}
