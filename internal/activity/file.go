package activity

import (
	"context"
	"errors"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "tickhub/pkg/logx"
)

const (
	fileDebounce       = 100 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// ParseState maps state file contents to an activity state. A small set of
// words means inactive; anything else (including empty content) is active.
func ParseState(content string) bool {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "inactive", "background", "hidden", "paused", "0", "false", "off":
		return false
	default:
		return true
	}
}

// File derives the activity state from a small text file, e.g. one written by a
// session or power-management hook. A missing file means active.
type File struct {
	path string
	log  logx.Logger
	h    hub
}

// NewFile reads the initial state from path. Watch keeps it current.
func NewFile(path string, log logx.Logger) *File {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &File{path: path, log: log}
	f.h.active = f.read()
	return f
}

func (f *File) Path() string { return f.path }

func (f *File) Active() bool { return f.h.get() }

func (f *File) Subscribe(fn func(bool)) func() { return f.h.subscribe(fn) }

// Refresh re-reads the file and notifies subscribers on a transition.
func (f *File) Refresh() bool {
	v := f.read()
	changed := f.h.set(v)
	if changed {
		f.log.Info("activity changed", logx.String("path", f.path), logx.Bool("active", v))
	}
	return changed
}

func (f *File) read() bool {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			f.log.Warn("activity file read failed; assuming active", logx.String("path", f.path), logx.Err(err))
		}
		return true
	}
	return ParseState(string(b))
}

// Watch follows the state file until ctx is done. The parent directory is
// watched so the file may be created, replaced or removed at any time.
func (f *File) Watch(ctx context.Context) error {
	dir := filepath.Dir(f.path)
	file := filepath.Base(f.path)

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(fileDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			f.Refresh()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			wait := nextWait()
			f.log.Warn("activity watch init failed", logx.String("dir", dir), logx.Err(err), logx.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
				continue
			}
		}

		backoff = restartBackoffBase
		f.log.Debug("activity watcher started", logx.String("dir", dir), logx.String("file", file))
		// Events may have been missed while the watcher was down.
		f.Refresh()

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if filepath.Base(ev.Name) == file {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					f.log.Warn("activity watch overflow; re-reading", logx.String("dir", dir))
					debounce()
					continue
				}
				f.log.Warn("activity watch error", logx.String("dir", dir), logx.Err(err))
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		f.log.Warn("activity watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
