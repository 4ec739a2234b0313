package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultRetention is the number of run records kept when Config.Retention is 0.
const DefaultRetention = 10000

// Config configures storage.
//
// If Driver is empty, "none" or "disabled", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retention   int
}

func (c Config) retention() int {
	if c.Retention <= 0 {
		return DefaultRetention
	}
	return c.Retention
}

// RunRecord is one task invocation. Keep it compact and schema-stable.
type RunRecord struct {
	At      time.Time `json:"at"`
	TaskID  string    `json:"task_id"`
	Name    string    `json:"name,omitempty"`
	Trigger string    `json:"trigger"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms"`
}

// Store is the persistence API used by the app.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records, newest first.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}
