//go:build linux

package systemdmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager holds a lazily opened system bus connection.
type Manager struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func New() *Manager { return &Manager{} }

func (m *Manager) connect(ctx context.Context) (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil && m.conn.Connected() {
		return m.conn, nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	m.conn = conn
	return conn, nil
}

// Close closes the connection. The manager reconnects on next use.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// ActiveState returns the unit's ActiveState ("active", "failed", ...), or
// "not-found" for unknown units.
func (m *Manager) ActiveState(ctx context.Context, name string) (string, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return "", err
	}
	unit := UnitName(name)
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return "not-found", nil
		}
		return "", fmt.Errorf("failed to get status for %s: %w", unit, err)
	}
	if ls, _ := props["LoadState"].(string); ls == "not-found" {
		return "not-found", nil
	}
	state, _ := props["ActiveState"].(string)
	return state, nil
}

// Apply runs op on the unit and waits for the job to finish.
// OpEnsureActive starts the unit only if it is not active.
func (m *Manager) Apply(ctx context.Context, op, name string) error {
	if !ValidOp(op) {
		return fmt.Errorf("unknown unit operation %q", op)
	}
	unit := UnitName(name)
	if op == OpEnsureActive {
		state, err := m.ActiveState(ctx, unit)
		if err != nil {
			return err
		}
		switch state {
		case "active", "activating", "reloading":
			return nil
		case "not-found":
			return opError("start", unit, errors.New("unit not found"))
		}
		op = OpStart
	}

	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	done := make(chan string, 1)
	switch op {
	case OpStart:
		_, err = conn.StartUnitContext(ctx, unit, "replace", done)
	case OpStop:
		_, err = conn.StopUnitContext(ctx, unit, "replace", done)
	case OpRestart:
		_, err = conn.RestartUnitContext(ctx, unit, "replace", done)
	case OpReload:
		_, err = conn.ReloadUnitContext(ctx, unit, "replace", done)
	case OpTryRestart:
		_, err = conn.TryRestartUnitContext(ctx, unit, "replace", done)
	}
	if err != nil {
		return opError(op, unit, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return opError(op, unit, fmt.Errorf("job %s", res))
		}
		return nil
	case <-ctx.Done():
		return opError(op, unit, ctx.Err())
	}
}

func isNoSuchUnitErr(err error) bool {
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
