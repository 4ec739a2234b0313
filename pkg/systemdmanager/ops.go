// Package systemdmanager drives systemd units over D-Bus.
package systemdmanager

import (
	"fmt"
	"strings"
)

// Unit operations.
const (
	OpStart        = "start"
	OpStop         = "stop"
	OpRestart      = "restart"
	OpReload       = "reload"
	OpTryRestart   = "try-restart"
	OpEnsureActive = "ensure-active"
)

// ValidOp reports whether op is a known unit operation.
func ValidOp(op string) bool {
	switch op {
	case OpStart, OpStop, OpRestart, OpReload, OpTryRestart, OpEnsureActive:
		return true
	}
	return false
}

// UnitName appends ".service" when name has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		switch name[i+1:] {
		case "service", "socket", "timer", "target", "mount", "path", "slice", "scope":
			return name
		}
	}
	return name + ".service"
}

func opError(op, unit string, err error) error {
	return fmt.Errorf("failed to %s %s: %w", op, unit, err)
}
