//go:build !linux

package systemdmanager

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

type Manager struct{}

func New() *Manager { return &Manager{} }

func (m *Manager) Close() error { return nil }

func (m *Manager) ActiveState(ctx context.Context, name string) (string, error) {
	return "", ErrUnsupported
}

func (m *Manager) Apply(ctx context.Context, op, name string) error { return ErrUnsupported }
