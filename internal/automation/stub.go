//go:build no_automation

package automation

import (
	"context"
	"log/slog"

	"aprilaire-go-home/internal/coordinator"
	"aprilaire-go-home/internal/hub"
)

// Hub is the part of the entry hub scripts can see.
type Hub interface {
	Events() *coordinator.EventBus
	Entries() []hub.Status
	Coordinator(id string) (*coordinator.Coordinator, error)
	Call(ctx context.Context, id, service string, params map[string]any) error
}

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a nil manager when automation is disabled.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(_ Hub, _ *Manager, _ *slog.Logger) *Engine { return &Engine{} }

// Start is a no-op.
func (e *Engine) Start() {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// Reload is a no-op.
func (e *Engine) Reload() error { return nil }

// Scripts returns nil.
func (e *Engine) Scripts() []string { return nil }
