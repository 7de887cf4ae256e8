//go:build no_automation

package main

import (
	"log/slog"

	"aprilaire-go-home/internal/hub"
	"aprilaire-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *hub.Hub, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
