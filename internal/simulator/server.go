// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ffutop/modbus-interface/internal/config"
	"github.com/ffutop/modbus-interface/internal/simulator/persistence"
	"github.com/ffutop/modbus-interface/transport"
	"github.com/ffutop/modbus-interface/transport/rtu"
	"github.com/ffutop/modbus-interface/transport/rtuovertcp"
	"github.com/ffutop/modbus-interface/transport/tcp"
)

// NewUpstream builds the front-end a master connects to.
func NewUpstream(cfg config.UpstreamConfig) (transport.Upstream, error) {
	switch cfg.Type {
	case config.TypeTCP:
		return tcp.NewServer(cfg.Tcp.Address), nil
	case config.TypeRTUOverTCP:
		return rtuovertcp.NewServer(cfg.Tcp.Address), nil
	case config.TypeRTU:
		return rtu.NewServer(cfg.Serial), nil
	}
	return nil, fmt.Errorf("unknown upstream type %q", cfg.Type)
}

// Run serves a simulated device as configured until ctx is done.
func Run(ctx context.Context, cfg config.SimulatorConfig) error {
	ids, err := config.ParseSlaveIDs(cfg.SlaveIDs)
	if err != nil {
		return fmt.Errorf("invalid slave ids: %w", err)
	}
	upstream, err := NewUpstream(cfg.Upstream)
	if err != nil {
		return err
	}
	storage, mem, err := persistence.Open(cfg.Local.Persistence)
	if err != nil {
		return err
	}
	device := NewDevice(mem, storage, ids...)
	defer device.Close()

	slog.Info("Starting simulated device", "upstream", cfg.Upstream.Type, "slaveIDs", cfg.SlaveIDs)
	if err := upstream.Start(ctx, device.Handle); err != nil {
		return err
	}
	if err := storage.Save(mem); err != nil {
		slog.Error("Failed to save device memory", "err", err)
	}
	return nil
}
