// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package local is a downstream that talks to an in-process simulated device.
package local

import (
	"context"
	"errors"
	"fmt"

	"github.com/ffutop/modbus-interface/internal/config"
	"github.com/ffutop/modbus-interface/internal/simulator"
	"github.com/ffutop/modbus-interface/internal/simulator/persistence"
	"github.com/ffutop/modbus-interface/modbus"
	"github.com/ffutop/modbus-interface/transport"
)

// ErrNoResponse is returned for requests the device does not answer, like a
// silent slave on a real bus.
var ErrNoResponse = errors.New("local: no response from device")

// Client sends requests straight to a simulator.Device.
type Client struct {
	device *simulator.Device
}

// NewClient loads the storage named by cfg and wraps a device answering
// slaveIDs, or every id if none are given.
func NewClient(cfg config.LocalConfig, slaveIDs ...byte) (*Client, error) {
	storage, mem, err := persistence.Open(cfg.Persistence)
	if err != nil {
		return nil, err
	}
	return &Client{device: simulator.NewDevice(mem, storage, slaveIDs...)}, nil
}

// NewDeviceClient wraps an existing device.
func NewDeviceClient(device *simulator.Device) *Client {
	return &Client{device: device}
}

// Device returns the simulated device.
func (c *Client) Device() *simulator.Device {
	return c.device
}

// Send processes the PDU in process.
func (c *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if err := ctx.Err(); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	resp, err := c.device.Handle(ctx, slaveID, pdu)
	if errors.Is(err, transport.ErrNotAddressed) {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: slave %d", ErrNoResponse, slaveID)
	}
	return resp, err
}

// Connect is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	return nil
}

// Close closes the device storage.
func (c *Client) Close() error {
	return c.device.Close()
}
