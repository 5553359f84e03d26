// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ffutop/modbus-interface/modbus"
	"github.com/ffutop/modbus-interface/modbus/rtu"
)

// RequestHandler serves one request addressed to slaveID and returns the
// response PDU. Upstream servers call it for every decoded frame.
type RequestHandler func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)

// Upstream accepts requests from a Modbus master, e.g. a simulator front-end.
type Upstream interface {
	// Start serves until ctx is done. It blocks.
	Start(ctx context.Context, handler RequestHandler) error
	Close() error
}

// Downstream is the path to a Modbus server device.
type Downstream interface {
	// Send sends a PDU to slaveID and returns the response PDU.
	Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)
	Connect(ctx context.Context) error
	Close() error
}

// LineConfigurer is implemented by downstreams whose serial line is chosen
// when the bus is started rather than when the downstream is built.
type LineConfigurer interface {
	SetLine(baudRate int, line rtu.LineConfig)
}

// DelaySetter is implemented by RS-485 downstreams that hold the driver
// enabled for a while around each transmission.
type DelaySetter interface {
	SetDelays(pre, post time.Duration)
}

// ErrNotAddressed is returned by a RequestHandler for requests to a slave id
// it does not serve. Serial servers stay silent on it.
var ErrNotAddressed = errors.New("transport: slave id not served")
