// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

const (
	serialTimeout     = 5 * time.Second
	serialIdleTimeout = 60 * time.Second
)

// openPort is replaced in tests.
var openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.Open(c)
}

// serialPort has configuration and I/O controller.
type serialPort struct {
	// Serial port configuration, RS-485 settings included.
	serial.Config

	IdleTimeout time.Duration

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port         io.ReadWriteCloser
	lastActivity time.Time
	closeTimer   *time.Timer
}

func (p *serialPort) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connect(ctx)
}

// connect opens the serial port if it is not open. Caller must hold the mutex.
func (p *serialPort) connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if p.port != nil {
		return nil
	}
	if p.Config.Timeout <= 0 {
		p.Config.Timeout = serialTimeout
	}
	port, err := openPort(&p.Config)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", p.Config.Address, err)
	}
	slog.Debug("serial port opened", "device", p.Config.Address, "baudRate", p.Config.BaudRate,
		"rs485", p.Config.RS485.Enabled, "delayBefore", p.Config.RS485.DelayRtsBeforeSend, "delayAfter", p.Config.RS485.DelayRtsAfterSend)
	p.port = port
	return nil
}

func (p *serialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.close()
}

// close closes the serial port if it is open. Caller must hold the mutex.
func (p *serialPort) close() (err error) {
	if p.port != nil {
		err = p.port.Close()
		p.port = nil
	}
	return
}

func (p *serialPort) startCloseTimer() {
	if p.IdleTimeout <= 0 {
		return
	}
	if p.closeTimer == nil {
		p.closeTimer = time.AfterFunc(p.IdleTimeout, p.closeIdle)
	} else {
		p.closeTimer.Reset(p.IdleTimeout)
	}
}

// closeIdle closes the port once it has been idle for IdleTimeout.
func (p *serialPort) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.IdleTimeout <= 0 {
		return
	}

	if idle := time.Since(p.lastActivity); idle >= p.IdleTimeout {
		slog.Debug("modbus: closing serial port due to idle timeout", "device", p.Config.Address, "idle", idle)
		p.close()
	}
}
