// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package bus turns a PDU downstream into a transaction-style client: a write
// is opened with BeginTransmission, filled with Write and sent by
// EndTransmission; a read is sent by RequestFrom and drained with Read.
package bus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/modbus-interface/modbus"
	"github.com/ffutop/modbus-interface/modbus/rtu"
	"github.com/ffutop/modbus-interface/transport"
)

var (
	// ErrNotStarted is returned for requests before a successful Begin.
	ErrNotStarted = errors.New("bus: client not started")
	// ErrNoTransaction is returned by EndTransmission without BeginTransmission.
	ErrNoTransaction = errors.New("bus: no transmission in progress")
)

// Client is not safe for concurrent use.
type Client struct {
	downstream transport.Downstream
	started    bool

	// Open write transaction. txErr holds the first error seen while it
	// was built and is reported by EndTransmission.
	inTx     bool
	txSlave  byte
	txTable  modbus.Table
	txStart  uint16
	txQty    int
	txValues []uint16
	txErr    error

	rx      []uint16
	lastErr error
}

// New creates a client over downstream.
func New(downstream transport.Downstream) *Client {
	return &Client{downstream: downstream}
}

// SetDelays passes the RS-485 turnaround delays to the downstream, if it
// drives a transceiver.
func (c *Client) SetDelays(pre, post time.Duration) {
	if ds, ok := c.downstream.(transport.DelaySetter); ok {
		ds.SetDelays(pre, post)
		return
	}
	slog.Debug("downstream has no RS-485 driver, ignoring turnaround delays", "pre", pre, "post", post)
}

// Begin sets the serial line, when the downstream has one, and connects.
func (c *Client) Begin(ctx context.Context, baudRate int, line rtu.LineConfig) error {
	if err := line.Validate(); err != nil {
		c.lastErr = err
		return err
	}
	if lc, ok := c.downstream.(transport.LineConfigurer); ok {
		lc.SetLine(baudRate, line)
	}
	if err := c.downstream.Connect(ctx); err != nil {
		c.lastErr = err
		return err
	}
	c.started = true
	c.lastErr = nil
	return nil
}

// BeginTransmission opens a write of quantity values to table at start.
func (c *Client) BeginTransmission(address byte, table modbus.Table, start uint16, quantity int) {
	c.inTx = true
	c.txSlave, c.txTable, c.txStart, c.txQty = address, table, start, quantity
	c.txValues = c.txValues[:0]
	c.txErr = nil

	if !c.started {
		c.txErr = ErrNotStarted
		return
	}
	if _, err := table.WriteFunction(); err != nil {
		c.txErr = err
		return
	}
	if err := checkQuantity(table, quantity, true); err != nil {
		c.txErr = err
	}
}

// Write appends one value to the open transaction. Coils take any non-zero
// value as ON.
func (c *Client) Write(value uint16) {
	if !c.inTx {
		c.lastErr = ErrNoTransaction
		return
	}
	if c.txErr != nil {
		return
	}
	if len(c.txValues) >= c.txQty {
		c.txErr = fmt.Errorf("bus: more than %d values written", c.txQty)
		return
	}
	c.txValues = append(c.txValues, value)
}

// EndTransmission sends the open transaction and checks the echo.
func (c *Client) EndTransmission(ctx context.Context) error {
	if !c.inTx {
		return c.fail(ErrNoTransaction)
	}
	c.inTx = false
	if c.txErr != nil {
		return c.fail(c.txErr)
	}
	if len(c.txValues) != c.txQty {
		return c.fail(fmt.Errorf("bus: %d values written, %d declared", len(c.txValues), c.txQty))
	}

	fc, _ := c.txTable.WriteFunction()
	var payload []byte
	if c.txTable == modbus.Coils {
		payload = packBits(c.txValues)
	} else {
		payload = make([]byte, 2*len(c.txValues))
		for i, v := range c.txValues {
			binary.BigEndian.PutUint16(payload[2*i:], v)
		}
	}
	data := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint16(data[0:], c.txStart)
	binary.BigEndian.PutUint16(data[2:], uint16(c.txQty))
	data[4] = byte(len(payload))
	data = append(data, payload...)

	resp, err := c.send(ctx, c.txSlave, modbus.ProtocolDataUnit{FunctionCode: fc, Data: data})
	if err != nil {
		return c.fail(err)
	}
	if len(resp.Data) != 4 {
		return c.fail(fmt.Errorf("bus: response data size '%v' does not match expected '4'", len(resp.Data)))
	}
	if addr := binary.BigEndian.Uint16(resp.Data); addr != c.txStart {
		return c.fail(fmt.Errorf("bus: response address '%v' does not match request '%v'", addr, c.txStart))
	}
	if qty := binary.BigEndian.Uint16(resp.Data[2:]); int(qty) != c.txQty {
		return c.fail(fmt.Errorf("bus: response quantity '%v' does not match request '%v'", qty, c.txQty))
	}
	c.lastErr = nil
	return nil
}

// RequestFrom reads quantity values of table at start. On success they are
// available through Read.
func (c *Client) RequestFrom(ctx context.Context, address byte, table modbus.Table, start uint16, quantity int) error {
	c.rx = c.rx[:0]
	if !c.started {
		return c.fail(ErrNotStarted)
	}
	fc, err := table.ReadFunction()
	if err != nil {
		return c.fail(err)
	}
	if err := checkQuantity(table, quantity, false); err != nil {
		return c.fail(err)
	}

	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], start)
	binary.BigEndian.PutUint16(data[2:], uint16(quantity))
	resp, err := c.send(ctx, address, modbus.ProtocolDataUnit{FunctionCode: fc, Data: data})
	if err != nil {
		return c.fail(err)
	}

	want := quantity * 2
	if table == modbus.Coils || table == modbus.DiscreteInputs {
		want = (quantity + 7) / 8
	}
	if len(resp.Data) < 1 || int(resp.Data[0]) != want || len(resp.Data)-1 != want {
		return c.fail(fmt.Errorf("bus: response byte count does not match expected '%v'", want))
	}

	payload := resp.Data[1:]
	if table == modbus.Coils || table == modbus.DiscreteInputs {
		c.rx = unpackBits(c.rx, payload, quantity)
	} else {
		for i := 0; i < quantity; i++ {
			c.rx = append(c.rx, binary.BigEndian.Uint16(payload[2*i:]))
		}
	}
	c.lastErr = nil
	return nil
}

// Available returns the number of values left to Read.
func (c *Client) Available() int {
	return len(c.rx)
}

// Read returns the next received value, or 0 when none is left.
func (c *Client) Read() uint16 {
	if len(c.rx) == 0 {
		return 0
	}
	v := c.rx[0]
	c.rx = c.rx[1:]
	return v
}

// LastError returns the error of the last operation, nil if it succeeded.
func (c *Client) LastError() error {
	return c.lastErr
}

// Close closes the downstream.
func (c *Client) Close() error {
	c.started = false
	return c.downstream.Close()
}

func (c *Client) send(ctx context.Context, address byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	resp, err := c.downstream.Send(ctx, address, req)
	if err != nil {
		return resp, err
	}
	if err := resp.AsError(); err != nil {
		return resp, err
	}
	if resp.FunctionCode != req.FunctionCode {
		return resp, fmt.Errorf("bus: response function '%v' does not match request '%v'", resp.FunctionCode, req.FunctionCode)
	}
	return resp, nil
}

func (c *Client) fail(err error) error {
	c.lastErr = err
	return err
}

func checkQuantity(table modbus.Table, quantity int, write bool) error {
	limit := modbus.MaxReadRegisters
	switch {
	case table == modbus.Coils && write:
		limit = modbus.MaxWriteBits
	case table == modbus.Coils || table == modbus.DiscreteInputs:
		limit = modbus.MaxReadBits
	case write:
		limit = modbus.MaxWriteRegisters
	}
	if quantity < 1 || quantity > limit {
		return fmt.Errorf("bus: quantity '%v' must be between '1' and '%v'", quantity, limit)
	}
	return nil
}

func packBits(values []uint16) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v != 0 {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func unpackBits(dst []uint16, packed []byte, quantity int) []uint16 {
	for i := 0; i < quantity; i++ {
		dst = append(dst, uint16(packed[i/8]>>uint(i%8))&1)
	}
	return dst
}
