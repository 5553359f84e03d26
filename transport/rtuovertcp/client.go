// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtuovertcp carries raw RTU frames, CRC included, over a TCP stream
// as serial device servers do.
package rtuovertcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ffutop/modbus-interface/modbus"
	rtupacket "github.com/ffutop/modbus-interface/modbus/rtu"
)

const (
	tcpTimeout = 10 * time.Second
)

// Client sends RTU frames to a serial device server.
type Client struct {
	Address string
	Timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewClient allocates and initializes a RTU over TCP Client.
func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: tcpTimeout,
	}
}

// Send sends a PDU to slaveID and returns the response PDU.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	adu := &rtupacket.ApplicationDataUnit{
		SlaveID: slaveID,
		Pdu:     pdu,
	}
	aduBytes, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to encode ADU: %w", err)
	}

	if err := mb.connect(ctx); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	deadline := time.Now().Add(mb.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = mb.conn.SetDeadline(deadline); err != nil {
		mb.close()
		return modbus.ProtocolDataUnit{}, err
	}

	if _, err := mb.conn.Write(aduBytes); err != nil {
		mb.close()
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to write to connection: %w", err)
	}

	respBytes, err := rtupacket.ReadResponse(slaveID, pdu.FunctionCode, mb.conn, deadline)
	if err != nil {
		mb.close()
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to read response: %w", err)
	}

	// A bad CRC leaves the stream in sync: ReadResponse consumed the whole frame.
	respAdu, err := rtupacket.Decode(respBytes)
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to decode response ADU: %w", err)
	}
	if err := adu.Verify(respAdu); err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("verification failed: %w", err)
	}
	return respAdu.Pdu, nil
}

// Connect dials the device server if no connection is open.
func (mb *Client) Connect(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.connect(ctx)
}

// Close closes the connection.
func (mb *Client) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.close()
	return nil
}

// connect ensures there is an active connection. Caller must hold the mutex.
func (mb *Client) connect(ctx context.Context) error {
	if mb.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: mb.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", mb.Address)
	if err != nil {
		return fmt.Errorf("modbus: failed to connect to %s: %w", mb.Address, err)
	}
	mb.conn = conn
	return nil
}

// close closes the connection. Caller must hold the mutex.
func (mb *Client) close() {
	if mb.conn != nil {
		mb.conn.Close()
		mb.conn = nil
	}
}
