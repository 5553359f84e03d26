// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ffutop/modbus-interface/modbus"
)

const (
	tcpTimeout = 10 * time.Second
)

// Client is a Modbus TCP client. It keeps one connection open and redials
// after a failed exchange.
type Client struct {
	Address string
	Timeout time.Duration

	mu            sync.Mutex
	conn          net.Conn
	transactionID uint16
}

// NewClient allocates and initializes a TCP Client.
func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: tcpTimeout,
	}
}

// Send sends a PDU to the unit slaveID and returns the response PDU.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.transactionID++
	adu := &ApplicationDataUnit{
		TransactionID: mb.transactionID,
		SlaveID:       slaveID,
		Pdu:           pdu,
	}
	aduBytes, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to encode ADU: %w", err)
	}

	if err := mb.connect(ctx); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	respBytes, err := mb.sendAndRead(ctx, aduBytes)
	if err != nil {
		// The stream may hold a late response; start over on a fresh connection.
		mb.close()
		return modbus.ProtocolDataUnit{}, err
	}

	respAdu, err := Decode(respBytes)
	if err != nil {
		mb.close()
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to decode response ADU: %w", err)
	}
	if err := adu.Verify(respAdu); err != nil {
		mb.close()
		return modbus.ProtocolDataUnit{}, fmt.Errorf("verification failed: %w", err)
	}
	return respAdu.Pdu, nil
}

func (mb *Client) sendAndRead(ctx context.Context, aduRequest []byte) ([]byte, error) {
	deadline := time.Now().Add(mb.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := mb.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	slog.Debug("send to modbus tcp slave", "request", hex.EncodeToString(aduRequest))
	if _, err := mb.conn.Write(aduRequest); err != nil {
		return nil, err
	}
	response, err := readFrame(mb.conn)
	if err != nil {
		return nil, err
	}
	slog.Debug("recv from modbus tcp slave", "response", hex.EncodeToString(response))
	return response, nil
}

// Connect dials the server if no connection is open.
func (mb *Client) Connect(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.connect(ctx)
}

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

// Close closes the connection.
func (mb *Client) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.close()
}

func (mb *Client) close() (err error) {
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	return
}
