// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/modbus-interface/internal/config"
	"github.com/ffutop/modbus-interface/modbus"
	rtupacket "github.com/ffutop/modbus-interface/modbus/rtu"
)

// Client is a Modbus RTU master on an RS-485 serial line.
type Client struct {
	rtuSerialTransporter
}

// NewClient allocates and initializes a RTU Client. The line settings may be
// changed with SetLine until the port is opened.
func NewClient(cfg config.SerialConfig) *Client {
	client := &Client{}

	client.Config.Address = cfg.Device
	client.Config.BaudRate = cfg.BaudRate
	client.Config.DataBits = cfg.DataBits
	client.Config.StopBits = cfg.StopBits
	client.Config.Parity = cfg.Parity
	client.Config.Timeout = cfg.Timeout

	client.Config.RS485.Enabled = cfg.RS485
	client.Config.RS485.RtsHighDuringSend = cfg.RtsHighDuringSend
	client.Config.RS485.RtsHighAfterSend = cfg.RtsHighAfterSend
	client.Config.RS485.RxDuringTx = cfg.RxDuringTx

	client.IdleTimeout = cfg.IdleTimeout
	if client.IdleTimeout == 0 {
		client.IdleTimeout = serialIdleTimeout
	}
	return client
}

// SetLine sets baud rate and character format. An open port is closed so the
// next request reopens it with the new settings.
func (mb *Client) SetLine(baudRate int, line rtupacket.LineConfig) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.Config.BaudRate = baudRate
	mb.Config.DataBits = line.DataBits
	mb.Config.Parity = line.Parity
	mb.Config.StopBits = line.StopBits
	mb.close()
}

// SetDelays sets the RTS delays before and after sending. They only reach
// the driver when RS-485 mode is enabled.
func (mb *Client) SetDelays(pre, post time.Duration) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.Config.RS485.DelayRtsBeforeSend = pre
	mb.Config.RS485.DelayRtsAfterSend = post
	mb.close()
}

// Delays returns the RTS delays that will be applied when the port opens.
func (mb *Client) Delays() (pre, post time.Duration) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.Config.RS485.DelayRtsBeforeSend, mb.Config.RS485.DelayRtsAfterSend
}

// Send sends a PDU to slaveID and returns the response PDU.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	adu := &rtupacket.ApplicationDataUnit{
		SlaveID: slaveID,
		Pdu:     pdu,
	}

	aduBytes, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to encode ADU: %w", err)
	}

	respBytes, err := mb.rtuSerialTransporter.Send(ctx, aduBytes)
	if err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	respAdu, err := rtupacket.Decode(respBytes)
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to decode response ADU: %w", err)
	}

	if err := adu.Verify(respAdu); err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("verification failed: %w", err)
	}

	return respAdu.Pdu, nil
}

// rtuSerialTransporter implements underlying serial comms.
type rtuSerialTransporter struct {
	serialPort
}

func (mb *rtuSerialTransporter) Send(ctx context.Context, aduRequest []byte) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.connect(ctx); err != nil {
		return nil, err
	}
	mb.lastActivity = time.Now()
	mb.startCloseTimer()

	slog.Debug("send to modbus slave", "request", hex.EncodeToString(aduRequest))
	if _, err := mb.port.Write(aduRequest); err != nil {
		return nil, err
	}

	bytesToRead := rtupacket.CalculateResponseLength(aduRequest)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(mb.calculateDelay(len(aduRequest) + bytesToRead)):
	}

	deadline := time.Now().Add(mb.Config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	data, err := rtupacket.ReadResponse(aduRequest[0], aduRequest[1], mb.port, deadline)
	if err != nil {
		return nil, err
	}
	slog.Debug("recv from modbus slave", "response", hex.EncodeToString(data))
	return data, nil
}

// calculateDelay is the time the request and the expected response occupy
// the line, plus one frame gap.
func (mb *rtuSerialTransporter) calculateDelay(chars int) time.Duration {
	return rtupacket.CharacterDelay(mb.BaudRate)*time.Duration(chars) + rtupacket.FrameDelay(mb.BaudRate)
}
