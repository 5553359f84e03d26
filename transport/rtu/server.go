// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-interface/internal/config"
	"github.com/ffutop/modbus-interface/modbus"
	rtupacket "github.com/ffutop/modbus-interface/modbus/rtu"
	"github.com/ffutop/modbus-interface/transport"
)

// Server is a Modbus RTU slave on a serial line. It answers requests from an
// external master with the handler passed to Start.
type Server struct {
	Config config.SerialConfig
}

// NewServer creates a new RTU Server.
func NewServer(cfg config.SerialConfig) *Server {
	return &Server{
		Config: cfg,
	}
}

// Start opens the serial port and serves until ctx is done.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	spConfig := &serial.Config{
		Address:  s.Config.Device,
		BaudRate: s.Config.BaudRate,
		DataBits: s.Config.DataBits,
		StopBits: s.Config.StopBits,
		Parity:   s.Config.Parity,
		Timeout:  s.Config.Timeout,
	}
	if s.Config.RS485 {
		pre := rtupacket.TurnaroundDelay(s.Config.BaudRate, rtupacket.DefaultWordLength)
		spConfig.RS485 = serial.RS485Config{
			Enabled:            true,
			DelayRtsBeforeSend: pre,
			DelayRtsAfterSend:  pre,
			RtsHighDuringSend:  s.Config.RtsHighDuringSend,
			RtsHighAfterSend:   s.Config.RtsHighAfterSend,
			RxDuringTx:         s.Config.RxDuringTx,
		}
	}

	port, err := openPort(spConfig)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.Config.Device, err)
	}
	defer port.Close()
	slog.Info("RTU server listening", "device", s.Config.Device, "baudRate", s.Config.BaudRate, "line", s.Config.LineConfig())

	go func() {
		<-ctx.Done()
		port.Close()
	}()

	return s.scanLoop(ctx, port, handler)
}

func (s *Server) scanLoop(ctx context.Context, port io.ReadWriteCloser, handler transport.RequestHandler) error {
	buf := make([]byte, rtupacket.MaxSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := port.Read(buf[:1])
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			continue
		}
		if n == 0 {
			continue
		}

		// 7 bytes cover the byte count of write-multiple requests.
		current := readInto(port, buf, 1, 7)
		if current < 2 {
			continue
		}

		expectedLen, err := rtupacket.CalculateRequestLength(buf[1], buf[:current])
		if err != nil || expectedLen > len(buf) {
			slog.Debug("discarding unframed bytes", "len", current, "err", err)
			continue
		}
		if current = readInto(port, buf, current, expectedLen); current != expectedLen {
			continue
		}

		req, err := rtupacket.Decode(buf[:expectedLen])
		if err != nil {
			slog.Debug("discarding request", "err", err)
			continue
		}
		// Decode aliases buf, which the next frame overwrites.
		pdu := modbus.ProtocolDataUnit{
			FunctionCode: req.Pdu.FunctionCode,
			Data:         append([]byte(nil), req.Pdu.Data...),
		}

		resp, err := handler(ctx, req.SlaveID, pdu)
		if err != nil {
			if !errors.Is(err, transport.ErrNotAddressed) {
				slog.Error("upstream handler failed", "slaveID", req.SlaveID, "err", err)
			}
			continue
		}

		respADU := rtupacket.ApplicationDataUnit{SlaveID: req.SlaveID, Pdu: resp}
		raw, err := respADU.Encode()
		if err != nil {
			slog.Error("failed to encode response", "err", err)
			continue
		}
		if _, err := port.Write(raw); err != nil {
			slog.Error("failed to write response", "err", err)
		}
	}
}

// readInto reads into buf[current:want] until it is full or the port fails.
func readInto(port io.Reader, buf []byte, current, want int) int {
	for current < want {
		n, err := port.Read(buf[current:want])
		if err != nil {
			break
		}
		current += n
	}
	return current
}

func (s *Server) Close() error {
	return nil
}
