// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/ffutop/modbus-interface/modbus"
	"github.com/ffutop/modbus-interface/transport"
)

// Server implements a Modbus TCP Server.
type Server struct {
	Address string

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewServer creates a new TCP Server.
func NewServer(address string) *Server {
	return &Server{
		Address: address,
		ready:   make(chan struct{}),
	}
}

// Start listens on Address and serves until ctx is done.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)
	slog.Info("Modbus TCP server listening", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("Failed to accept connection", "err", err)
			continue
		}
		go s.handleConnection(ctx, conn, handler)
	}
}

// Addr waits for the listener and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr(), nil
}

// Close closes the server listener.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, handler transport.RequestHandler) {
	defer conn.Close()
	slog.Debug("New TCP client connected", "addr", conn.RemoteAddr())

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		raw, err := readFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				slog.Debug("TCP client disconnected", "addr", conn.RemoteAddr())
			} else {
				slog.Error("Failed to read from connection", "addr", conn.RemoteAddr(), "err", err)
			}
			return
		}

		adu, err := Decode(raw)
		if err != nil {
			slog.Error("Failed to decode TCP request", "err", err)
			return
		}

		respPdu, err := handler(ctx, adu.SlaveID, adu.Pdu)
		if err != nil {
			code := byte(modbus.ExceptionCodeServerDeviceFailure)
			if errors.Is(err, transport.ErrNotAddressed) {
				code = modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond
			} else {
				slog.Error("Handler failed", "err", err)
			}
			respPdu = modbus.Exception(adu.Pdu.FunctionCode, code)
		}

		respAdu := &ApplicationDataUnit{
			TransactionID: adu.TransactionID,
			ProtocolID:    adu.ProtocolID,
			SlaveID:       adu.SlaveID,
			Pdu:           respPdu,
		}
		respRaw, err := respAdu.Encode()
		if err != nil {
			slog.Error("Failed to encode TCP response", "err", err)
			continue
		}
		if _, err := conn.Write(respRaw); err != nil {
			slog.Error("Failed to write response to connection", "err", err)
			return
		}
	}
}
