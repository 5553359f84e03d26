// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/ffutop/modbus-interface/modbus"
	rtupacket "github.com/ffutop/modbus-interface/modbus/rtu"
	"github.com/ffutop/modbus-interface/transport"
)

// Server accepts TCP connections and treats each one as an RTU line.
type Server struct {
	Address string

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewServer creates a new RTU over TCP Server.
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
	slog.Info("RTU over TCP server listening", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
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
	slog.Debug("New RTU over TCP client connected", "addr", conn.RemoteAddr())

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, rtupacket.MaxSize)
	for {
		// 7 bytes cover the byte count of write-multiple requests.
		if _, err := io.ReadFull(conn, buf[:7]); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Error("Connection read error", "addr", conn.RemoteAddr(), "err", err)
			}
			return
		}

		expectedLen, err := rtupacket.CalculateRequestLength(buf[1], buf[:7])
		if err != nil || expectedLen > len(buf) {
			// There is no resync point in a byte stream.
			slog.Warn("Invalid RTU frame header", "func", buf[1], "err", err)
			return
		}
		if expectedLen > 7 {
			if _, err := io.ReadFull(conn, buf[7:expectedLen]); err != nil {
				return
			}
		}

		adu, err := rtupacket.Decode(buf[:expectedLen])
		if err != nil {
			slog.Warn("RTU frame decode failed", "err", err)
			continue
		}

		respPdu, err := handler(ctx, adu.SlaveID, adu.Pdu)
		if err != nil {
			if errors.Is(err, transport.ErrNotAddressed) {
				continue
			}
			slog.Error("Handler failed", "err", err)
			exceptionCode := byte(modbus.ExceptionCodeServerDeviceFailure)
			if errors.Is(err, context.DeadlineExceeded) {
				exceptionCode = modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond
			}
			respPdu = modbus.Exception(adu.Pdu.FunctionCode, exceptionCode)
		}

		respAdu := &rtupacket.ApplicationDataUnit{
			SlaveID: adu.SlaveID,
			Pdu:     respPdu,
		}
		respRaw, err := respAdu.Encode()
		if err != nil {
			slog.Error("Failed to encode response", "err", err)
			continue
		}
		if _, err := conn.Write(respRaw); err != nil {
			slog.Error("Failed to write response", "err", err)
			return
		}
	}
}
