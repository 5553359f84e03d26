// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/ffutop/modbus-interface/modbus"
	rtupacket "github.com/ffutop/modbus-interface/modbus/rtu"
	"github.com/ffutop/modbus-interface/transport"
)

func startServer(t *testing.T, handler transport.RequestHandler) string {
	t.Helper()
	s := NewServer("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Start(ctx, handler)

	addrCtx, addrCancel := context.WithTimeout(ctx, time.Second)
	defer addrCancel()
	addr, err := s.Addr(addrCtx)
	if err != nil {
		t.Fatalf("server did not start: %v", err)
	}
	return addr.String()
}

func TestServer_RawFrame(t *testing.T) {
	addr := startServer(t, func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		if slaveID != 1 {
			t.Errorf("Handler expected slaveID 1, got %d", slaveID)
		}
		return modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x02, 0xAA, 0xBB}}, nil
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	reqADU := &rtupacket.ApplicationDataUnit{SlaveID: 1, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}}}
	reqBytes, _ := reqADU.Encode()
	if _, err := conn.Write(reqBytes); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	respBytes, err := rtupacket.ReadResponse(1, 0x03, conn, time.Now().Add(1*time.Second))
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	respADU, err := rtupacket.Decode(respBytes)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(respADU.Pdu.Data, []byte{0x02, 0xAA, 0xBB}) {
		t.Errorf("Unexpected data: %X", respADU.Pdu.Data)
	}
}

func TestClient_RoundTrip(t *testing.T) {
	var got modbus.ProtocolDataUnit
	addr := startServer(t, func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		got = modbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: append([]byte(nil), pdu.Data...)}
		return modbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: pdu.Data[:4]}, nil
	})

	client := NewClient(addr)
	client.Timeout = time.Second
	defer client.Close()

	req := modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeWriteMultipleRegisters,
		Data:         []byte{0x00, 0x64, 0x00, 0x01, 0x02, 0x00, 0xF0},
	}
	resp, err := client.Send(context.Background(), 17, req)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !bytes.Equal(got.Data, req.Data) {
		t.Errorf("server got %X, want %X", got.Data, req.Data)
	}
	if !bytes.Equal(resp.Data, []byte{0x00, 0x64, 0x00, 0x01}) {
		t.Errorf("unexpected echo %X", resp.Data)
	}
}

func TestClient_HandlerError(t *testing.T) {
	addr := startServer(t, func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		return modbus.ProtocolDataUnit{}, context.DeadlineExceeded
	})

	client := NewClient(addr)
	client.Timeout = time.Second
	defer client.Close()

	resp, err := client.Send(context.Background(), 1, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.FunctionCode != 0x83 || resp.Data[0] != modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond {
		t.Errorf("expected gateway exception, got %+v", resp)
	}
}

func TestClient_NotAddressedTimesOut(t *testing.T) {
	addr := startServer(t, func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		return modbus.ProtocolDataUnit{}, transport.ErrNotAddressed
	})

	client := NewClient(addr)
	client.Timeout = 200 * time.Millisecond
	defer client.Close()

	if _, err := client.Send(context.Background(), 9, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}}); err == nil {
		t.Error("expected timeout for a silent slave")
	}
}
