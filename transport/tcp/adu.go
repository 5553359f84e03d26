// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ffutop/modbus-interface/modbus"
)

const (
	tcpHeaderSize = 7
	tcpMinSize    = 8
	tcpMaxSize    = 260
)

// ApplicationDataUnit is a Modbus TCP frame: the MBAP header followed by the PDU.
//
//	Transaction ID : 2 bytes
//	Protocol ID    : 2 bytes, always 0
//	Length         : 2 bytes, unit id plus PDU
//	Unit ID        : 1 byte
type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	SlaveID       byte
	Pdu           modbus.ProtocolDataUnit
}

// Decode parses raw, which must hold exactly one frame.
func Decode(raw []byte) (*ApplicationDataUnit, error) {
	if len(raw) < tcpMinSize {
		return nil, fmt.Errorf("modbus: frame length '%v' does not meet minimum '%v'", len(raw), tcpMinSize)
	}
	length := int(binary.BigEndian.Uint16(raw[4:]))
	if length != len(raw)-6 {
		return nil, fmt.Errorf("modbus: length in header '%v' does not match frame length '%v'", length, len(raw)-6)
	}
	adu := &ApplicationDataUnit{
		TransactionID: binary.BigEndian.Uint16(raw[0:]),
		ProtocolID:    binary.BigEndian.Uint16(raw[2:]),
		SlaveID:       raw[6],
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: raw[7],
			Data:         raw[8:],
		},
	}
	if adu.ProtocolID != 0 {
		return nil, fmt.Errorf("modbus: unknown protocol id '%v'", adu.ProtocolID)
	}
	return adu, nil
}

// Encode encodes the frame. The length field is derived from the PDU.
func (adu *ApplicationDataUnit) Encode() ([]byte, error) {
	length := len(adu.Pdu.Data) + tcpMinSize
	if length > tcpMaxSize {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, tcpMaxSize)
	}
	raw := make([]byte, length)
	binary.BigEndian.PutUint16(raw[0:], adu.TransactionID)
	binary.BigEndian.PutUint16(raw[2:], adu.ProtocolID)
	binary.BigEndian.PutUint16(raw[4:], uint16(length-6))
	raw[6] = adu.SlaveID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)
	return raw, nil
}

// Verify checks that resp answers req.
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) error {
	if resp.TransactionID != req.TransactionID {
		return fmt.Errorf("modbus: response transaction id '%v' does not match request '%v'", resp.TransactionID, req.TransactionID)
	}
	if resp.SlaveID != req.SlaveID {
		return fmt.Errorf("modbus: response unit id '%v' does not match request '%v'", resp.SlaveID, req.SlaveID)
	}
	if resp.Pdu.FunctionCode&0x7F != req.Pdu.FunctionCode {
		return fmt.Errorf("modbus: response function '%v' does not match request '%v'", resp.Pdu.FunctionCode, req.Pdu.FunctionCode)
	}
	return nil
}

// readFrame reads one frame from r: the MBAP header then as many bytes as it announces.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, tcpHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[4:]))
	if length < 2 || length > tcpMaxSize-6 {
		return nil, fmt.Errorf("modbus: invalid length in header '%v'", length)
	}
	frame := make([]byte, 6+length)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[tcpHeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}
