// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the transport independent parts of the protocol:
// the protocol data unit, function and exception codes, and the register tables.
//
// Registers are 16-bit unsigned values throughout this module.
package modbus

import "fmt"

// Function codes.
const (
	FuncCodeReadCoils                  = 0x01
	FuncCodeReadDiscreteInputs         = 0x02
	FuncCodeReadHoldingRegisters       = 0x03
	FuncCodeReadInputRegisters         = 0x04
	FuncCodeWriteSingleCoil            = 0x05
	FuncCodeWriteSingleRegister        = 0x06
	FuncCodeWriteMultipleCoils         = 0x0F
	FuncCodeWriteMultipleRegisters     = 0x10
	FuncCodeMaskWriteRegister          = 0x16
	FuncCodeReadWriteMultipleRegisters = 0x17
	FuncCodeReadFIFOQueue              = 0x18
	FuncCodeReadDeviceIdentification   = 0x2B
)

// Exception codes.
const (
	ExceptionCodeIllegalFunction                    = 0x01
	ExceptionCodeIllegalDataAddress                 = 0x02
	ExceptionCodeIllegalDataValue                   = 0x03
	ExceptionCodeServerDeviceFailure                = 0x04
	ExceptionCodeAcknowledge                        = 0x05
	ExceptionCodeServerDeviceBusy                   = 0x06
	ExceptionCodeMemoryParityError                  = 0x08
	ExceptionCodeGatewayPathUnavailable             = 0x0A
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 0x0B
)

// Quantity limits per request.
const (
	MaxReadRegisters  = 125
	MaxWriteRegisters = 123
	MaxReadBits       = 2000
	MaxWriteBits      = 1968
)

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// IsException reports whether the PDU carries an exception response.
func (pdu ProtocolDataUnit) IsException() bool {
	return pdu.FunctionCode&0x80 != 0
}

// Exception builds the exception response for funcCode.
func Exception(funcCode, code byte) ProtocolDataUnit {
	return ProtocolDataUnit{
		FunctionCode: funcCode | 0x80,
		Data:         []byte{code},
	}
}

// Error is returned when the server answers with an exception response.
type Error struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *Error) Error() string {
	var name string
	switch e.ExceptionCode {
	case ExceptionCodeIllegalFunction:
		name = "illegal function"
	case ExceptionCodeIllegalDataAddress:
		name = "illegal data address"
	case ExceptionCodeIllegalDataValue:
		name = "illegal data value"
	case ExceptionCodeServerDeviceFailure:
		name = "server device failure"
	case ExceptionCodeAcknowledge:
		name = "acknowledge"
	case ExceptionCodeServerDeviceBusy:
		name = "server device busy"
	case ExceptionCodeMemoryParityError:
		name = "memory parity error"
	case ExceptionCodeGatewayPathUnavailable:
		name = "gateway path unavailable"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		name = "gateway target device failed to respond"
	default:
		name = "unknown"
	}
	return fmt.Sprintf("modbus: exception '%v' (%s), function '%v'", e.ExceptionCode, name, e.FunctionCode&0x7F)
}

// AsError converts an exception response into an *Error. It returns nil for
// a normal response.
func (pdu ProtocolDataUnit) AsError() error {
	if !pdu.IsException() {
		return nil
	}
	e := &Error{FunctionCode: pdu.FunctionCode}
	if len(pdu.Data) > 0 {
		e.ExceptionCode = pdu.Data[0]
	}
	return e
}

// Table identifies one of the four data tables of a server device.
type Table int

const (
	Coils Table = iota
	DiscreteInputs
	HoldingRegisters
	InputRegisters
)

func (t Table) String() string {
	switch t {
	case Coils:
		return "coils"
	case DiscreteInputs:
		return "discrete-inputs"
	case HoldingRegisters:
		return "holding-registers"
	case InputRegisters:
		return "input-registers"
	}
	return fmt.Sprintf("table(%d)", int(t))
}

// ReadFunction returns the function code that reads table t.
func (t Table) ReadFunction() (byte, error) {
	switch t {
	case Coils:
		return FuncCodeReadCoils, nil
	case DiscreteInputs:
		return FuncCodeReadDiscreteInputs, nil
	case HoldingRegisters:
		return FuncCodeReadHoldingRegisters, nil
	case InputRegisters:
		return FuncCodeReadInputRegisters, nil
	}
	return 0, fmt.Errorf("modbus: no read function for %v", t)
}

// WriteFunction returns the multiple-write function code for table t.
// Only coils and holding registers are writable.
func (t Table) WriteFunction() (byte, error) {
	switch t {
	case Coils:
		return FuncCodeWriteMultipleCoils, nil
	case HoldingRegisters:
		return FuncCodeWriteMultipleRegisters, nil
	}
	return 0, fmt.Errorf("modbus: %v is read-only", t)
}
