// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ffutop/modbus-interface/modbus"
)

var ErrRequestTimedOut = errors.New("modbus: request timed out")

const (
	stateSlaveID = 1 << iota
	stateFunctionCode
	stateReadLength
	stateReadPayload
	stateCRC
)

type InvalidLengthError struct {
	Length byte
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length received: %d", e.Length)
}

// CalculateResponseLength returns the expected length of the response to the
// request ADU. Function codes with a variable response return MinSize.
func CalculateResponseLength(adu []byte) int {
	length := MinSize
	if len(adu) < 6 {
		return length
	}
	count := int(binary.BigEndian.Uint16(adu[4:]))
	switch adu[1] {
	case modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadCoils:
		length += 1 + (count+7)/8
	case modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadWriteMultipleRegisters:
		length += 1 + count*2
	case modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleRegisters:
		length += 4
	case modbus.FuncCodeMaskWriteRegister:
		length += 6
	}
	return length
}

// CalculateRequestLength returns the total length of a request ADU from its
// header. Write-multiple requests need the byte count, so 7 header bytes.
func CalculateRequestLength(funcCode byte, header []byte) (int, error) {
	switch funcCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		// [SlaveID, Func, Addr(2), Val(2), CRC(2)]
		return 8, nil
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		// [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < 7 {
			return 0, fmt.Errorf("need 7 bytes to determine length for 0x%02X, got %d", funcCode, len(header))
		}
		return 7 + int(header[6]) + 2, nil
	default:
		return 0, fmt.Errorf("unsupported function code: 0x%02X", funcCode)
	}
}

// ReadResponse reads one RTU response frame from r. Bytes before the expected
// slave id and function code are skipped.
func ReadResponse(slaveID, functionCode byte, r io.Reader, deadline time.Time) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("reader is nil")
	}

	buf := make([]byte, 1)
	data := make([]byte, 0, MaxSize)

	state := stateSlaveID
	var toRead int
	var crcCount int

	for {
		if time.Now().After(deadline) {
			return nil, ErrRequestTimedOut
		}

		if _, err := io.ReadAtLeast(r, buf, 1); err != nil {
			return nil, err
		}
		b := buf[0]

		switch state {
		case stateSlaveID:
			if b != slaveID {
				continue
			}
			data = append(data, b)
			state = stateFunctionCode
		case stateFunctionCode:
			switch b {
			case functionCode:
				switch functionCode {
				case modbus.FuncCodeReadDiscreteInputs,
					modbus.FuncCodeReadCoils,
					modbus.FuncCodeReadHoldingRegisters,
					modbus.FuncCodeReadInputRegisters,
					modbus.FuncCodeReadWriteMultipleRegisters:
					state = stateReadLength
				case modbus.FuncCodeWriteSingleCoil,
					modbus.FuncCodeWriteSingleRegister,
					modbus.FuncCodeWriteMultipleRegisters,
					modbus.FuncCodeWriteMultipleCoils:
					state, toRead = stateReadPayload, 4
				case modbus.FuncCodeMaskWriteRegister:
					state, toRead = stateReadPayload, 6
				default:
					return nil, fmt.Errorf("functioncode not handled: %d", functionCode)
				}
			case functionCode | 0x80:
				state, toRead = stateReadPayload, 1
			default:
				// not our frame; resync on the next slave id
				data = data[:0]
				state = stateSlaveID
				continue
			}
			data = append(data, b)
		case stateReadLength:
			if b == 0 || int(b) > MaxSize-5 {
				return nil, &InvalidLengthError{Length: b}
			}
			data = append(data, b)
			state, toRead = stateReadPayload, int(b)
		case stateReadPayload:
			data = append(data, b)
			toRead--
			if toRead == 0 {
				state = stateCRC
			}
		case stateCRC:
			data = append(data, b)
			crcCount++
			if crcCount == 2 {
				return data, nil
			}
		}
	}
}
