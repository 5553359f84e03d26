// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package simulator answers Modbus requests from an in-memory device, for
// bench testing without hardware.
package simulator

import (
	"context"
	"encoding/binary"
	"log/slog"

	"github.com/ffutop/modbus-interface/internal/simulator/model"
	"github.com/ffutop/modbus-interface/internal/simulator/persistence"
	"github.com/ffutop/modbus-interface/modbus"
	"github.com/ffutop/modbus-interface/transport"
)

// Device executes function codes against a Memory and reports writes to its storage.
type Device struct {
	mem     *model.Memory
	storage persistence.Storage
	ids     map[byte]bool
}

// NewDevice creates a device over mem. It answers the given slave ids, or
// every id if none are given. storage may be nil.
func NewDevice(mem *model.Memory, storage persistence.Storage, slaveIDs ...byte) *Device {
	if storage == nil {
		storage = persistence.NewMemoryStorage()
	}
	d := &Device{mem: mem, storage: storage}
	if len(slaveIDs) > 0 {
		d.ids = make(map[byte]bool, len(slaveIDs))
		for _, id := range slaveIDs {
			d.ids[id] = true
		}
	}
	return d
}

// Memory returns the device memory.
func (d *Device) Memory() *model.Memory {
	return d.mem
}

// Serves reports whether the device answers slaveID.
func (d *Device) Serves(slaveID byte) bool {
	return d.ids == nil || d.ids[slaveID]
}

// Handle is a transport.RequestHandler. Requests for other slave ids, and
// broadcasts to id 0 after they are applied, yield transport.ErrNotAddressed.
func (d *Device) Handle(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if slaveID == 0 {
		d.Process(pdu)
		return modbus.ProtocolDataUnit{}, transport.ErrNotAddressed
	}
	if !d.Serves(slaveID) {
		return modbus.ProtocolDataUnit{}, transport.ErrNotAddressed
	}
	resp := d.Process(pdu)
	if resp.IsException() {
		slog.Debug("simulated device raised exception", "slaveID", slaveID, "function", pdu.FunctionCode, "code", resp.Data[0])
	}
	return resp, nil
}

// Close closes the storage.
func (d *Device) Close() error {
	return d.storage.Close()
}

// Process executes the function code against the memory.
func (d *Device) Process(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return d.readBits(req, modbus.Coils)
	case modbus.FuncCodeReadDiscreteInputs:
		return d.readBits(req, modbus.DiscreteInputs)
	case modbus.FuncCodeReadHoldingRegisters:
		return d.readRegisters(req, modbus.HoldingRegisters)
	case modbus.FuncCodeReadInputRegisters:
		return d.readRegisters(req, modbus.InputRegisters)
	case modbus.FuncCodeWriteSingleCoil:
		return d.writeSingleCoil(req)
	case modbus.FuncCodeWriteSingleRegister:
		return d.writeSingleRegister(req)
	case modbus.FuncCodeWriteMultipleCoils:
		return d.writeMultiple(req, modbus.Coils, modbus.MaxWriteBits)
	case modbus.FuncCodeWriteMultipleRegisters:
		return d.writeMultiple(req, modbus.HoldingRegisters, modbus.MaxWriteRegisters)
	default:
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalFunction)
	}
}

func (d *Device) readBits(req modbus.ProtocolDataUnit, table modbus.Table) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > modbus.MaxReadBits {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	data, err := d.mem.ReadBits(table, address, quantity)
	if err != nil {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         append([]byte{byte(len(data))}, data...),
	}
}

func (d *Device) readRegisters(req modbus.ProtocolDataUnit, table modbus.Table) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > modbus.MaxReadRegisters {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	data, err := d.mem.ReadRegisters(table, address, quantity)
	if err != nil {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         append([]byte{byte(len(data))}, data...),
	}
}

func (d *Device) writeSingleCoil(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	var bit byte
	switch binary.BigEndian.Uint16(req.Data[2:4]) {
	case 0xFF00:
		bit = 1
	case 0x0000:
	default:
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	if err := d.mem.WriteBits(modbus.Coils, address, 1, []byte{bit}); err != nil {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	d.storage.OnWrite(modbus.Coils, address, 1)
	return req
}

func (d *Device) writeSingleRegister(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])

	if err := d.mem.WriteRegisters(modbus.HoldingRegisters, address, 1, req.Data[2:4]); err != nil {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	d.storage.OnWrite(modbus.HoldingRegisters, address, 1)
	return req
}

// writeMultiple serves 0x0F and 0x10: address, quantity, byte count, values.
func (d *Device) writeMultiple(req modbus.ProtocolDataUnit, table modbus.Table, maxQuantity uint16) modbus.ProtocolDataUnit {
	if len(req.Data) < 6 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := int(req.Data[4])
	if quantity < 1 || quantity > maxQuantity || len(req.Data)-5 != byteCount {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	var err error
	if table == modbus.Coils {
		if byteCount != (int(quantity)+7)/8 {
			return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
		}
		err = d.mem.WriteBits(table, address, quantity, req.Data[5:])
	} else {
		if byteCount != int(quantity)*2 {
			return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
		}
		err = d.mem.WriteRegisters(table, address, quantity, req.Data[5:])
	}
	if err != nil {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	d.storage.OnWrite(table, address, quantity)

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         append([]byte(nil), req.Data[:4]...),
	}
}
