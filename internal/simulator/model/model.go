// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package model holds the four data tables of a simulated device.
package model

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ffutop/modbus-interface/modbus"
)

const (
	MaxAddress = 65535
)

// Memory covers the full 16-bit address space of every table. Bits are stored
// one per byte, 1 (ON) or 0 (OFF).
type Memory struct {
	mu sync.RWMutex

	Coils            []byte
	DiscreteInputs   []byte
	HoldingRegisters []uint16
	InputRegisters   []uint16
}

// NewMemory creates a new memory initialized to zero.
func NewMemory() *Memory {
	return &Memory{
		Coils:            make([]byte, MaxAddress+1),
		DiscreteInputs:   make([]byte, MaxAddress+1),
		HoldingRegisters: make([]uint16, MaxAddress+1),
		InputRegisters:   make([]uint16, MaxAddress+1),
	}
}

func (m *Memory) bits(table modbus.Table) ([]byte, error) {
	switch table {
	case modbus.Coils:
		return m.Coils, nil
	case modbus.DiscreteInputs:
		return m.DiscreteInputs, nil
	}
	return nil, fmt.Errorf("%v is not a bit table", table)
}

func (m *Memory) registers(table modbus.Table) ([]uint16, error) {
	switch table {
	case modbus.HoldingRegisters:
		return m.HoldingRegisters, nil
	case modbus.InputRegisters:
		return m.InputRegisters, nil
	}
	return nil, fmt.Errorf("%v is not a register table", table)
}

// ReadBits reads a range of coils or discrete inputs packed LSB first.
func (m *Memory) ReadBits(table modbus.Table, address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	bits, err := m.bits(table)
	if err != nil {
		return nil, err
	}

	result := make([]byte, (int(quantity)+7)/8)
	for i := 0; i < int(quantity); i++ {
		if bits[int(address)+i] != 0 {
			result[i/8] |= 1 << uint(i%8)
		}
	}
	return result, nil
}

// WriteBits writes a range of coils or discrete inputs from packed bytes.
func (m *Memory) WriteBits(table modbus.Table, address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(data) < (int(quantity)+7)/8 {
		return fmt.Errorf("insufficient data length")
	}
	bits, err := m.bits(table)
	if err != nil {
		return err
	}

	for i := 0; i < int(quantity); i++ {
		bits[int(address)+i] = (data[i/8] >> uint(i%8)) & 1
	}
	return nil
}

// ReadRegisters reads a range of holding or input registers as big-endian bytes.
func (m *Memory) ReadRegisters(table modbus.Table, address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	regs, err := m.registers(table)
	if err != nil {
		return nil, err
	}

	result := make([]byte, int(quantity)*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:], regs[int(address)+i])
	}
	return result, nil
}

// WriteRegisters writes a range of holding or input registers from big-endian bytes.
func (m *Memory) WriteRegisters(table modbus.Table, address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(data) < int(quantity)*2 {
		return fmt.Errorf("insufficient data length")
	}
	regs, err := m.registers(table)
	if err != nil {
		return err
	}

	for i := 0; i < int(quantity); i++ {
		regs[int(address)+i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return nil
}

// Values returns quantity cells of table starting at address, bits as 0 or 1.
func (m *Memory) Values(table modbus.Table, address, quantity uint16) ([]uint16, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	out := make([]uint16, quantity)
	if bits, err := m.bits(table); err == nil {
		for i := range out {
			out[i] = uint16(bits[int(address)+i])
		}
		return out, nil
	}
	regs, err := m.registers(table)
	if err != nil {
		return nil, err
	}
	copy(out, regs[int(address):])
	return out, nil
}

// ReadLocked runs fn while writes to the memory are blocked. Storages that
// alias the tables use it to take a consistent snapshot.
func (m *Memory) ReadLocked(fn func()) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn()
}

// Set stores one cell without going through the protocol. Bit tables take
// any non-zero value as ON.
func (m *Memory) Set(table modbus.Table, address uint16, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bits, err := m.bits(table); err == nil {
		if value != 0 {
			value = 1
		}
		bits[address] = byte(value)
		return nil
	}
	regs, err := m.registers(table)
	if err != nil {
		return err
	}
	regs[address] = value
	return nil
}

func validateRange(address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be greater than 0")
	}
	if int(address)+int(quantity) > MaxAddress+1 {
		return fmt.Errorf("address range out of bounds")
	}
	return nil
}
