// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"unsafe"

	"github.com/ffutop/modbus-interface/internal/simulator/model"
)

// On-disk layout shared by the file and mmap storages:
//
//	Coils            65536 bytes     offset 0
//	DiscreteInputs   65536 bytes     offset 65536
//	HoldingRegisters 65536*2 bytes   offset 131072
//	InputRegisters   65536*2 bytes   offset 262144
const (
	sizeCoils    = model.MaxAddress + 1
	sizeDiscrete = model.MaxAddress + 1
	sizeHolding  = (model.MaxAddress + 1) * 2
	sizeInput    = (model.MaxAddress + 1) * 2
	totalSize    = sizeCoils + sizeDiscrete + sizeHolding + sizeInput

	offsetCoils    = 0
	offsetDiscrete = offsetCoils + sizeCoils
	offsetHolding  = offsetDiscrete + sizeDiscrete
	offsetInput    = offsetHolding + sizeHolding
)

// memoryOver builds a Memory whose tables alias data. Registers are in host
// byte order, so files are not portable between architectures of different
// endianness.
func memoryOver(data []byte) *model.Memory {
	holding := data[offsetHolding : offsetHolding+sizeHolding]
	input := data[offsetInput : offsetInput+sizeInput]
	return &model.Memory{
		Coils:            data[offsetCoils : offsetCoils+sizeCoils],
		DiscreteInputs:   data[offsetDiscrete : offsetDiscrete+sizeDiscrete],
		HoldingRegisters: unsafe.Slice((*uint16)(unsafe.Pointer(&holding[0])), sizeHolding/2),
		InputRegisters:   unsafe.Slice((*uint16)(unsafe.Pointer(&input[0])), sizeInput/2),
	}
}
