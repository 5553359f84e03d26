// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbusif

import (
	"errors"
	"fmt"
)

var (
	// ErrHalted is returned by every operation after Begin failed.
	ErrHalted = errors.New("modbusif: halted after failed begin")
	// ErrNotStarted is returned by operations before Begin.
	ErrNotStarted = errors.New("modbusif: begin not called")
)

// OperationError describes a failed register read or write.
type OperationError struct {
	Op       string // "read" or "write"
	Address  byte
	Start    uint16
	Quantity int
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("modbusif: %s of %d holding registers at %d on slave %d: %v", e.Op, e.Quantity, e.Start, e.Address, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
