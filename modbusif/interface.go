// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbusif reads and writes holding registers of a Modbus RTU device
// on an RS-485 line. Framing, CRC and the serial port belong to the Client
// and Transport it is given.
//
// Registers are 16-bit unsigned values. Register addresses are sent as given,
// zero-based as on the wire.
package modbusif

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ffutop/modbus-interface/modbus"
	"github.com/ffutop/modbus-interface/modbus/rtu"
)

// Client is a transaction-style Modbus RTU master.
type Client interface {
	Begin(ctx context.Context, baudRate int, line rtu.LineConfig) error
	BeginTransmission(address byte, table modbus.Table, start uint16, quantity int)
	Write(value uint16)
	// EndTransmission sends the transaction. It reports errors from
	// BeginTransmission and Write too.
	EndTransmission(ctx context.Context) error
	RequestFrom(ctx context.Context, address byte, table modbus.Table, start uint16, quantity int) error
	Available() int
	Read() uint16
	LastError() error
}

// Transport drives the RS-485 transceiver.
type Transport interface {
	SetDelays(pre, post time.Duration)
}

// State is the lifecycle state of an Interface.
type State int

const (
	StateUninitialized State = iota
	StateReady
	// StateHalted is terminal. It is entered when Begin fails.
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateHalted:
		return "halted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Timing holds the constants derived by Begin.
type Timing struct {
	BitDuration time.Duration
	WordLength  float64 // bit times per character
	PreDelay    time.Duration
	PostDelay   time.Duration
}

// Interface is not safe for concurrent use.
type Interface struct {
	client    Client
	transport Transport
	logger    *slog.Logger
	verbose   bool

	wordLength       float64
	deriveWordLength bool
	faultHandler     func(error)

	state        State
	inErrorState bool
	line         rtu.LineConfig
	timing       Timing
}

// Option configures an Interface.
type Option func(*Interface)

// WithWordLength sets the bit times per character used for the turnaround
// delay. The default is 9.6.
func WithWordLength(bits float64) Option {
	return func(i *Interface) {
		if bits > 0 {
			i.wordLength = bits
		}
	}
}

// WithDerivedWordLength takes the word length from the line passed to Begin.
func WithDerivedWordLength() Option {
	return func(i *Interface) {
		i.deriveWordLength = true
	}
}

// WithFaultHandler sets a function called once when Begin fails.
func WithFaultHandler(fn func(error)) Option {
	return func(i *Interface) {
		i.faultHandler = fn
	}
}

// New creates an Interface. It does no I/O. A nil logger means slog.Default().
func New(client Client, transport Transport, logger *slog.Logger, verbose bool, opts ...Option) *Interface {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Interface{
		client:     client,
		transport:  transport,
		logger:     logger,
		verbose:    verbose,
		wordLength: rtu.DefaultWordLength,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Begin derives the turnaround delays from baudRate, hands them to the
// transport and starts the client. A failure halts the Interface for good.
func (i *Interface) Begin(ctx context.Context, baudRate int, line rtu.LineConfig) error {
	if i.state == StateHalted {
		return ErrHalted
	}

	wordLength := i.wordLength
	if i.deriveWordLength {
		wordLength = float64(line.CharacterBits())
	}

	var err error
	if baudRate <= 0 {
		err = fmt.Errorf("invalid baud rate %d", baudRate)
	} else {
		delay := rtu.TurnaroundDelay(baudRate, wordLength)
		i.timing = Timing{
			BitDuration: rtu.BitDuration(baudRate),
			WordLength:  wordLength,
			PreDelay:    delay,
			PostDelay:   delay,
		}
		i.line = line
		i.transport.SetDelays(i.timing.PreDelay, i.timing.PostDelay)
		err = i.client.Begin(ctx, baudRate, line)
	}

	if err != nil {
		if i.verbose {
			i.logger.Error("Failed to start Modbus RTU Client!", "baudRate", baudRate, "line", line.String(), "err", err)
		}
		i.inErrorState = true
		i.state = StateHalted
		err = fmt.Errorf("%w: %w", ErrHalted, err)
		if i.faultHandler != nil {
			i.faultHandler(err)
		}
		return err
	}

	if i.verbose {
		i.logger.Info("Successfully started Modbus RTU Client!", "baudRate", baudRate, "line", line.String(),
			"preDelay", i.timing.PreDelay, "postDelay", i.timing.PostDelay)
	}
	i.state = StateReady
	return nil
}

// WriteHoldingRegisterValues writes data to consecutive holding registers of
// the device at address, starting at start.
func (i *Interface) WriteHoldingRegisterValues(ctx context.Context, address byte, start uint16, data []uint16) error {
	if err := i.ready("write", address, start, len(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return i.failed("write", address, start, 0, fmt.Errorf("no values to write"))
	}

	if i.verbose {
		i.logger.Info("Writing Holding Registers values", "address", address, "startingRegister", start, "length", len(data))
	}

	i.client.BeginTransmission(address, modbus.HoldingRegisters, start, len(data))
	for _, v := range data {
		i.client.Write(v)
	}
	if err := i.client.EndTransmission(ctx); err != nil {
		if i.verbose {
			i.logger.Error("WRITE FAILED", "address", address, "startingRegister", start, "length", len(data),
				"data", hexValues(data), "err", i.clientError(err))
		}
		return i.failed("write", address, start, len(data), err)
	}

	if i.verbose {
		i.logger.Info("WRITE SUCCESSFUL")
	}
	i.inErrorState = false
	return nil
}

// WriteHoldingRegisterValue writes one holding register.
func (i *Interface) WriteHoldingRegisterValue(ctx context.Context, address byte, register uint16, value uint16) error {
	return i.WriteHoldingRegisterValues(ctx, address, register, []uint16{value})
}

// ReadHoldingRegisterValues reads count holding registers starting at start
// into response[:count]. Values beyond count returned by the client are
// discarded. On error the contents of response are undefined.
func (i *Interface) ReadHoldingRegisterValues(ctx context.Context, address byte, start uint16, count int, response []uint16) error {
	if err := i.ready("read", address, start, count); err != nil {
		return err
	}
	if count <= 0 {
		return i.failed("read", address, start, count, fmt.Errorf("count must be positive"))
	}
	if len(response) < count {
		return i.failed("read", address, start, count, fmt.Errorf("response holds %d values, %d requested", len(response), count))
	}

	if i.verbose {
		i.logger.Info("Reading Holding Register values", "address", address, "startingRegister", start, "count", count)
	}

	if err := i.client.RequestFrom(ctx, address, modbus.HoldingRegisters, start, count); err != nil {
		if i.verbose {
			i.logger.Error("READ FAILED!", "address", address, "startingRegister", start, "count", count, "err", i.clientError(err))
		}
		return i.failed("read", address, start, count, err)
	}

	for n := 0; i.client.Available() > 0; n++ {
		v := i.client.Read()
		if n < count {
			response[n] = v
		}
	}

	if i.verbose {
		i.logger.Info("READ SUCCESSFUL")
	}
	i.inErrorState = false
	return nil
}

// ReadHoldingRegisterValue reads one holding register into response.
func (i *Interface) ReadHoldingRegisterValue(ctx context.Context, address byte, register uint16, response *uint16) error {
	buf := []uint16{0}
	if err := i.ReadHoldingRegisterValues(ctx, address, register, 1, buf); err != nil {
		return err
	}
	*response = buf[0]
	return nil
}

// RS485Config returns the line configuration passed to Begin.
func (i *Interface) RS485Config() rtu.LineConfig {
	return i.line
}

// InErrorState reports whether the last operation failed.
func (i *Interface) InErrorState() bool {
	return i.inErrorState
}

// Timing returns the constants derived by Begin.
func (i *Interface) Timing() Timing {
	return i.timing
}

// State returns the lifecycle state.
func (i *Interface) State() State {
	return i.state
}

func (i *Interface) ready(op string, address byte, start uint16, quantity int) error {
	switch i.state {
	case StateReady:
		return nil
	case StateHalted:
		i.inErrorState = true
		return ErrHalted
	}
	return i.failed(op, address, start, quantity, ErrNotStarted)
}

func (i *Interface) failed(op string, address byte, start uint16, quantity int, err error) error {
	i.inErrorState = true
	return &OperationError{Op: op, Address: address, Start: start, Quantity: quantity, Err: err}
}

// clientError prefers the client's own description of the failure.
func (i *Interface) clientError(err error) error {
	if last := i.client.LastError(); last != nil {
		return last
	}
	return err
}

func hexValues(data []uint16) string {
	var b strings.Builder
	for n, v := range data {
		if n > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "0x%X", v)
	}
	return b.String()
}
