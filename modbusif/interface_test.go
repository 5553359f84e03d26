// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbusif

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/modbus-interface/modbus"
	"github.com/ffutop/modbus-interface/modbus/rtu"
)

type txRecord struct {
	Address byte
	Table   modbus.Table
	Start   uint16
	Values  []uint16
}

// fakeClient is a register file keyed by slave address. Setting a fail*
// field makes the matching call fail without touching the registers.
type fakeClient struct {
	registers map[byte]map[uint16]uint16

	failBegin   error
	failEnd     error
	failRequest error
	extra       []uint16 // appended to every read

	calls       int // every method except LastError
	pre, post   time.Duration
	baudRate    int
	line        rtu.LineConfig
	tx          txRecord
	transmitted []txRecord
	rx          []uint16
	lastErr     error
}

func newFakeClient() *fakeClient {
	return &fakeClient{registers: map[byte]map[uint16]uint16{}}
}

func (f *fakeClient) SetDelays(pre, post time.Duration) {
	f.calls++
	f.pre, f.post = pre, post
}

func (f *fakeClient) Begin(ctx context.Context, baudRate int, line rtu.LineConfig) error {
	f.calls++
	f.baudRate, f.line = baudRate, line
	f.lastErr = f.failBegin
	return f.failBegin
}

func (f *fakeClient) BeginTransmission(address byte, table modbus.Table, start uint16, quantity int) {
	f.calls++
	f.tx = txRecord{Address: address, Table: table, Start: start}
}

func (f *fakeClient) Write(value uint16) {
	f.calls++
	f.tx.Values = append(f.tx.Values, value)
}

func (f *fakeClient) EndTransmission(ctx context.Context) error {
	f.calls++
	f.transmitted = append(f.transmitted, f.tx)
	if f.failEnd != nil {
		f.lastErr = f.failEnd
		return f.failEnd
	}
	regs := f.registers[f.tx.Address]
	if regs == nil {
		regs = map[uint16]uint16{}
		f.registers[f.tx.Address] = regs
	}
	for n, v := range f.tx.Values {
		regs[f.tx.Start+uint16(n)] = v
	}
	f.lastErr = nil
	return nil
}

func (f *fakeClient) RequestFrom(ctx context.Context, address byte, table modbus.Table, start uint16, quantity int) error {
	f.calls++
	f.rx = f.rx[:0]
	if f.failRequest != nil {
		f.lastErr = f.failRequest
		return f.failRequest
	}
	for n := 0; n < quantity; n++ {
		f.rx = append(f.rx, f.registers[address][start+uint16(n)])
	}
	f.rx = append(f.rx, f.extra...)
	f.lastErr = nil
	return nil
}

func (f *fakeClient) Available() int {
	f.calls++
	return len(f.rx)
}

func (f *fakeClient) Read() uint16 {
	f.calls++
	v := f.rx[0]
	f.rx = f.rx[1:]
	return v
}

func (f *fakeClient) LastError() error { return f.lastErr }

func started(t *testing.T, opts ...Option) (*Interface, *fakeClient) {
	t.Helper()
	fc := newFakeClient()
	i := New(fc, fc, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), true, opts...)
	require.NoError(t, i.Begin(context.Background(), 9600, rtu.Line8N1))
	return i, fc
}

func TestBegin_Timing(t *testing.T) {
	i, fc := started(t)

	assert.Equal(t, StateReady, i.State())
	assert.Equal(t, 3500*time.Microsecond, fc.pre)
	assert.Equal(t, 3500*time.Microsecond, fc.post)
	assert.Equal(t, 9600, fc.baudRate)
	assert.Equal(t, rtu.Line8N1, i.RS485Config())
	assert.False(t, i.InErrorState())

	want := Timing{
		BitDuration: rtu.BitDuration(9600),
		WordLength:  9.6,
		PreDelay:    3500 * time.Microsecond,
		PostDelay:   3500 * time.Microsecond,
	}
	if diff := cmp.Diff(want, i.Timing()); diff != "" {
		t.Errorf("Timing() mismatch (-want +got):\n%s", diff)
	}
}

func TestBegin_WordLengthOptions(t *testing.T) {
	i, fc := started(t, WithWordLength(10))
	assert.Equal(t, 10.0, i.Timing().WordLength)
	assert.Equal(t, 3645833*time.Nanosecond, fc.pre)

	fc = newFakeClient()
	i = New(fc, fc, nil, false, WithDerivedWordLength())
	require.NoError(t, i.Begin(context.Background(), 19200, rtu.Line8E1))
	assert.Equal(t, 11.0, i.Timing().WordLength)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		address byte
		start   uint16
		values  []uint16
	}{
		{"Single", 1, 0, []uint16{0xFFFF}},
		{"Example", 17, 100, []uint16{0x00F0}},
		{"Several", 247, 40000, []uint16{1, 2, 3, 0x8000, 0}},
		{"Max", 5, 10, make([]uint16, modbus.MaxWriteRegisters)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i, _ := started(t)
			ctx := context.Background()

			require.NoError(t, i.WriteHoldingRegisterValues(ctx, tt.address, tt.start, tt.values))
			got := make([]uint16, len(tt.values))
			require.NoError(t, i.ReadHoldingRegisterValues(ctx, tt.address, tt.start, len(tt.values), got))

			if diff := cmp.Diff(tt.values, got); diff != "" {
				t.Errorf("read back mismatch (-want +got):\n%s", diff)
			}
			assert.False(t, i.InErrorState())
		})
	}
}

func TestSingleEqualsMultiple(t *testing.T) {
	ctx := context.Background()
	single, sfc := started(t)
	multi, mfc := started(t)

	require.NoError(t, single.WriteHoldingRegisterValue(ctx, 3, 7, 0xBEEF))
	require.NoError(t, multi.WriteHoldingRegisterValues(ctx, 3, 7, []uint16{0xBEEF}))
	if diff := cmp.Diff(mfc.transmitted, sfc.transmitted); diff != "" {
		t.Errorf("single write differs from multiple write (-multi +single):\n%s", diff)
	}

	var one uint16
	many := []uint16{0}
	require.NoError(t, single.ReadHoldingRegisterValue(ctx, 3, 7, &one))
	require.NoError(t, multi.ReadHoldingRegisterValues(ctx, 3, 7, 1, many))
	assert.Equal(t, many[0], one)
	assert.Equal(t, uint16(0xBEEF), one)
}

func TestWriteExample(t *testing.T) {
	i, fc := started(t)

	require.NoError(t, i.WriteHoldingRegisterValues(context.Background(), 17, 100, []uint16{0x00F0}))

	want := []txRecord{{Address: 17, Table: modbus.HoldingRegisters, Start: 100, Values: []uint16{0x00F0}}}
	if diff := cmp.Diff(want, fc.transmitted); diff != "" {
		t.Errorf("transmitted mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteFailure(t *testing.T) {
	i, fc := started(t)
	ctx := context.Background()
	require.NoError(t, i.WriteHoldingRegisterValues(ctx, 17, 100, []uint16{1, 2}))

	fc.failEnd = &modbus.Error{FunctionCode: 0x90, ExceptionCode: modbus.ExceptionCodeIllegalDataAddress}
	err := i.WriteHoldingRegisterValues(ctx, 17, 100, []uint16{9, 9})
	require.Error(t, err)
	assert.True(t, i.InErrorState())

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "write", opErr.Op)
	assert.Equal(t, byte(17), opErr.Address)
	assert.Equal(t, uint16(100), opErr.Start)
	assert.Equal(t, 2, opErr.Quantity)
	var mbErr *modbus.Error
	assert.ErrorAs(t, err, &mbErr)

	assert.Equal(t, map[uint16]uint16{100: 1, 101: 2}, fc.registers[17], "failed write must not change the device")

	// The flag tracks the last operation only.
	fc.failEnd = nil
	require.NoError(t, i.WriteHoldingRegisterValue(ctx, 17, 100, 5))
	assert.False(t, i.InErrorState())
}

func TestReadFailure(t *testing.T) {
	i, fc := started(t)
	fc.failRequest = rtu.ErrRequestTimedOut

	out := make([]uint16, 4)
	err := i.ReadHoldingRegisterValues(context.Background(), 9, 0, 4, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, rtu.ErrRequestTimedOut)
	assert.True(t, i.InErrorState())

	var one uint16
	assert.Error(t, i.ReadHoldingRegisterValue(context.Background(), 9, 0, &one))
}

func TestReadDiscardsExtraValues(t *testing.T) {
	i, fc := started(t)
	ctx := context.Background()
	require.NoError(t, i.WriteHoldingRegisterValues(ctx, 1, 0, []uint16{10, 20}))
	fc.extra = []uint16{30, 40, 50}

	out := []uint16{0, 0, 0xAAAA}
	require.NoError(t, i.ReadHoldingRegisterValues(ctx, 1, 0, 2, out))
	assert.Equal(t, []uint16{10, 20, 0xAAAA}, out, "only count values are copied")
	assert.Zero(t, fc.Available(), "extra values are drained")
}

func TestReadRejectsBadArguments(t *testing.T) {
	i, fc := started(t)
	ctx := context.Background()
	before := fc.calls

	assert.Error(t, i.ReadHoldingRegisterValues(ctx, 1, 0, 0, make([]uint16, 1)))
	assert.Error(t, i.ReadHoldingRegisterValues(ctx, 1, 0, 3, make([]uint16, 2)))
	assert.Error(t, i.WriteHoldingRegisterValues(ctx, 1, 0, nil))
	assert.True(t, i.InErrorState())
	assert.Equal(t, before, fc.calls, "rejected calls must not reach the client")
}

func TestBeginFailureHalts(t *testing.T) {
	fc := newFakeClient()
	fc.failBegin = errors.New("no such device")

	var faults []error
	i := New(fc, fc, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), true,
		WithFaultHandler(func(err error) { faults = append(faults, err) }))

	err := i.Begin(context.Background(), 9600, rtu.Line8N1)
	require.ErrorIs(t, err, ErrHalted)
	assert.ErrorContains(t, err, "no such device")
	assert.Equal(t, StateHalted, i.State())
	assert.True(t, i.InErrorState())
	require.Len(t, faults, 1)

	sentinel := fc.calls
	ctx := context.Background()
	var v uint16
	assert.ErrorIs(t, i.WriteHoldingRegisterValues(ctx, 17, 100, []uint16{0x00F0}), ErrHalted)
	assert.ErrorIs(t, i.WriteHoldingRegisterValue(ctx, 17, 100, 1), ErrHalted)
	assert.ErrorIs(t, i.ReadHoldingRegisterValues(ctx, 17, 100, 1, []uint16{0}), ErrHalted)
	assert.ErrorIs(t, i.ReadHoldingRegisterValue(ctx, 17, 100, &v), ErrHalted)
	assert.ErrorIs(t, i.Begin(ctx, 9600, rtu.Line8N1), ErrHalted)

	assert.Equal(t, sentinel, fc.calls, "no operation may reach the client after a failed begin")
	assert.Len(t, faults, 1)
}

func TestBeginRejectsBadBaudRate(t *testing.T) {
	fc := newFakeClient()
	i := New(fc, fc, nil, false)

	err := i.Begin(context.Background(), 0, rtu.Line8N1)
	require.ErrorIs(t, err, ErrHalted)
	assert.Zero(t, fc.calls)
}

func TestNotStarted(t *testing.T) {
	fc := newFakeClient()
	i := New(fc, fc, nil, false)

	err := i.WriteHoldingRegisterValue(context.Background(), 1, 1, 1)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.True(t, i.InErrorState())
	assert.Equal(t, StateUninitialized, i.State())
	assert.Zero(t, fc.calls)
}

func TestVerboseLogging(t *testing.T) {
	var buf bytes.Buffer
	fc := newFakeClient()
	i := New(fc, fc, slog.New(slog.NewTextHandler(&buf, nil)), true)
	ctx := context.Background()

	require.NoError(t, i.Begin(ctx, 9600, rtu.Line8N1))
	require.NoError(t, i.WriteHoldingRegisterValues(ctx, 17, 100, []uint16{0x00F0, 0x1234}))
	fc.failEnd = errors.New("crc mismatch")
	require.Error(t, i.WriteHoldingRegisterValues(ctx, 17, 100, []uint16{0x00F0, 0x1234}))
	fc.failRequest = errors.New("timeout")
	require.Error(t, i.ReadHoldingRegisterValue(ctx, 17, 100, new(uint16)))

	out := buf.String()
	for _, msg := range []string{
		"Successfully started Modbus RTU Client!",
		"Writing Holding Registers values",
		"WRITE SUCCESSFUL",
		"WRITE FAILED",
		`data="0xF0 0x1234"`,
		"crc mismatch",
		"Reading Holding Register values",
		"READ FAILED!",
	} {
		assert.Contains(t, out, msg)
	}

	buf.Reset()
	quiet := New(fc, fc, slog.New(slog.NewTextHandler(&buf, nil)), false)
	fc.failEnd, fc.failRequest = nil, nil
	require.NoError(t, quiet.Begin(ctx, 9600, rtu.Line8N1))
	require.NoError(t, quiet.WriteHoldingRegisterValue(ctx, 1, 1, 1))
	assert.Empty(t, buf.String())
}
