// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/modbus-interface/internal/config"
	"github.com/ffutop/modbus-interface/modbus"
)

func TestClient_Send(t *testing.T) {
	c, err := NewClient(config.LocalConfig{}, 1)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	write := modbus.ProtocolDataUnit{FunctionCode: 0x06, Data: []byte{0x00, 0x0A, 0x12, 0x34}}
	resp, err := c.Send(ctx, 1, write)
	require.NoError(t, err)
	assert.Equal(t, write, resp)

	resp, err = c.Send(ctx, 1, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x0A, 0x00, 0x01}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x12, 0x34}, resp.Data)

	_, err = c.Send(ctx, 2, write)
	assert.ErrorIs(t, err, ErrNoResponse)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.Send(cancelled, 1, write)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_FilePersistence(t *testing.T) {
	cfg := config.LocalConfig{Persistence: config.PersistenceConfig{Type: "file", Path: filepath.Join(t.TempDir(), "dev.bin")}}

	c, err := NewClient(cfg)
	require.NoError(t, err)
	_, err = c.Send(context.Background(), 9, modbus.ProtocolDataUnit{FunctionCode: 0x06, Data: []byte{0x00, 0x01, 0x00, 0x2A}})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = NewClient(cfg)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, uint16(42), c.Device().Memory().HoldingRegisters[1])
}

func TestNewClient_BadPersistence(t *testing.T) {
	_, err := NewClient(config.LocalConfig{Persistence: config.PersistenceConfig{Type: "tape"}})
	assert.Error(t, err)
}
