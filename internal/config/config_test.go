// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/modbus-interface/modbus/rtu"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
interface:
  verbose: false
  word_length: 10
bus:
  type: rtu
  serial:
    device: /dev/ttyS1
    baud_rate: 19200
    line: 8e1
    timeout: 250ms
simulator:
  slave_ids: "1-3"
`)
	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Interface.Verbose)
	assert.Equal(t, 10.0, cfg.Interface.WordLength)
	assert.Equal(t, "/dev/ttyS1", cfg.Bus.Serial.Device)
	assert.Equal(t, 19200, cfg.Bus.Serial.BaudRate)
	assert.Equal(t, rtu.Line8E1, cfg.Bus.Serial.LineConfig())
	assert.Equal(t, 250*time.Millisecond, cfg.Bus.Serial.Timeout)
	assert.True(t, cfg.Bus.Serial.RS485, "rs485 defaults to on")
	assert.Equal(t, "memory", cfg.Simulator.Local.Persistence.Type)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "log:\n  level: info\n"), nil)
	require.NoError(t, err)

	assert.True(t, cfg.Interface.Verbose)
	assert.Equal(t, rtu.DefaultWordLength, cfg.Interface.WordLength)
	assert.Equal(t, TypeRTU, cfg.Bus.Type)
	assert.Equal(t, 9600, cfg.Bus.Serial.BaudRate)
	assert.Equal(t, rtu.Line8N1, cfg.Bus.Serial.LineConfig())
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)
	assert.Equal(t, TypeTCP, cfg.Simulator.Upstream.Type)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
bus:
  type: rtu
  serial:
    baud_rate: 9600
`)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("bus", "", "")
	fs.Int("baud", 0, "")
	fs.String("address", "", "")
	fs.Duration("timeout", 0, "")
	require.NoError(t, fs.Parse([]string{"--bus", "tcp", "--baud", "38400", "--address", "10.0.0.5:502", "--timeout", "2s"}))

	cfg, err := LoadConfig(path, fs)
	require.NoError(t, err)
	assert.Equal(t, TypeTCP, cfg.Bus.Type)
	assert.Equal(t, 38400, cfg.Bus.Serial.BaudRate)
	assert.Equal(t, "10.0.0.5:502", cfg.Bus.Tcp.Address)
	assert.Equal(t, 2*time.Second, cfg.Bus.Tcp.Timeout, "timeout applies to tcp buses")
	assert.Equal(t, 2*time.Second, cfg.Bus.Serial.Timeout)
}

func TestLoadConfig_TimeoutFlagUnset(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Duration("timeout", 0, "")
	require.NoError(t, fs.Parse(nil))

	cfg, err := LoadConfig(writeConfig(t, "bus:\n  tcp:\n    timeout: 3s\n"), fs)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Bus.Tcp.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Bus.Serial.Timeout)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("MODBUSIF_BUS_SERIAL_BAUD_RATE", "57600")
	cfg, err := LoadConfig(writeConfig(t, "log:\n  level: info\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, 57600, cfg.Bus.Serial.BaudRate)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"UnknownBus", "bus:\n  type: can\n"},
		{"BadLine", "bus:\n  serial:\n    line: 9Z1\n"},
		{"ZeroBaud", "bus:\n  serial:\n    baud_rate: -1\n"},
		{"BadWordLength", "interface:\n  word_length: -2\n"},
		{"BadSlaveIDs", "simulator:\n  slave_ids: \"5-2\"\n"},
		{"BadUpstream", "simulator:\n  upstream:\n    type: udp\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content), nil)
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err, "an explicit config file must exist")
}

func TestParseSlaveIDs(t *testing.T) {
	tests := []struct {
		input   string
		want    []byte
		wantErr bool
	}{
		{"", nil, false},
		{"1", []byte{1}, false},
		{"1, 2", []byte{1, 2}, false},
		{"1,5-7", []byte{1, 5, 6, 7}, false},
		{"7-5", nil, true},
		{"256", nil, true},
		{"a", nil, true},
		{"1-x", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSlaveIDs(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
