// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ffutop/modbus-interface/modbus/rtu"
)

// Bus and upstream types.
const (
	TypeRTU        = "rtu"
	TypeTCP        = "tcp"
	TypeRTUOverTCP = "rtu-over-tcp"
	TypeLocal      = "local"
)

// Config defines the global configuration structure
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Interface InterfaceConfig `mapstructure:"interface"`
	Bus       BusConfig       `mapstructure:"bus"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"` // debug, info, warn, error
	File       string `mapstructure:"file"`  // Log file path, "" or "-" for stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// InterfaceConfig tunes the register interface.
type InterfaceConfig struct {
	Verbose          bool    `mapstructure:"verbose"`
	WordLength       float64 `mapstructure:"word_length"`        // bit times per character for turnaround delays
	DeriveWordLength bool    `mapstructure:"derive_word_length"` // use the line config instead of word_length
}

// BusConfig defines how the interface reaches the device.
type BusConfig struct {
	Type   string       `mapstructure:"type"`   // "rtu", "tcp", "rtu-over-tcp", "local"
	Serial SerialConfig `mapstructure:"serial"` // Used if Type is "rtu"
	Tcp    TcpConfig    `mapstructure:"tcp"`    // Used if Type is "tcp" or "rtu-over-tcp"
	Local  LocalConfig  `mapstructure:"local"`  // Used if Type is "local"
}

// SimulatorConfig defines the simulated device served by the simulate command.
type SimulatorConfig struct {
	SlaveIDs string         `mapstructure:"slave_ids"` // "1", "1,2", "1-10"; empty answers every id
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Local    LocalConfig    `mapstructure:"local"`
}

// UpstreamConfig defines the front-end a master connects to.
type UpstreamConfig struct {
	Type   string       `mapstructure:"type"` // "tcp", "rtu", "rtu-over-tcp"
	Tcp    TcpConfig    `mapstructure:"tcp"`
	Serial SerialConfig `mapstructure:"serial"`
}

// LocalConfig defines settings for the simulated device
type LocalConfig struct {
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap", "sql"
	Path string `mapstructure:"path"` // File path for "file"/"mmap", DSN for "sql"
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address string        `mapstructure:"address"` // e.g. "0.0.0.0:502" or "192.168.1.100:502"
	Timeout time.Duration `mapstructure:"timeout"`
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device      string        `mapstructure:"device"`
	BaudRate    int           `mapstructure:"baud_rate"`
	Line        string        `mapstructure:"line"` // shorthand, e.g. "8N1"; overrides the three fields below
	DataBits    int           `mapstructure:"data_bits"`
	Parity      string        `mapstructure:"parity"`
	StopBits    int           `mapstructure:"stop_bits"`
	Timeout     time.Duration `mapstructure:"timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// RS485 specific. The turnaround delays are derived from the baud rate.
	RS485             bool `mapstructure:"rs485"`
	RtsHighDuringSend bool `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend  bool `mapstructure:"rts_high_after_send"`
	RxDuringTx        bool `mapstructure:"rx_during_tx"`
}

// LineConfig returns the character format of the serial line.
func (s SerialConfig) LineConfig() rtu.LineConfig {
	return rtu.LineConfig{DataBits: s.DataBits, Parity: s.Parity, StopBits: s.StopBits}
}

// flagKeys maps command line flags onto configuration keys. A flag may set
// several keys.
var flagKeys = map[string][]string{
	"log-level":  {"log.level"},
	"log-file":   {"log.file"},
	"verbose":    {"interface.verbose"},
	"bus":        {"bus.type"},
	"device":     {"bus.serial.device"},
	"baud":       {"bus.serial.baud_rate"},
	"line":       {"bus.serial.line"},
	"timeout":    {"bus.serial.timeout", "bus.tcp.timeout"},
	"address":    {"bus.tcp.address"},
	"listen":     {"simulator.upstream.tcp.address"},
	"upstream":   {"simulator.upstream.type"},
	"slave-ids":  {"simulator.slave_ids"},
	"store":      {"simulator.local.persistence.type"},
	"store-path": {"simulator.local.persistence.path"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("interface.verbose", true)
	v.SetDefault("interface.word_length", rtu.DefaultWordLength)

	v.SetDefault("bus.type", TypeRTU)
	v.SetDefault("bus.serial.device", "/dev/ttyUSB0")
	v.SetDefault("bus.serial.baud_rate", 9600)
	v.SetDefault("bus.serial.data_bits", 8)
	v.SetDefault("bus.serial.parity", "N")
	v.SetDefault("bus.serial.stop_bits", 1)
	v.SetDefault("bus.serial.timeout", 500*time.Millisecond)
	v.SetDefault("bus.serial.idle_timeout", 60*time.Second)
	v.SetDefault("bus.serial.rs485", true)
	v.SetDefault("bus.tcp.address", "127.0.0.1:502")
	v.SetDefault("bus.tcp.timeout", 10*time.Second)
	v.SetDefault("bus.local.persistence.type", "memory")

	v.SetDefault("simulator.upstream.type", TypeTCP)
	v.SetDefault("simulator.upstream.tcp.address", "0.0.0.0:1502")
	v.SetDefault("simulator.upstream.serial.baud_rate", 9600)
	v.SetDefault("simulator.upstream.serial.data_bits", 8)
	v.SetDefault("simulator.upstream.serial.parity", "N")
	v.SetDefault("simulator.upstream.serial.stop_bits", 1)
	v.SetDefault("simulator.local.persistence.type", "memory")
}

// LoadConfig loads configuration from file, environment (MODBUSIF_*) and the
// flags in fs that have been set. fs may be nil. A missing config file is
// not an error unless configFile names it explicitly.
func LoadConfig(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusif/")
		v.AddConfigPath("$HOME/.modbusif")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.SetEnvPrefix("MODBUSIF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, keys := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			for _, key := range keys {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := fixupSerial(&config.Bus.Serial); err != nil {
		return nil, fmt.Errorf("bus.serial: %w", err)
	}
	if err := fixupSerial(&config.Simulator.Upstream.Serial); err != nil {
		return nil, fmt.Errorf("simulator.upstream.serial: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func fixupSerial(s *SerialConfig) error {
	if s.Line != "" {
		line, err := rtu.ParseLine(s.Line)
		if err != nil {
			return err
		}
		s.DataBits, s.Parity, s.StopBits = line.DataBits, line.Parity, line.StopBits
	}
	s.Parity = strings.ToUpper(s.Parity)
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
	return nil
}

// Validate checks the parts of the configuration every command relies on.
func (c *Config) Validate() error {
	switch c.Bus.Type {
	case TypeRTU:
		if err := c.Bus.Serial.LineConfig().Validate(); err != nil {
			return fmt.Errorf("bus.serial: %w", err)
		}
	case TypeTCP, TypeRTUOverTCP:
		if c.Bus.Tcp.Address == "" {
			return fmt.Errorf("bus.tcp.address is required for bus type %q", c.Bus.Type)
		}
	case TypeLocal:
	default:
		return fmt.Errorf("unknown bus type %q", c.Bus.Type)
	}
	if c.Bus.Serial.BaudRate <= 0 {
		return fmt.Errorf("bus.serial.baud_rate must be positive, got %d", c.Bus.Serial.BaudRate)
	}
	if c.Interface.WordLength <= 0 {
		return fmt.Errorf("interface.word_length must be positive, got %v", c.Interface.WordLength)
	}
	switch c.Simulator.Upstream.Type {
	case TypeTCP, TypeRTU, TypeRTUOverTCP:
	default:
		return fmt.Errorf("unknown simulator upstream type %q", c.Simulator.Upstream.Type)
	}
	if _, err := ParseSlaveIDs(c.Simulator.SlaveIDs); err != nil {
		return fmt.Errorf("simulator.slave_ids: %w", err)
	}
	return nil
}

// ParseSlaveIDs parses a string of slave IDs (e.g. "1,2,5-10") into a slice of bytes.
func ParseSlaveIDs(input string) ([]byte, error) {
	var ids []byte
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		start, end := part, part
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, end = strings.TrimSpace(lo), strings.TrimSpace(hi)
		}
		first, err := parseSlaveID(start)
		if err != nil {
			return nil, err
		}
		last, err := parseSlaveID(end)
		if err != nil {
			return nil, err
		}
		if first > last {
			return nil, fmt.Errorf("start of range %d is greater than end %d", first, last)
		}
		for id := first; id <= last; id++ {
			ids = append(ids, byte(id))
		}
	}
	return ids, nil
}

func parseSlaveID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", err)
	}
	if id < 0 || id > 255 {
		return 0, fmt.Errorf("id out of range: %d", id)
	}
	return id, nil
}
