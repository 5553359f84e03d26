// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package persistence keeps the memory of a simulated device across restarts.
package persistence

import (
	"fmt"
	"log/slog"

	"github.com/ffutop/modbus-interface/internal/config"
	"github.com/ffutop/modbus-interface/internal/simulator/model"
	"github.com/ffutop/modbus-interface/modbus"
)

// SQLDriver is the database/sql driver used by the "sql" storage. The binary
// registers it.
const SQLDriver = "sqlite3"

// Storage persists the memory of a simulated device.
type Storage interface {
	// Load returns the stored memory, or a zeroed one if nothing is stored yet.
	Load() (*model.Memory, error)

	// Save writes the whole memory.
	Save(mem *model.Memory) error

	// OnWrite is called after cells of table have been modified.
	OnWrite(table modbus.Table, address, quantity uint16)

	Close() error
}

// New returns the storage selected by cfg. It does not load it.
func New(cfg config.PersistenceConfig) (Storage, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("file persistence needs a path")
		}
		return NewFileStorage(cfg.Path), nil
	case "mmap":
		if cfg.Path == "" {
			return nil, fmt.Errorf("mmap persistence needs a path")
		}
		return NewMmapStorage(cfg.Path), nil
	case "sql":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sql persistence needs a DSN")
		}
		return NewSQLStorage(SQLDriver, cfg.Path), nil
	}
	return nil, fmt.Errorf("unknown persistence type %q", cfg.Type)
}

// Open creates and loads the storage selected by cfg. If loading fails it
// falls back to a non-persistent memory.
func Open(cfg config.PersistenceConfig) (Storage, *model.Memory, error) {
	storage, err := New(cfg)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Initializing simulated device storage", "type", cfg.Type, "path", cfg.Path)

	mem, err := storage.Load()
	if err != nil {
		slog.Error("Failed to load persisted data, falling back to memory storage", "err", err)
		storage.Close()
		storage = NewMemoryStorage()
		mem, _ = storage.Load()
	}
	return storage, mem, nil
}
