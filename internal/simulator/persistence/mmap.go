// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/ffutop/modbus-interface/internal/simulator/model"
	"github.com/ffutop/modbus-interface/modbus"
)

// MmapStorage maps the memory onto a file and flushes it after every write.
type MmapStorage struct {
	path string
	file *os.File
	data mmap.MMap
	mem  *model.Memory
}

// NewMmapStorage creates a new MmapStorage.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{
		path: path,
	}
}

// Load maps the file, creating it if necessary.
func (ms *MmapStorage) Load() (*model.Memory, error) {
	f, err := openSized(ms.path)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	ms.file = f
	ms.data = data
	ms.mem = memoryOver(data)
	return ms.mem, nil
}

// Save flushes the mapping to disk.
func (ms *MmapStorage) Save(*model.Memory) error {
	if ms.data == nil {
		return errors.New("mmap storage is not loaded")
	}
	return ms.flush()
}

func (ms *MmapStorage) OnWrite(table modbus.Table, address, quantity uint16) {
	if ms.data == nil {
		return
	}
	if err := ms.flush(); err != nil {
		slog.Error("Failed to flush mmap", "table", table, "address", address, "err", err)
	}
}

func (ms *MmapStorage) flush() error {
	var err error
	ms.mem.ReadLocked(func() {
		err = ms.data.Flush()
	})
	return err
}

// Close unmaps and closes the file.
func (ms *MmapStorage) Close() error {
	var err error
	if ms.data != nil {
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}
