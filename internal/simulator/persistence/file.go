// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ffutop/modbus-interface/internal/simulator/model"
	"github.com/ffutop/modbus-interface/modbus"
)

// FileStorage keeps the memory in a file and rewrites it after every write.
type FileStorage struct {
	path string
	file *os.File
	data []byte
	mem  *model.Memory
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{
		path: path,
	}
}

// Load reads the file, creating it if necessary.
func (fs *FileStorage) Load() (*model.Memory, error) {
	f, err := openSized(fs.path)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	fs.file = f
	fs.data = data
	fs.mem = memoryOver(data)
	return fs.mem, nil
}

// Save writes the data to disk.
func (fs *FileStorage) Save(*model.Memory) error {
	return fs.sync()
}

func (fs *FileStorage) OnWrite(table modbus.Table, address, quantity uint16) {
	if err := fs.sync(); err != nil {
		slog.Error("Failed to sync file", "table", table, "address", address, "err", err)
	}
}

func (fs *FileStorage) sync() error {
	if fs.data == nil || fs.file == nil {
		return nil
	}
	var err error
	fs.mem.ReadLocked(func() {
		_, err = fs.file.WriteAt(fs.data, 0)
	})
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

func (fs *FileStorage) Close() error {
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}

// openSized opens path read-write and sizes it to the layout.
func openSized(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(totalSize) {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize %s: %w", path, err)
		}
	}
	return f, nil
}
