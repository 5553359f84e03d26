// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"path/filepath"
	"testing"

	"github.com/ffutop/modbus-interface/internal/simulator/model"
	"github.com/ffutop/modbus-interface/modbus"
)

func BenchmarkMemoryStorage_OnWrite(b *testing.B) {
	ms := NewMemoryStorage()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ms.OnWrite(modbus.HoldingRegisters, 10, 1)
	}
}

func BenchmarkFileStorage_OnWrite(b *testing.B) {
	fs := NewFileStorage(filepath.Join(b.TempDir(), "bench_file.bin"))
	mem, err := fs.Load()
	if err != nil {
		b.Fatalf("Failed to load file storage: %v", err)
	}
	defer fs.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mem.HoldingRegisters[10] = uint16(i)
		fs.OnWrite(modbus.HoldingRegisters, 10, 1)
	}
}

// BenchmarkMmapStorage_OnWrite measures the msync after each write.
func BenchmarkMmapStorage_OnWrite(b *testing.B) {
	ms := NewMmapStorage(filepath.Join(b.TempDir(), "bench_mmap.bin"))
	mem, err := ms.Load()
	if err != nil {
		b.Fatalf("Failed to load mmap storage: %v", err)
	}
	defer ms.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mem.HoldingRegisters[10] = uint16(i)
		ms.OnWrite(modbus.HoldingRegisters, 10, 1)
	}
}

func BenchmarkFileStorage_Load(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench_file_load.bin")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fs := NewFileStorage(path)
		if _, err := fs.Load(); err != nil {
			b.Fatalf("Load failed: %v", err)
		}
		fs.Close()
	}
}

// BenchmarkMmapStorage_Load includes open, fstat and mmap.
func BenchmarkMmapStorage_Load(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench_mmap_load.bin")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ms := NewMmapStorage(path)
		if _, err := ms.Load(); err != nil {
			b.Fatalf("Load failed: %v", err)
		}
		ms.Close()
	}
}

// BenchmarkMemory_Write is the baseline without persistence.
func BenchmarkMemory_Write(b *testing.B) {
	mem := model.NewMemory()
	data := []byte{0x12, 0x34}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mem.WriteRegisters(modbus.HoldingRegisters, 10, 1, data)
	}
}
