// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/ffutop/modbus-interface/internal/simulator/model"
	"github.com/ffutop/modbus-interface/modbus"
)

const (
	createTable = `CREATE TABLE IF NOT EXISTS modbus_registers (
	table_type INTEGER,
	address INTEGER,
	value INTEGER,
	PRIMARY KEY (table_type, address)
)`
	upsertCell = `INSERT INTO modbus_registers (table_type, address, value) VALUES (?, ?, ?)
ON CONFLICT(table_type, address) DO UPDATE SET value=excluded.value`
)

// SQLStorage keeps one row per written cell.
type SQLStorage struct {
	driver string
	dsn    string
	db     *sql.DB
	mem    *model.Memory
}

// NewSQLStorage creates a new SQLStorage. The driver must be registered by the caller.
func NewSQLStorage(driver, dsn string) *SQLStorage {
	return &SQLStorage{
		driver: driver,
		dsn:    dsn,
	}
}

// Load connects to the database and reads every stored cell.
func (s *SQLStorage) Load() (*model.Memory, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	rows, err := db.Query("SELECT table_type, address, value FROM modbus_registers")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to query registers: %w", err)
	}
	defer rows.Close()

	mem := model.NewMemory()
	for rows.Next() {
		var table, addr, val int
		if err := rows.Scan(&table, &addr, &val); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to scan register: %w", err)
		}
		if addr < 0 || addr > model.MaxAddress {
			continue
		}
		if err := mem.Set(modbus.Table(table), uint16(addr), uint16(val)); err != nil {
			slog.Warn("Skipping stored cell", "table", table, "address", addr, "err", err)
		}
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, err
	}

	s.db = db
	s.mem = mem
	return mem, nil
}

// Save writes every non-zero cell.
func (s *SQLStorage) Save(mem *model.Memory) error {
	if s.db == nil {
		return fmt.Errorf("sql storage is not loaded")
	}
	tables := []modbus.Table{modbus.Coils, modbus.DiscreteInputs, modbus.HoldingRegisters, modbus.InputRegisters}
	const chunk = 4096
	for _, table := range tables {
		for start := 0; start <= model.MaxAddress; start += chunk {
			values, err := mem.Values(table, uint16(start), chunk)
			if err != nil {
				return err
			}
			if err := s.store(table, uint16(start), values, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnWrite upserts the changed cells.
func (s *SQLStorage) OnWrite(table modbus.Table, address, quantity uint16) {
	if s.db == nil || s.mem == nil {
		return
	}
	values, err := s.mem.Values(table, address, quantity)
	if err != nil {
		slog.Error("Failed to read written cells", "table", table, "address", address, "err", err)
		return
	}
	if err := s.store(table, address, values, false); err != nil {
		slog.Error("Failed to persist registers", "table", table, "address", address, "err", err)
	}
}

func (s *SQLStorage) store(table modbus.Table, address uint16, values []uint16, skipZero bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(upsertCell)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i, v := range values {
		if skipZero && v == 0 {
			continue
		}
		if _, err := stmt.Exec(int(table), int(address)+i, int(v)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStorage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
