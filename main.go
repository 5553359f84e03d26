// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command modbus-iface reads and writes holding registers of Modbus RTU
// devices and serves a simulated device for testing.
package main

import (
	"os"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
