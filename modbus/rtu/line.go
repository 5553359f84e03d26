// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// LineConfig is the character format of the serial line, e.g. 8N1.
type LineConfig struct {
	DataBits int
	Parity   string // "N", "E" or "O"
	StopBits int
}

var (
	Line8N1 = LineConfig{DataBits: 8, Parity: "N", StopBits: 1}
	Line8N2 = LineConfig{DataBits: 8, Parity: "N", StopBits: 2}
	Line8E1 = LineConfig{DataBits: 8, Parity: "E", StopBits: 1}
	Line8O1 = LineConfig{DataBits: 8, Parity: "O", StopBits: 1}
)

// ParseLine parses the compact form used by serial terminals ("8N1", "8e1").
func ParseLine(s string) (LineConfig, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 3 {
		return LineConfig{}, fmt.Errorf("invalid line config %q: want <data><parity><stop>, e.g. 8N1", s)
	}
	dataBits, err := strconv.Atoi(s[0:1])
	if err != nil {
		return LineConfig{}, fmt.Errorf("invalid data bits in %q: %w", s, err)
	}
	stopBits, err := strconv.Atoi(s[2:3])
	if err != nil {
		return LineConfig{}, fmt.Errorf("invalid stop bits in %q: %w", s, err)
	}
	l := LineConfig{DataBits: dataBits, Parity: s[1:2], StopBits: stopBits}
	if err := l.Validate(); err != nil {
		return LineConfig{}, err
	}
	return l, nil
}

// Validate checks the line config against what a UART can do.
func (l LineConfig) Validate() error {
	if l.DataBits < 5 || l.DataBits > 8 {
		return fmt.Errorf("invalid data bits: %d", l.DataBits)
	}
	switch l.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("invalid parity: %q", l.Parity)
	}
	if l.StopBits != 1 && l.StopBits != 2 {
		return fmt.Errorf("invalid stop bits: %d", l.StopBits)
	}
	return nil
}

func (l LineConfig) String() string {
	return fmt.Sprintf("%d%s%d", l.DataBits, l.Parity, l.StopBits)
}

// CharacterBits is the number of bit times one character occupies on the wire,
// start bit included.
func (l LineConfig) CharacterBits() int {
	bits := 1 + l.DataBits + l.StopBits
	if l.Parity != "N" {
		bits++
	}
	return bits
}

// BitDuration is the duration of one bit at baudRate.
func BitDuration(baudRate int) time.Duration {
	if baudRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(baudRate)
}

// TurnaroundDelay is the RS-485 idle time to hold before and after a
// transmission: 3.5 characters of wordLength bit times each.
func TurnaroundDelay(baudRate int, wordLength float64) time.Duration {
	if baudRate <= 0 {
		return 0
	}
	return time.Duration(math.Round(float64(time.Second) * wordLength * FrameSilence / float64(baudRate)))
}

// CharacterDelay and FrameDelay return the RTU t1.5 and t3.5 timers. Above
// 19200 baud the fixed values 750us and 1750us apply.
func CharacterDelay(baudRate int) time.Duration {
	if baudRate <= 0 || baudRate > fixedTimingBaudRate {
		return 750 * time.Microsecond
	}
	return time.Duration(15000000/baudRate) * time.Microsecond
}

func FrameDelay(baudRate int) time.Duration {
	if baudRate <= 0 || baudRate > fixedTimingBaudRate {
		return 1750 * time.Microsecond
	}
	return time.Duration(35000000/baudRate) * time.Microsecond
}
