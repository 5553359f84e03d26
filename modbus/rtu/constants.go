// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

// Frame sizes.
const (
	MinSize = 4
	MaxSize = 256

	ExceptionSize = 5
)

// Timing constants.
const (
	// FrameSilence is the inter-frame gap in character times.
	FrameSilence = 3.5

	// DefaultWordLength is the nominal number of bit times per character
	// used for turnaround delays. 8N1 is 10 bit times; the devices this
	// module targets are tuned against 9.6.
	DefaultWordLength = 9.6

	// Above this baud rate the RTU timers are fixed rather than scaled.
	fixedTimingBaudRate = 19200
)
