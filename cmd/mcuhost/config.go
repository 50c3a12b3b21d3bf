// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

package main

import "time"

////////////////
//
// Connection defaults
//

// Default serial baud rate for connect.
const DefaultBaud = 250000

// Default read timeout applied to the real serial transport.
const DefaultReadTimeout = 100 * time.Millisecond

// Default maximum queue_step reconstruction error, in MCU clock ticks.
const DefaultMaxError = 25

// Nominal MCU oscillator frequency given to the clock model. The
// dictionary's config block is not consulted for it.
const DefaultMCUFreq = 16e6

// Default serial queue retransmit/backpressure policy. DefaultSentQueueMax
// must stay below 16: the wire sequence is 4 bits (spec §6), so 16 or more
// in-flight messages let it wrap onto a still-unacked entry.
const (
	DefaultSentQueueMax = 15
	DefaultMinRTO       = 25 * time.Millisecond
	DefaultMaxRTO       = 2 * time.Second
)

// Interval at which the connect command prints stats.
const StatsInterval = 2 * time.Second
