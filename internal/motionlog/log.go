// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

// Package motionlog provides the plain stdlib-backed logging helper shared
// by the core's subsystems, in the style of the teacher's log.go: no
// structured logger, just a timestamped, subsystem-tagged log.Printf.
package motionlog

import (
	"fmt"
	"log"

	"github.com/klippyhost/mcuhost/internal/mcuclock"
)

// Printf logs a message tagged with an MCU clock and a subsystem name.
func Printf(clock mcuclock.Clock, subsystem string, format string, a ...any) {
	log.Printf("%s [%s]: %s", clock, subsystem, fmt.Sprintf(format, a...))
}

// Print logs a message tagged with a subsystem name only, for events that
// have no meaningful MCU clock (e.g. connection setup).
func Print(subsystem string, format string, a ...any) {
	log.Printf("[%s]: %s", subsystem, fmt.Sprintf(format, a...))
}
