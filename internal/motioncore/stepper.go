// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

package motioncore

import (
	"sync/atomic"

	"github.com/klippyhost/mcuhost/internal/stepcompress"
)

// Stepper pairs one step compressor with its shared enable pin. It owns
// the compressor outright; the enable pin is only referenced, since
// other steppers may hold it too (spec §9's shared-ownership note).
type Stepper struct {
	name       string
	oid        uint8
	compressor *stepcompress.Compressor
	enable     *EnablePin
	position   atomic.Int64
}

// NewStepper constructs a Stepper. enable may be nil for steppers without
// a gated enable line.
func NewStepper(name string, oid uint8, compressor *stepcompress.Compressor, enable *EnablePin) *Stepper {
	return &Stepper{name: name, oid: oid, compressor: compressor, enable: enable}
}

// Name returns the stepper's configured name (e.g. "stepper_x").
func (s *Stepper) Name() string { return s.name }

// Position returns the stepper's cumulative step count. It is a plain
// forward count, not a signed axis position: direction reversal is a
// kinematics concern (spec §1 Non-goals excludes motion planning), so
// this core only tracks how many steps have been queued.
func (s *Stepper) Position() int64 { return s.position.Load() }

// Compressor returns the stepper's owned compressor.
func (s *Stepper) Compressor() *stepcompress.Compressor { return s.compressor }

// PushSteps enqueues count absolute step clocks already chosen by the
// caller's kinematics, advancing the tracked position.
func (s *Stepper) PushSteps(clocks []stepcompress.Clock) error {
	for _, c := range clocks {
		if err := s.compressor.Push(c); err != nil {
			return err
		}
	}
	s.position.Add(int64(len(clocks)))
	return nil
}

// Enable asserts the stepper's shared enable pin, if any.
func (s *Stepper) Enable() error {
	if s.enable == nil {
		return nil
	}
	return s.enable.Acquire()
}

// Disable releases the stepper's shared enable pin, if any.
func (s *Stepper) Disable() error {
	if s.enable == nil {
		return nil
	}
	return s.enable.Release()
}
