// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

package motioncore

// StepperHandle is the non-owning view an Endstop holds of the steppers
// it can query on trigger. Breaking the cycle this way (spec §9) means
// an Endstop never owns a Stepper's lifetime — it only reads position
// through this narrow interface.
type StepperHandle interface {
	Name() string
	Position() int64
}

// Endstop watches a trigger condition and, once tripped, reports the
// stopped position of every stepper it was told to monitor.
type Endstop struct {
	name     string
	steppers []StepperHandle
	triggerFn func() (bool, error)
}

// NewEndstop builds an Endstop over non-owning stepper handles. triggerFn
// polls the physical sensor (or, in tests, a stub).
func NewEndstop(name string, triggerFn func() (bool, error), steppers ...StepperHandle) *Endstop {
	return &Endstop{name: name, steppers: steppers, triggerFn: triggerFn}
}

// Name returns the endstop's configured name.
func (e *Endstop) Name() string { return e.name }

// Poll reports whether the endstop is currently tripped.
func (e *Endstop) Poll() (bool, error) {
	return e.triggerFn()
}

// StoppedPositions snapshots every watched stepper's position at trigger
// time, keyed by stepper name.
func (e *Endstop) StoppedPositions() map[string]int64 {
	out := make(map[string]int64, len(e.steppers))
	for _, s := range e.steppers {
		out[s.Name()] = s.Position()
	}
	return out
}
