// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

// Package motioncore assembles the per-axis building blocks (steppers,
// shared enable pins, endstops) behind one explicit CoreContext, and
// exposes the busy-polling and move-result surface described in spec §9's
// design notes: no process-wide mutable state, no exceptions for
// control flow, and no owning cycles between steppers and endstops.
package motioncore

import "sync"

// SetEnableFunc flips the physical enable line. It is called only on a
// 0->1 or 1->0 transition of the pin's reference count (spec §9: "model
// as a small shared-ownership handle with an atomic counter").
type SetEnableFunc func(on bool) error

// EnablePin is a shared enable line referenced by every stepper wired to
// it. Several steppers (e.g. both X steppers on a dual-motor axis) may
// share one physical pin; the pin must stay asserted as long as any of
// them needs it.
type EnablePin struct {
	mu    sync.Mutex
	set   SetEnableFunc
	count int
	on    bool
}

// NewEnablePin wraps set in a reference-counted handle, starting
// disabled.
func NewEnablePin(set SetEnableFunc) *EnablePin {
	return &EnablePin{set: set}
}

// Acquire increments the reference count, asserting the pin if this is
// the first holder.
func (p *EnablePin) Acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	if p.count == 1 {
		p.on = true
		return p.set(true)
	}
	return nil
}

// Release decrements the reference count, deasserting the pin once the
// last holder releases it. Releasing an already-zero pin is a no-op.
func (p *EnablePin) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count == 0 {
		return nil
	}
	p.count--
	if p.count == 0 {
		p.on = false
		return p.set(false)
	}
	return nil
}

// On reports whether the pin is currently asserted.
func (p *EnablePin) On() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}

// RefCount reports the current number of holders, for diagnostics.
func (p *EnablePin) RefCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
