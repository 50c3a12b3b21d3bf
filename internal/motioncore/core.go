// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

package motioncore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/klippyhost/mcuhost/internal/mcuclock"
	"github.com/klippyhost/mcuhost/internal/protocol"
	"github.com/klippyhost/mcuhost/internal/serialqueue"
	"github.com/klippyhost/mcuhost/internal/steppersync"
)

// BusyStatus is the result of CheckBusy: either Idle or busy until a
// given host time, so the caller (the G-code layer's cooperative state
// machine) decides its own poll cadence instead of the core blocking it
// (spec §9).
type BusyStatus struct {
	Busy  bool
	Until time.Time
}

// MoveOutcome classifies how Move concluded.
type MoveOutcome int

const (
	// MoveCompleted means every queued step command was handed to the
	// serial queue with no endstop trigger observed.
	MoveCompleted MoveOutcome = iota
	// MoveEndstopHit means an endstop tripped during the move (spec §9's
	// EndstopHit result-kind, replacing exception-for-control-flow).
	MoveEndstopHit
)

// MoveResult is Move's outcome: a plain return value, never an error
// used for control flow, per spec §9.
type MoveResult struct {
	Outcome          MoveOutcome
	EndstopName      string
	StoppedPositions map[string]int64
}

// CoreContext is the single explicit handle to the host-side motion
// core (spec §9: replaces a "global FFI singleton" with a constructed,
// passed-by-reference object — no process-wide mutable state lives
// outside it).
type CoreContext struct {
	mu sync.Mutex

	steppers  []*Stepper
	cqs       []*serialqueue.CommandQueue
	sync      *steppersync.Sync
	serial    *serialqueue.SerialQueue
	clock     *mcuclock.Model
	dict      *protocol.Dictionary
	busyUntil time.Time
}

// NewCoreContext assembles a CoreContext. steppers, cqs, and the
// compressors backing sync must all share the same stepper-index
// ordering, since steppersync.TaggedCommand.StepperIndex addresses that
// ordering directly.
func NewCoreContext(steppers []*Stepper, cqs []*serialqueue.CommandQueue, sync *steppersync.Sync, serial *serialqueue.SerialQueue, clock *mcuclock.Model, dict *protocol.Dictionary) (*CoreContext, error) {
	if len(steppers) != len(cqs) {
		return nil, fmt.Errorf("motioncore: %d steppers but %d command queues", len(steppers), len(cqs))
	}
	return &CoreContext{steppers: steppers, cqs: cqs, sync: sync, serial: serial, clock: clock, dict: dict}, nil
}

// CheckBusy reports whether the core is still draining a previously
// flushed move as of now.
func (c *CoreContext) CheckBusy(now time.Time) BusyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.busyUntil) {
		return BusyStatus{Busy: true, Until: c.busyUntil}
	}
	return BusyStatus{}
}

// Move flushes every stepper's compressor up to moveClock, hands the
// merged command stream to each stepper's command queue in order, and
// polls the given endstops after each command it submits (so with no
// command to submit, no endstop is polled). If any endstop is tripped, Move stops
// submitting further commands and returns MoveEndstopHit with every
// watched stepper's stopped position, instead of unwinding through an
// error (spec §9).
func (c *CoreContext) Move(ctx context.Context, moveClock mcuclock.Clock, endstops []*Endstop) (MoveResult, error) {
	cmds, err := c.sync.Flush(moveClock)
	if err != nil {
		return MoveResult{}, fmt.Errorf("motioncore: flush: %w", err)
	}

	for _, cmd := range cmds {
		if cmd.StepperIndex < 0 || cmd.StepperIndex >= len(c.cqs) {
			return MoveResult{}, fmt.Errorf("motioncore: command for unknown stepper index %d", cmd.StepperIndex)
		}
		cq := c.cqs[cmd.StepperIndex]
		if err := cq.Send(ctx, cmd.Buf, cmd.MinClock, cmd.ReqClock); err != nil {
			return MoveResult{}, fmt.Errorf("motioncore: send: %w", err)
		}

		for _, es := range endstops {
			tripped, perr := es.Poll()
			if perr != nil {
				return MoveResult{}, fmt.Errorf("motioncore: endstop %s: %w", es.Name(), perr)
			}
			if tripped {
				return MoveResult{
					Outcome:          MoveEndstopHit,
					EndstopName:      es.Name(),
					StoppedPositions: es.StoppedPositions(),
				}, nil
			}
		}
	}

	if until, terr := c.clock.ClockToHostTime(moveClock); terr == nil {
		c.mu.Lock()
		c.busyUntil = until
		c.mu.Unlock()
	}
	return MoveResult{Outcome: MoveCompleted}, nil
}

// Steppers returns the core's steppers in their fixed index order.
func (c *CoreContext) Steppers() []*Stepper { return c.steppers }
