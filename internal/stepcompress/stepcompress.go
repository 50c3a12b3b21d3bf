// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

// Package stepcompress implements the per-motor step compressor (spec
// §4.B): it converts a sparse, non-decreasing sequence of absolute MCU
// step clocks into a compact stream of parametric queue_step commands of
// the form (interval, count, add), each reproducing every input step
// clock within ±max_error MCU ticks when decoded by the MCU's step
// generator.
//
// The k-th step of a run occurs at:
//
//	last_step_clock + sum_{i=1}^{k} (interval + i*add)
//
// which is the formula given in spec §4.B; the run search below solves
// for (interval, add) exactly from the first and last pending step of a
// candidate run, then verifies every intermediate point is within
// max_error before accepting the run, extending one step at a time for
// as long as that holds. The search is greedy: it stops at the first
// length that fails and does not look for a different (interval, add)
// pair that might fit a longer run.
package stepcompress

import (
	"fmt"
	"math"

	"github.com/klippyhost/mcuhost/internal/mcuclock"
)

// Clock is an absolute MCU step clock, aliasing mcuclock.Clock so the
// compressor and the clock model share one tick representation.
type Clock = mcuclock.Clock

// EncodeFunc renders one queue_step command's parameters into its wire
// form. Supplied by the protocol codec (internal/protocol), so this
// package stays free of wire-format knowledge.
type EncodeFunc func(oid uint8, interval uint32, count uint16, add int16) ([]byte, error)

// CompressedCommand is one fully-encoded command ready for the serial
// queue, tagged with the scheduling fields from spec §3/§4.D.
type CompressedCommand struct {
	Buf      []byte
	MinClock Clock
	ReqClock Clock
}

type pendingItem struct {
	isMsg bool
	clock Clock
	msg   []byte
}

// Compressor holds the per-motor compression state described in spec §3.
type Compressor struct {
	oid            uint8
	queueStepMsgID uint32
	maxError       int64 // MCU ticks
	encode         EncodeFunc

	lastStepClock Clock
	lastPending   Clock // clock of the most recently pushed (not yet flushed) step
	havePending   bool

	pending      []pendingItem
	prevReqClock Clock

	errorCount int
}

// New returns a Compressor for one motor.
//
// oid is the MCU object id of the stepper; queueStepMsgID is the wire id
// of its queue_step command (encode already has it bound via closure, but
// the Compressor keeps its own copy too, so Flush's errors can name the
// message as well as the stepper); maxError is the maximum permitted
// per-step timing deviation in MCU ticks.
func New(oid uint8, queueStepMsgID uint32, maxError uint32, encode EncodeFunc) *Compressor {
	return &Compressor{
		oid:            oid,
		queueStepMsgID: queueStepMsgID,
		maxError:       int64(maxError),
		encode:         encode,
	}
}

// Push appends one absolute step clock. It must be >= the clock of the
// most recently pushed or flushed step; a clock equal to the previous one
// is a duplicate and is collapsed, incrementing the diagnostic error
// counter (spec §4.B edge cases).
func (c *Compressor) Push(stepClock Clock) error {
	last := c.lastStepClock
	if c.havePending {
		last = c.lastPending
	}
	switch {
	case stepClock == last:
		c.errorCount++
		return nil
	case stepClock < last:
		return fmt.Errorf("stepcompress: non-monotonic step clock %d < %d", stepClock, last)
	}
	c.pending = append(c.pending, pendingItem{clock: stepClock})
	c.lastPending = stepClock
	c.havePending = true
	return nil
}

// PushFactor bulk-enqueues steps whose nominal clocks form an arithmetic
// (linear velocity) progression: clock_i = clockOffset + round((stepOffset+i)*factor)
// for i = 1..steps (spec §4.B push_factor).
func (c *Compressor) PushFactor(steps int, stepOffset float64, clockOffset Clock, factor float64) error {
	for i := 1; i <= steps; i++ {
		rel := (stepOffset + float64(i)) * factor
		clock := clockOffset + Clock(math.Round(rel))
		if err := c.Push(clock); err != nil {
			return err
		}
	}
	return nil
}

// PushSqrt bulk-enqueues steps whose nominal clocks form a square-root
// progression (constant-acceleration motion): clock_i = clockOffset +
// round(sqrt(sqrtOffset + (stepOffset+i)*factor)) for i = 1..steps (spec
// §4.B push_sqrt).
func (c *Compressor) PushSqrt(steps int, stepOffset float64, clockOffset Clock, sqrtOffset, factor float64) error {
	for i := 1; i <= steps; i++ {
		rel := math.Sqrt(sqrtOffset + (stepOffset+float64(i))*factor)
		clock := clockOffset + Clock(math.Round(rel))
		if err := c.Push(clock); err != nil {
			return err
		}
	}
	return nil
}

// QueueMsg enqueues a pre-formed command buffer to be emitted in-band,
// preserving its ordering relative to the steps around it.
func (c *Compressor) QueueMsg(buf []byte) {
	c.pending = append(c.pending, pendingItem{isMsg: true, msg: append([]byte(nil), buf...)})
}

// Reset discards all pending state (including any partially-chosen run)
// and sets the reference clock used by the next emitted step.
func (c *Compressor) Reset(lastStepClock Clock) {
	c.pending = nil
	c.havePending = false
	c.lastStepClock = lastStepClock
	c.prevReqClock = lastStepClock
}

// GetErrors returns the cumulative count of steps that could not be
// compressed within max_error (here: collapsed duplicate clocks).
func (c *Compressor) GetErrors() int {
	return c.errorCount
}

// LastStepClock returns the clock of the most recently emitted step.
func (c *Compressor) LastStepClock() Clock {
	return c.lastStepClock
}

// Flush emits all complete queue_step commands (and any interleaved
// queue_msg buffers) whose last step clock is <= moveClock, in order.
func (c *Compressor) Flush(moveClock Clock) ([]CompressedCommand, error) {
	var out []CompressedCommand
	for len(c.pending) > 0 {
		item := c.pending[0]
		if item.isMsg {
			out = append(out, CompressedCommand{
				Buf:      item.msg,
				MinClock: c.prevReqClock,
				ReqClock: c.lastStepClock,
			})
			c.prevReqClock = c.lastStepClock
			c.pending = c.pending[1:]
			continue
		}
		if item.clock > moveClock {
			break
		}

		n := 0
		for n < len(c.pending) && !c.pending[n].isMsg && c.pending[n].clock <= moveClock {
			n++
		}
		clocks := make([]Clock, n)
		for i := 0; i < n; i++ {
			clocks[i] = c.pending[i].clock
		}

		count, interval, add := c.fitRun(clocks)
		buf, err := c.encode(c.oid, uint32(interval), uint16(count), int16(add))
		if err != nil {
			return out, fmt.Errorf("stepcompress: oid %d msg %d: encode queue_step: %w", c.oid, c.queueStepMsgID, err)
		}
		reqClock := clocks[0]
		out = append(out, CompressedCommand{
			Buf:      buf,
			MinClock: c.prevReqClock,
			ReqClock: reqClock,
		})
		c.prevReqClock = reqClock
		// The MCU continues from where the run's last step lands, which
		// may differ from the pushed clock by up to maxError.
		k := int64(count)
		c.lastStepClock = Clock(int64(c.lastStepClock) + k*interval + add*k*(k+1)/2)
		c.pending = c.pending[count:]
	}
	if len(c.pending) == 0 {
		c.havePending = false
	}
	return out, nil
}

// fitRun finds the longest prefix of clocks that can be modeled as a
// single (interval, add) run within c.maxError, and returns its
// count/interval/add. It always returns at least count=1 (a degenerate
// single-step run reconstructs its own clock exactly, since interval is
// set to exactly that step's offset from the reference clock).
func (c *Compressor) fitRun(clocks []Clock) (count int, interval, add int64) {
	ref := c.lastStepClock
	n := len(clocks)
	count = 1
	interval = int64(clocks[0]) - int64(ref)
	add = 0

	for try := 2; try <= n; try++ {
		d1 := int64(clocks[0]) - int64(ref)
		dn := int64(clocks[try-1]) - int64(ref)
		k := int64(try)
		denom := k * (k - 1) / 2 // >= 1 for try >= 2
		a := roundDiv(dn-k*d1, denom)
		ivl := d1 - a

		if overflows(ivl, a, try) || !reconstructsWithin(ref, clocks[:try], ivl, a, c.maxError) {
			break
		}
		count, interval, add = try, ivl, a
	}
	return
}

// reconstructsWithin reports whether every clocks[k-1] (k=1..len(clocks))
// is within maxError of ref + k*interval + add*k*(k+1)/2.
func reconstructsWithin(ref Clock, clocks []Clock, interval, add int64, maxError int64) bool {
	cum := int64(0)
	for k := 1; k <= len(clocks); k++ {
		cum += interval + int64(k)*add
		recon := int64(ref) + cum
		diff := recon - int64(clocks[k-1])
		if diff < 0 {
			diff = -diff
		}
		if diff > maxError {
			return false
		}
	}
	return true
}

// roundDiv computes round(numer/denom) for denom > 0, rounding halves
// away from zero, using only integer arithmetic.
func roundDiv(numer, denom int64) int64 {
	if numer >= 0 {
		return (numer + denom/2) / denom
	}
	return -((-numer + denom/2) / denom)
}

func overflows(interval, add int64, count int) bool {
	if interval < 0 || interval > math.MaxUint32 {
		return true
	}
	if add < math.MinInt16 || add > math.MaxInt16 {
		return true
	}
	if count < 1 || count > math.MaxUint16 {
		return true
	}
	final := interval + int64(count-1)*add
	return final < 0 || final > math.MaxUint32
}
