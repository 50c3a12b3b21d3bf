// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

// Package mcuclock implements the host<->MCU clock model (spec §4.A): an
// affine estimate of the MCU's free-running tick counter derived from
// periodic acks, used to convert between host wall-clock time and MCU
// clock ticks.
package mcuclock

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Clock is an absolute MCU clock tick count.
type Clock uint64

func (c Clock) String() string {
	return fmt.Sprintf("%d", uint64(c))
}

// ErrClockNotReady is returned when the clock is queried before the first
// ack has been received.
var ErrClockNotReady = errors.New("mcuclock: not ready, no ack received yet")

// Source supplies host wall-clock time. Production code uses a real clock
// (e.g. github.com/benbjohnson/clock's Clock, which already satisfies this);
// tests inject a virtual one to drive deterministic scenarios.
type Source interface {
	Now() time.Time
}

// Model maintains mcu_clock(t) ~= est_freq * (t - last_ack_time) + last_ack_clock,
// updated atomically on every ack. It is safe for concurrent use: the serial
// queue's worker updates it from acks while producer code reads conversions.
type Model struct {
	mu sync.RWMutex

	src Source

	ready   bool
	estFreq float64 // MCU clock ticks per second of host time

	lastAckClock Clock
	lastAckTime  time.Time

	// baudAdjust is the on-wire transmission time per byte, in seconds,
	// used to compensate for serialization delay when deciding whether a
	// message is due (spec §4.A "on-wire delay compensation").
	baudAdjust float64
}

// NewModel returns a Model with the given nominal frequency (ticks/sec),
// used as the initial estimate before any ack has been received.
func NewModel(src Source, nominalFreq float64) *Model {
	return &Model{
		src:     src,
		estFreq: nominalFreq,
	}
}

// SetBaudAdjust sets the per-byte on-wire transmission time, in seconds.
func (m *Model) SetBaudAdjust(secPerByte float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baudAdjust = secPerByte
}

// UpdateAck updates the clock estimate from a newly-acked (mcuClock,
// estFreq) pair observed at hostTime. An ack reporting a clock older than
// the last accepted ack's clock (reordered or stale) is ignored. A newer
// ack is accepted as is, even when its clock is below the value the
// previous estimate extrapolates for hostTime, so the estimate can step
// back at an update.
func (m *Model) UpdateAck(mcuClock Clock, estFreq float64, hostTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready && mcuClock < m.lastAckClock {
		return
	}
	m.ready = true
	m.lastAckClock = mcuClock
	m.lastAckTime = hostTime
	if estFreq > 0 {
		m.estFreq = estFreq
	}
}

// HostTimeToClock converts a host time to the estimated MCU clock at that
// instant.
func (m *Model) HostTimeToClock(t time.Time) (Clock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return 0, ErrClockNotReady
	}
	dt := t.Sub(m.lastAckTime).Seconds()
	return Clock(float64(m.lastAckClock) + m.estFreq*dt), nil
}

// ClockToHostTime converts an MCU clock tick to the estimated host time at
// which it occurs, the inverse of HostTimeToClock.
func (m *Model) ClockToHostTime(c Clock) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return time.Time{}, ErrClockNotReady
	}
	dt := (float64(c) - float64(m.lastAckClock)) / m.estFreq
	return m.lastAckTime.Add(time.Duration(dt * float64(time.Second))), nil
}

// Now returns the current estimated MCU clock, using the injected Source
// for the host time.
func (m *Model) Now() (Clock, error) {
	return m.HostTimeToClock(m.src.Now())
}

// TransmitDelay returns the estimated on-wire time to transmit msglen bytes,
// used to decide when a message's effective send instant has passed.
func (m *Model) TransmitDelay(msglen int) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.baudAdjust * float64(msglen) * float64(time.Second))
}

// EstimatedFreq returns the current estimated MCU clock frequency, in Hz.
func (m *Model) EstimatedFreq() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.estFreq
}

// Ready reports whether at least one ack has been processed.
func (m *Model) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}
