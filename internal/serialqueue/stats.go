// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

package serialqueue

import "sync/atomic"

// Bytes is a count of wire bytes, grounded on the teacher's Bytes type
// (bytes.go) trimmed to the unit this package actually reports:
// kilobytes, for human-readable throughput logging.
type Bytes uint64

const Kilobyte Bytes = 1000

// Kilobytes returns b in kilobytes.
func (b Bytes) Kilobytes() float64 {
	return float64(b) / float64(Kilobyte)
}

// Stats holds the serial queue's running diagnostic counters (spec §4.D),
// safe for concurrent access from the worker and from callers of Stats().
type Stats struct {
	bytesOut     atomic.Uint64
	bytesIn      atomic.Uint64
	retransmits  atomic.Uint64
	droppedFrame atomic.Uint64
	acked        atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats' counters.
type Snapshot struct {
	BytesOut     Bytes
	BytesIn      Bytes
	Retransmits  uint64
	DroppedFrame uint64
	Acked        uint64
}

func (s *Stats) addOut(n int)     { s.bytesOut.Add(uint64(n)) }
func (s *Stats) addIn(n int)      { s.bytesIn.Add(uint64(n)) }
func (s *Stats) retransmit()      { s.retransmits.Add(1) }
func (s *Stats) dropFrame()       { s.droppedFrame.Add(1) }
func (s *Stats) ack(count int)    { s.acked.Add(uint64(count)) }

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		BytesOut:     Bytes(s.bytesOut.Load()),
		BytesIn:      Bytes(s.bytesIn.Load()),
		Retransmits:  s.retransmits.Load(),
		DroppedFrame: s.droppedFrame.Load(),
		Acked:        s.acked.Load(),
	}
}
