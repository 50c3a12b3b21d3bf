// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

// Package steppersync implements the multi-stepper synchronizer (spec
// §4.C): it drains a set of per-motor step compressors up to a shared
// move clock and merges their emitted commands into one time-ordered
// stream, preserving cross-stepper step ordering.
package steppersync

import (
	"container/heap"
	"fmt"

	"github.com/klippyhost/mcuhost/internal/mcuclock"
	"github.com/klippyhost/mcuhost/internal/stepcompress"
)

// Clock aliases mcuclock.Clock.
type Clock = mcuclock.Clock

// TaggedCommand is one merged command annotated with which stepper
// produced it, for handoff to the serial queue's per-stepper command
// queues.
type TaggedCommand struct {
	StepperIndex int
	stepcompress.CompressedCommand
}

// Sync holds an ordered, non-owning list of compressors and a monotonic
// move-clock cursor.
type Sync struct {
	compressors   []*stepcompress.Compressor
	lastMoveClock Clock
	haveFlushed   bool
}

// New returns a Sync over the given compressors, in the stable order used
// to break ties when two commands share a req_clock (spec §4.C, and the
// tie-break fixed by §9's open-question resolution).
func New(compressors []*stepcompress.Compressor) *Sync {
	return &Sync{compressors: compressors}
}

// Flush asks every compressor to flush up to moveClock, then merges their
// emitted command buffers into one req_clock-ordered stream, stable by
// stepper index. moveClock must be monotonically non-decreasing across
// calls.
func (s *Sync) Flush(moveClock Clock) ([]TaggedCommand, error) {
	if s.haveFlushed && moveClock < s.lastMoveClock {
		return nil, fmt.Errorf("steppersync: move_clock went backwards: %d < %d", moveClock, s.lastMoveClock)
	}
	s.lastMoveClock = moveClock
	s.haveFlushed = true

	perStepper := make([][]stepcompress.CompressedCommand, len(s.compressors))
	for i, c := range s.compressors {
		cmds, err := c.Flush(moveClock)
		if err != nil {
			return nil, fmt.Errorf("steppersync: stepper %d: %w", i, err)
		}
		perStepper[i] = cmds
	}
	return mergeByReqClock(perStepper), nil
}

// mergeByReqClock interleave-merges per-stepper command slices into one
// stream ordered by ReqClock, ties broken by stepper index, using a
// min-heap (grounded on the teacher's pktbuf heap.Interface pattern).
func mergeByReqClock(perStepper [][]stepcompress.CompressedCommand) []TaggedCommand {
	h := make(mergeHeap, 0, len(perStepper))
	for i, cmds := range perStepper {
		if len(cmds) > 0 {
			h = append(h, cursor{stepper: i, cmds: cmds, pos: 0})
		}
	}
	heap.Init(&h)

	var out []TaggedCommand
	for h.Len() > 0 {
		cur := h[0]
		out = append(out, TaggedCommand{StepperIndex: cur.stepper, CompressedCommand: cur.cmds[cur.pos]})
		if cur.pos+1 < len(cur.cmds) {
			h[0].pos++
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}
	return out
}

type cursor struct {
	stepper int
	cmds    []stepcompress.CompressedCommand
	pos     int
}

// mergeHeap implements heap.Interface over per-stepper cursors, ordered by
// the current command's ReqClock and then stepper index.
type mergeHeap []cursor

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	ci, cj := h[i].cmds[h[i].pos], h[j].cmds[h[j].pos]
	if ci.ReqClock != cj.ReqClock {
		return ci.ReqClock < cj.ReqClock
	}
	return h[i].stepper < h[j].stepper
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(cursor)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
