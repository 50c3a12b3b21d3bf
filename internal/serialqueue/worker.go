// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

package serialqueue

import (
	"time"

	"github.com/klippyhost/mcuhost/internal/mcuclock"
	"github.com/klippyhost/mcuhost/internal/protocol"
)

// workerLoop is the single background worker of spec §4.D: it wakes on
// new sends, acks, or a retransmit poll tick, and otherwise sleeps.
func (sq *SerialQueue) workerLoop() {
	defer sq.wg.Done()
	ticker := sq.wallClock.Ticker(retransmitPollPeriod)
	defer ticker.Stop()

	for {
		sq.trySendEligible()
		sq.checkRetransmit()

		sq.mu.Lock()
		closed := sq.closed
		sq.mu.Unlock()
		if closed {
			return
		}

		select {
		case <-sq.stopCh:
			return
		case <-sq.wake:
		case <-ticker.C:
		}
	}
}

// currentEstimatedClock returns the host's best estimate of the MCU's
// current clock. Before the first ack arrives the clock model is not
// ready; in that case every min_clock is treated as already satisfied
// (best-effort FIFO scheduling) rather than blocking all traffic on a
// clock sync that itself requires traffic to flow.
func (sq *SerialQueue) currentEstimatedClock() mcuclock.Clock {
	c, err := sq.clockModel.HostTimeToClock(sq.wallClock.Now())
	if err != nil {
		return ^mcuclock.Clock(0)
	}
	return c
}

// trySendEligible sends every currently eligible message it can find,
// selecting by ascending req_clock and round-robining command-queue ties
// (spec §4.D scheduling), until none remain or sent_queue is full.
func (sq *SerialQueue) trySendEligible() {
	for {
		sq.mu.Lock()
		if sq.closed || len(sq.sentQueue) >= sq.cfg.SentQueueMax {
			sq.mu.Unlock()
			return
		}
		est := sq.currentEstimatedClock()
		qi, ok := sq.pickEligible(est)
		if !ok {
			sq.mu.Unlock()
			return
		}
		cq := sq.queues[qi]
		msg := cq.pending[0]
		cq.pending = cq.pending[1:]
		sq.rrCursor = qi + 1

		seq := sq.sendSeq
		sq.sendSeq = (sq.sendSeq + 1) & 0x0f

		frame, err := protocol.EncodeFrame(seq, msg.buf)
		now := sq.wallClock.Now()
		sq.mu.Unlock()

		if err != nil {
			// A payload that cannot be framed is a structural/codec
			// failure (spec §7): drop it rather than wedge the worker,
			// but still release the room slot Send acquired for it, or
			// every later Send on this queue would block forever.
			<-sq.room
			continue
		}
		if _, werr := sq.transport.Write(frame); werr != nil {
			<-sq.room
			continue
		}
		sq.stats.addOut(len(frame))

		sq.mu.Lock()
		rto := sq.retransmitTimeoutLocked()
		sq.sentQueue = append(sq.sentQueue, sentMessage{
			pendingMessage: msg,
			seq:            seq,
			sentTime:       now,
			rto:            rto,
			retransmitAt:   now.Add(rto),
		})
		sq.mu.Unlock()
	}
}

// pickEligible must be called with sq.mu held. It returns the queue
// index of the best eligible candidate (min_clock <= est), ordered by
// ascending req_clock and then round-robin position from sq.rrCursor.
func (sq *SerialQueue) pickEligible(est mcuclock.Clock) (int, bool) {
	best := -1
	n := len(sq.queues)
	for i := 0; i < n; i++ {
		qi := (sq.rrCursor + i) % n
		cq := sq.queues[qi]
		if len(cq.pending) == 0 {
			continue
		}
		head := cq.pending[0]
		if head.minClock > est {
			continue
		}
		if best == -1 {
			best = qi
			continue
		}
		bestHead := sq.queues[best].pending[0]
		if head.reqClock < bestHead.reqClock {
			best = qi
		}
	}
	return best, best != -1
}

// retransmitTimeoutLocked computes k*estimated_rtt clamped to [min,max]
// (spec §4.D). Must be called with sq.mu held.
func (sq *SerialQueue) retransmitTimeoutLocked() time.Duration {
	rto := time.Duration(float64(sq.estRTT) * sq.cfg.RTOFactor)
	if rto < sq.cfg.MinRTO {
		rto = sq.cfg.MinRTO
	}
	if rto > sq.cfg.MaxRTO {
		rto = sq.cfg.MaxRTO
	}
	return rto
}

// checkRetransmit re-sends the head of sent_queue if its retransmit
// deadline has passed, doubling its backoff up to MaxRTO (spec §4.D).
func (sq *SerialQueue) checkRetransmit() {
	sq.mu.Lock()
	if len(sq.sentQueue) == 0 {
		sq.mu.Unlock()
		return
	}
	now := sq.wallClock.Now()
	head := sq.sentQueue[0]
	if now.Before(head.retransmitAt) {
		sq.mu.Unlock()
		return
	}
	frame, err := protocol.EncodeFrame(head.seq, head.buf)
	next := head.rto * 2
	if next > sq.cfg.MaxRTO {
		next = sq.cfg.MaxRTO
	}
	sq.sentQueue[0].rto = next
	sq.sentQueue[0].retransmitAt = now.Add(next)
	sq.mu.Unlock()

	if err != nil {
		return
	}
	if _, werr := sq.transport.Write(frame); werr == nil {
		sq.stats.retransmit()
	}
}
