// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

package serialqueue

import (
	"io"
	"time"

	"github.com/klippyhost/mcuhost/internal/mcuclock"
	"github.com/klippyhost/mcuhost/internal/protocol"
)

// readLoop reads raw bytes from the transport, reframes them, and
// dispatches each good frame; bad frames are counted and discarded
// (spec §4.D receive path). It exits when the transport is closed.
func (sq *SerialQueue) readLoop() {
	defer sq.wg.Done()
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := sq.transport.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			sq.stats.addIn(n)
			buf = sq.drainFrames(buf)
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			select {
			case <-sq.stopCh:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}
}

// drainFrames parses as many complete frames as buf holds, dispatching
// each, and returns the unconsumed remainder.
func (sq *SerialQueue) drainFrames(buf []byte) []byte {
	for {
		pf, consumed, err := protocol.ParseFrame(buf)
		if consumed == 0 {
			return buf
		}
		buf = buf[consumed:]
		if err != nil {
			sq.stats.dropFrame()
			continue
		}
		if consumed < protocol.MessageMin {
			continue // a lone sync byte skipped while resynchronizing
		}
		if len(pf.Payload) > 0 {
			sq.handleFrame(pf)
		} else {
			sq.handleAck(pf.Seq)
		}
	}
}

// handleFrame processes acknowledgement (via the frame's sequence byte,
// which always echoes the sender's next-expected sequence per spec §6)
// and then decodes every command packed into the frame's payload.
func (sq *SerialQueue) handleFrame(pf protocol.ParsedFrame) {
	sq.handleAck(pf.Seq)

	now := sq.wallClock.Now()
	payload := pf.Payload
	for len(payload) > 0 {
		name, values, rest, err := protocol.DecodeMessage(sq.dict, payload)
		if err != nil {
			sq.stats.dropFrame()
			return
		}
		sq.dispatchDecoded(name, values, payload, rest, now)
		payload = rest
	}
}

func (sq *SerialQueue) dispatchDecoded(name string, values []any, before, after []byte, now time.Time) {
	raw := before[:len(before)-len(after)]
	if name == "clock" && len(values) > 0 {
		if v, ok := values[0].(uint32); ok {
			sq.clockModel.UpdateAck(mcuclock.Clock(v), sq.cfg.MCUFreq, now)
		}
	}

	sq.mu.Lock()
	sq.receiveQueue = append(sq.receiveQueue, PullQueueMessage{
		Msg:         append([]byte(nil), raw...),
		SentTime:    now,
		ReceiveTime: now,
	})
	sq.recentRecv = appendBounded(sq.recentRecv, HistoryEntry{Buf: append([]byte(nil), raw...), AckTime: now})
	sq.mu.Unlock()
	sq.signal(sq.recvCh)
}

// handleAck advances sent_queue past every message the echoed
// next-expected sequence confirms, feeding an RTT sample into the
// retransmit-timeout estimate and releasing backpressure room for producers.
func (sq *SerialQueue) handleAck(expected uint8) {
	sq.mu.Lock()
	now := sq.wallClock.Now()
	var acked []sentMessage
	for len(sq.sentQueue) > 0 && sq.sentQueue[0].seq != expected {
		acked = append(acked, sq.sentQueue[0])
		sq.sentQueue = sq.sentQueue[1:]
	}
	for _, m := range acked {
		sq.recentSent = appendBounded(sq.recentSent, HistoryEntry{
			Seq: m.seq, Buf: m.buf, MinClock: m.minClock, ReqClock: m.reqClock,
			SentTime: m.sentTime, AckTime: now,
		})
		if rtt := now.Sub(m.sentTime); rtt > 0 {
			sq.estRTT = (sq.estRTT*7 + rtt) / 8 // exponential moving average, alpha=1/8
		}
	}
	sq.mu.Unlock()

	if len(acked) == 0 {
		return
	}
	sq.stats.ack(len(acked))
	for range acked {
		<-sq.room
	}
	sq.signal(sq.wake)
}

func appendBounded(s []HistoryEntry, e HistoryEntry) []HistoryEntry {
	s = append(s, e)
	if len(s) > historyCap {
		s = s[len(s)-historyCap:]
	}
	return s
}
