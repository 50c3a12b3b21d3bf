// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

// Package serialqueue implements the reliable command transport of spec
// §4.D: a single background worker schedules messages from one or more
// per-caller command queues by (min_clock eligibility, req_clock,
// round-robin), frames and sends them over a Transport, and retransmits
// on timeout using acks echoed back by the MCU.
//
// The worker loop is grounded on the teacher's node/Sim event-loop
// pattern (node.go, sim.go): a goroutine driven by a wake channel and a
// retransmit ticker, rather than the teacher's simulated global clock —
// this package runs against real or emulated wall-clock time via
// github.com/benbjohnson/clock, which the teacher's own discrete-event
// Clock abstraction inspired.
package serialqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"

	"github.com/klippyhost/mcuhost/internal/mcuclock"
	"github.com/klippyhost/mcuhost/internal/protocol"
)

// ErrQueueClosed is returned by Send and Pull once Exit has closed the
// queue.
var ErrQueueClosed = errors.New("serialqueue: queue closed")

// ErrTimeout is returned by Pull when its deadline expires without a
// message arriving.
var ErrTimeout = errors.New("serialqueue: timeout")

const (
	defaultSentQueueMax  = 15
	defaultRTOFactor     = 2.0
	defaultMinRTO        = 25 * time.Millisecond
	defaultMaxRTO        = 2 * time.Second
	defaultInitialRTT    = 50 * time.Millisecond
	retransmitPollPeriod = 5 * time.Millisecond
	historyCap           = 256

	// maxSentQueueMax bounds in-flight messages strictly below 16: seq is
	// a 4-bit wire value (spec §6), so 16 or more outstanding messages
	// let sendSeq wrap back onto an unacked entry's seq while it's still
	// in sentQueue, making handleAck's seq match ambiguous.
	maxSentQueueMax = 15
)

// PullQueueMessage mirrors spec §6's pull_queue_message: a raw received
// message with its timing metadata.
type PullQueueMessage struct {
	Msg         []byte
	SentTime    time.Time
	ReceiveTime time.Time
}

// HistoryEntry is one bounded extract_old record (spec §4.D receive path).
type HistoryEntry struct {
	Seq      uint8
	Buf      []byte
	MinClock mcuclock.Clock
	ReqClock mcuclock.Clock
	SentTime time.Time
	AckTime  time.Time
}

type pendingMessage struct {
	buf      []byte
	minClock mcuclock.Clock
	reqClock mcuclock.Clock
}

type sentMessage struct {
	pendingMessage
	seq          uint8
	sentTime     time.Time
	rto          time.Duration
	retransmitAt time.Time
}

// CommandQueue is a caller's FIFO submission channel into the serial
// queue: per-command-queue send order is preserved on the wire (spec §5
// ordering guarantee ii), and queues are round-robined against each other
// when their head messages tie on req_clock.
type CommandQueue struct {
	sq      *SerialQueue
	index   int
	pending []pendingMessage
}

// Config configures a SerialQueue's scheduling and retransmit policy.
// Zero values select the documented defaults.
type Config struct {
	SentQueueMax int
	RTOFactor    float64
	MinRTO       time.Duration
	MaxRTO       time.Duration
	InitialRTT   time.Duration
	MCUFreq      float64
}

func (c Config) withDefaults() Config {
	if c.SentQueueMax <= 0 {
		c.SentQueueMax = defaultSentQueueMax
	}
	if c.SentQueueMax > maxSentQueueMax {
		c.SentQueueMax = maxSentQueueMax
	}
	if c.RTOFactor <= 0 {
		c.RTOFactor = defaultRTOFactor
	}
	if c.MinRTO <= 0 {
		c.MinRTO = defaultMinRTO
	}
	if c.MaxRTO <= 0 {
		c.MaxRTO = defaultMaxRTO
	}
	if c.InitialRTT <= 0 {
		c.InitialRTT = defaultInitialRTT
	}
	if c.MCUFreq <= 0 {
		c.MCUFreq = 16e6
	}
	return c
}

// SerialQueue is a single connection's reliable command transport.
type SerialQueue struct {
	cfg       Config
	transport Transport
	dict      *protocol.Dictionary
	clockModel *mcuclock.Model
	wallClock bclock.Clock

	mu          sync.Mutex
	queues      []*CommandQueue
	rrCursor    int
	sentQueue   []sentMessage
	receiveQueue []PullQueueMessage
	recentSent  []HistoryEntry
	recentRecv  []HistoryEntry
	sendSeq     uint8 // next sequence value (wraps mod 16 on the wire)
	estRTT      time.Duration
	closed      bool
	draining    bool
	stats       Stats

	room   chan struct{} // semaphore of size cfg.SentQueueMax
	wake   chan struct{}
	recvCh chan struct{} // signaled when receiveQueue gains an entry
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a SerialQueue over transport, starts its worker and
// receive goroutines, and returns it ready for use.
func New(transport Transport, dict *protocol.Dictionary, clockModel *mcuclock.Model, wallClock bclock.Clock, cfg Config) *SerialQueue {
	cfg = cfg.withDefaults()
	sq := &SerialQueue{
		cfg:        cfg,
		transport:  transport,
		dict:       dict,
		clockModel: clockModel,
		wallClock:  wallClock,
		estRTT:     cfg.InitialRTT,
		room:       make(chan struct{}, cfg.SentQueueMax),
		wake:       make(chan struct{}, 1),
		recvCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	sq.wg.Add(2)
	go sq.readLoop()
	go sq.workerLoop()
	return sq
}

// Stats returns a snapshot of the queue's diagnostic counters.
func (sq *SerialQueue) Stats() Snapshot {
	return sq.stats.Snapshot()
}

// NewCommandQueue registers a new per-caller FIFO submission queue.
func (sq *SerialQueue) NewCommandQueue() *CommandQueue {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	cq := &CommandQueue{sq: sq, index: len(sq.queues)}
	sq.queues = append(sq.queues, cq)
	return cq
}

// Send submits buf for transmission once minClock is reached, scheduled
// by reqClock among all eligible messages (spec §4.D). It blocks while
// the queue's in-flight depth is at cfg.SentQueueMax (backpressure),
// until ctx is done, or until the queue is closed.
func (cq *CommandQueue) Send(ctx context.Context, buf []byte, minClock, reqClock mcuclock.Clock) error {
	sq := cq.sq
	select {
	case sq.room <- struct{}{}:
	case <-sq.stopCh:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	sq.mu.Lock()
	if sq.closed {
		sq.mu.Unlock()
		<-sq.room
		return ErrQueueClosed
	}
	cq.pending = append(cq.pending, pendingMessage{buf: append([]byte(nil), buf...), minClock: minClock, reqClock: reqClock})
	sq.mu.Unlock()

	sq.signal(sq.wake)
	return nil
}

// Pull blocks until one received message is available, ctx is done, or
// the queue is closed.
func (sq *SerialQueue) Pull(ctx context.Context) (PullQueueMessage, error) {
	for {
		sq.mu.Lock()
		if len(sq.receiveQueue) > 0 {
			msg := sq.receiveQueue[0]
			sq.receiveQueue = sq.receiveQueue[1:]
			sq.mu.Unlock()
			return msg, nil
		}
		closed := sq.closed
		sq.mu.Unlock()
		if closed {
			return PullQueueMessage{}, ErrQueueClosed
		}

		select {
		case <-sq.recvCh:
		case <-sq.stopCh:
			return PullQueueMessage{}, ErrQueueClosed
		case <-ctx.Done():
			return PullQueueMessage{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
	}
}

// ExtractOld returns a bounded, most-recent-last snapshot of the sent or
// received message history (spec §4.D diagnostics).
func (sq *SerialQueue) ExtractOld(sentQ bool) []HistoryEntry {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	var src []HistoryEntry
	if sentQ {
		src = sq.recentSent
	} else {
		src = sq.recentRecv
	}
	return append([]HistoryEntry(nil), src...)
}

// Exit drains send_queue and any in-flight acks up to ctx's deadline,
// then closes the transport. After Exit returns, Send and Pull fail with
// ErrQueueClosed; a second Exit returns nil.
func (sq *SerialQueue) Exit(ctx context.Context) error {
	sq.mu.Lock()
	if sq.closed {
		sq.mu.Unlock()
		return nil
	}
	sq.draining = true
	sq.mu.Unlock()
	sq.signal(sq.wake)

	for {
		sq.mu.Lock()
		drained := sq.allQueuesEmpty() && len(sq.sentQueue) == 0
		sq.mu.Unlock()
		if drained {
			break
		}
		select {
		case <-ctx.Done():
			goto closeNow
		case <-time.After(time.Millisecond):
		}
	}
closeNow:
	sq.mu.Lock()
	sq.closed = true
	sq.mu.Unlock()
	close(sq.stopCh)
	err := sq.transport.Close()
	sq.wg.Wait()
	return err
}

func (sq *SerialQueue) allQueuesEmpty() bool {
	for _, cq := range sq.queues {
		if len(cq.pending) > 0 {
			return false
		}
	}
	return true
}

func (sq *SerialQueue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
