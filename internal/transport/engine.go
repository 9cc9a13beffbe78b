// Package transport implements the reliable-transport engine (C4): the
// sliding-window sender, in-order receiver, ACK/NACK handling,
// retransmission, and the Go-Back-N/Selective-Repeat window-advance
// split described in spec.md §4.4.
//
// The engine is actor-style, per spec.md §9's design note: a single
// goroutine owns every mutable field and drains one unbounded event queue
// fed by the three concurrent activities (a send call, an incoming frame,
// a timer tick). This serializes state access without a lock and makes
// the NACK/timer-expiry race spec.md §5 calls out structurally
// impossible — both paths are just events on the same queue.
package transport

import (
	"time"

	"github.com/charmbracelet/log"
	channels "gopkg.in/eapache/channels.v1"

	"github.com/tarkalabs/reliabletransport/internal/checksum"
	"github.com/tarkalabs/reliabletransport/internal/logging"
	"github.com/tarkalabs/reliabletransport/internal/timer"
	"github.com/tarkalabs/reliabletransport/internal/wire"
)

// MaxRetries is the retry ceiling: a pending packet retransmitted more
// than this many times is dropped (spec.md §4.4, §8 invariant 6).
const MaxRetries = 3

// SequenceSpace is the modulus sequence numbers wrap around at.
const SequenceSpace = 1000

// MonitorInterval is how often the timeout monitor polls for expired
// timers (spec.md §4.4: "every ~100 ms").
const MonitorInterval = 100 * time.Millisecond

// Stats mirrors spec.md §4.4's required counters and live gauges.
type Stats struct {
	PacketsSent      int
	PacketsReceived  int
	Retransmissions  int
	ErrorsDetected   int
	DuplicatePackets int
	Pending          int
	WindowSize       int
	Mode             wire.OperationMode
}

// SendFunc hands a serialized frame to the substrate (the endpoint's
// responsibility; spec.md §9 calls this the "emit(frame)" interface).
type SendFunc func(wire.Message)

// DeliverFunc hands a fully validated, in-order (for GBN) DATA payload to
// the application (spec.md §9's "deliver(payload)" interface).
type DeliverFunc func(payload string, isFinal bool)

// AckHookFunc is notified on every processed ACK/NACK, regardless of
// whether it matched a pending packet, for statistics/logging
// (spec.md §4.4: "Always notify the endpoint-level ACK hook").
type AckHookFunc func(wire.Message)

type pendingPacket struct {
	message    wire.Message
	sentAt     time.Time
	retryCount int
}

// Engine is the reliable-transport engine.
type Engine struct {
	mode       wire.OperationMode
	windowSize int
	timeout    time.Duration

	nextSeqNum     int
	expectedSeqNum int
	windowStart    int

	pending  map[int]*pendingPacket
	received map[int]wire.Message
	timers   *timer.Set

	send    SendFunc
	deliver DeliverFunc
	ackHook AckHookFunc

	stats Stats
	log   *log.Logger

	events  *channels.InfiniteChannel
	running bool
	stopCh  chan struct{}
	stopped chan struct{}
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithAckHook sets the engine's ACK/NACK observation hook.
func WithAckHook(f AckHookFunc) Option {
	return func(e *Engine) { e.ackHook = f }
}

// WithLogger overrides the engine's logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an Engine in the given operation mode with the given
// negotiated window size, using send to emit frames and deliver to hand
// off validated application payloads.
func New(mode wire.OperationMode, windowSize int, timeout time.Duration, send SendFunc, deliver DeliverFunc, opts ...Option) *Engine {
	if timeout <= 0 {
		timeout = timer.DefaultTimeout
	}
	e := &Engine{
		mode:       mode,
		windowSize: windowSize,
		timeout:    timeout,
		pending:    make(map[int]*pendingPacket),
		received:   make(map[int]wire.Message),
		timers:     timer.NewSet(timeout),
		send:       send,
		deliver:    deliver,
		stats:      Stats{WindowSize: windowSize, Mode: mode},
		events:     channels.NewInfiniteChannel(),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logging.New("engine")
	}
	return e
}

// event variants posted to the engine's queue.
type sendDataEvent struct {
	payload     string
	wirePayload string
	isFinal     bool
	reply       chan bool
}

type incomingFrameEvent struct {
	msg wire.Message
}

type timerTickEvent struct{}

type statsRequest struct {
	reply chan Stats
}

// Start launches the engine's owning goroutine and its timeout monitor.
// The engine must be started before SendData or Receive are called.
func (e *Engine) Start() {
	e.running = true
	go e.run()
	go e.monitor()
}

// Stop halts the engine. The monitor observes this on its next poll
// (bounded by MonitorInterval) and exits; in-flight pending packets are
// abandoned without notification, per spec.md §5.
func (e *Engine) Stop() {
	select {
	case <-e.stopCh:
		return
	default:
		close(e.stopCh)
	}
	e.events.Close()
	<-e.stopped
}

// SendData assigns the next sequence number to payload and hands it to
// the send callback, unless the window is full. Returns false (without
// side effects) if |pending| >= window_size (spec.md §4.4).
func (e *Engine) SendData(payload string, isFinal bool) bool {
	return e.SendDataCorrupted(payload, payload, isFinal)
}

// SendDataCorrupted behaves like SendData but stamps the checksum on, and
// retransmits, cleanPayload while transmitting wirePayload on the first
// emission — so a fault injector can corrupt a packet's on-wire bytes
// without corrupting the checksum along with it (spec.md §4.6: "corruption
// never changes the checksum stamped on the packet"). Retransmissions
// always resend cleanPayload; corruption is a one-shot event at the
// original transmission, not at every retry.
func (e *Engine) SendDataCorrupted(cleanPayload, wirePayload string, isFinal bool) bool {
	reply := make(chan bool, 1)
	e.events.In() <- sendDataEvent{payload: cleanPayload, wirePayload: wirePayload, isFinal: isFinal, reply: reply}
	return <-reply
}

// Receive feeds an incoming protocol message (DATA/ACK/NACK/WINDOW_UPDATE)
// to the engine for processing.
func (e *Engine) Receive(msg wire.Message) {
	e.events.In() <- incomingFrameEvent{msg: msg}
}

// Stats returns a snapshot of the engine's counters and gauges.
func (e *Engine) Stats() Stats {
	reply := make(chan Stats, 1)
	e.events.In() <- statsRequest{reply: reply}
	return <-reply
}

func (e *Engine) run() {
	defer close(e.stopped)
	for raw := range e.events.Out() {
		switch ev := raw.(type) {
		case sendDataEvent:
			ev.reply <- e.handleSendData(ev.payload, ev.wirePayload, ev.isFinal)
		case incomingFrameEvent:
			e.handleReceive(ev.msg)
		case timerTickEvent:
			e.handleTimerTick()
		case statsRequest:
			ev.reply <- e.snapshotStats()
		}
	}
}

func (e *Engine) monitor() {
	ticker := time.NewTicker(MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			select {
			case <-e.stopCh:
				return
			default:
			}
			e.events.In() <- timerTickEvent{}
		}
	}
}

func (e *Engine) snapshotStats() Stats {
	s := e.stats
	s.Pending = len(e.pending)
	s.WindowSize = e.windowSize
	s.Mode = e.mode
	return s
}

// handleSendData implements spec.md §4.4 send_data. The checksum is always
// stamped from payload (the clean fragment); wirePayload is what actually
// goes out on this first transmission, letting a fault injector corrupt
// the frame's bytes without the checksum following the corruption.
// Pending/retransmission always carry the clean payload and its correct
// checksum.
func (e *Engine) handleSendData(payload, wirePayload string, isFinal bool) bool {
	if len(e.pending) >= e.windowSize {
		return false
	}

	seq := e.nextSeqNum
	sum := checksum.Checksum(payload)
	msg := wire.Data(seq, payload, sum, isFinal)

	e.pending[seq] = &pendingPacket{message: msg, sentAt: time.Now()}
	e.timers.Start(seq)

	if e.send != nil {
		out := msg
		if wirePayload != payload {
			out.Payload = wirePayload
		}
		e.send(out)
		e.stats.PacketsSent++
	}
	e.log.Debug("send data", "seq", seq, "final", isFinal)

	e.nextSeqNum = (e.nextSeqNum + 1) % SequenceSpace
	return true
}

func (e *Engine) handleReceive(msg wire.Message) {
	switch msg.Kind {
	case wire.KindData:
		e.handleData(msg)
	case wire.KindAck:
		e.handleAck(msg)
	case wire.KindNack:
		e.handleNack(msg)
	case wire.KindWindowUpdate:
		e.handleWindowUpdate(msg)
	case wire.KindFinish:
		e.log.Debug("received FINISH")
	case wire.KindError:
		e.log.Warn("received ERROR", "code", msg.StringMeta("error_code"), "message", msg.StringMeta("error_message"))
	}
}

// handleData implements spec.md §4.4's DATA dispatch.
func (e *Engine) handleData(msg wire.Message) {
	seq := msg.Sequence

	if !checksum.Verify(msg.Payload, msg.Checksum) {
		e.stats.ErrorsDetected++
		if e.send != nil {
			e.send(wire.Nack(seq, wire.ErrChecksum))
		}
		e.log.Warn("checksum mismatch", "seq", seq)
		return
	}

	if _, dup := e.received[seq]; dup {
		e.stats.DuplicatePackets++
		if e.send != nil {
			e.send(wire.Ack(seq, e.windowSize))
		}
		return
	}

	e.received[seq] = msg
	e.stats.PacketsReceived++

	if e.send != nil {
		e.send(wire.Ack(seq, e.windowSize))
	}
	e.log.Debug("recv data", "seq", seq)

	if e.mode == wire.ModeGoBackN {
		e.deliverOrdered()
	} else {
		// Selective Repeat: deliver immediately, no ordering wait. The
		// entry stays in the received map (spec.md §5: "the received map
		// still stores them") so a retransmitted duplicate of seq is
		// still recognized and re-ACKed instead of delivered twice.
		if e.deliver != nil {
			e.deliver(msg.Payload, msg.IsFinal())
		}
	}
}

// deliverOrdered advances expected_seq_num while it is present in the
// received map, delivering each payload in order (spec.md §4.4 GBN path).
func (e *Engine) deliverOrdered() {
	for {
		packet, ok := e.received[e.expectedSeqNum]
		if !ok {
			return
		}
		delete(e.received, e.expectedSeqNum)
		if e.deliver != nil {
			e.deliver(packet.Payload, packet.IsFinal())
		}
		e.expectedSeqNum = (e.expectedSeqNum + 1) % SequenceSpace
	}
}

func (e *Engine) handleAck(msg wire.Message) {
	seq := msg.Sequence
	if _, ok := e.pending[seq]; ok {
		delete(e.pending, seq)
		e.timers.Stop(seq)
		e.advanceWindow()
		e.log.Debug("recv ack", "seq", seq)
	}
	if e.ackHook != nil {
		e.ackHook(msg)
	}
}

func (e *Engine) handleNack(msg wire.Message) {
	seq := msg.Sequence
	if _, ok := e.pending[seq]; ok {
		e.retransmit(seq)
		e.log.Debug("recv nack", "seq", seq, "code", msg.StringMeta("error_code"))
	}
	if e.ackHook != nil {
		e.ackHook(msg)
	}
}

func (e *Engine) handleWindowUpdate(msg wire.Message) {
	e.windowSize = msg.WindowSize
	e.advanceWindow()
}

// advanceWindow implements spec.md §4.4's mode-specific window advance.
// Both modes share the same "slide window_start past whatever has already
// been ACKed" loop; the policies differ only in when delivery happens,
// which is handled in handleData/deliverOrdered.
func (e *Engine) advanceWindow() {
	for e.windowStart != e.nextSeqNum {
		if _, inFlight := e.pending[e.windowStart]; inFlight {
			return
		}
		e.windowStart = (e.windowStart + 1) % SequenceSpace
	}
}

// retransmit implements spec.md §4.4's retransmit(seq).
func (e *Engine) retransmit(seq int) {
	p, ok := e.pending[seq]
	if !ok {
		return
	}
	p.retryCount++
	if p.retryCount <= MaxRetries {
		if e.send != nil {
			e.send(p.message)
		}
		e.stats.Retransmissions++
		e.timers.Reset(seq)
		e.log.Debug("retransmit", "seq", seq, "retry", p.retryCount)
		return
	}

	e.log.Warn("max retries exceeded, dropping pending packet", "seq", seq)
	delete(e.pending, seq)
	e.timers.Stop(seq)
}

func (e *Engine) handleTimerTick() {
	for _, seq := range e.timers.Expired() {
		e.retransmit(seq)
	}
}
