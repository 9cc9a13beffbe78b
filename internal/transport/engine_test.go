package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tarkalabs/reliabletransport/internal/checksum"
	"github.com/tarkalabs/reliabletransport/internal/wire"
)

// loopback wires a sender engine directly to a receiver engine's Receive
// method (and vice versa), simulating a lossless substrate so engine
// behavior can be tested without a real network connection.
type loopback struct {
	mu       sync.Mutex
	delivery []string
	final    []bool
}

func (l *loopback) deliver(payload string, isFinal bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delivery = append(l.delivery, payload)
	l.final = append(l.final, isFinal)
}

func (l *loopback) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.delivery))
	copy(out, l.delivery)
	return out
}

func newPair(t *testing.T, mode wire.OperationMode, window int) (sender, receiver *Engine, recv *loopback) {
	t.Helper()
	recv = &loopback{}
	var senderEngine, receiverEngine *Engine

	senderEngine = New(mode, window, 150*time.Millisecond, func(m wire.Message) {
		receiverEngine.Receive(m)
	}, nil)
	receiverEngine = New(mode, window, 150*time.Millisecond, func(m wire.Message) {
		senderEngine.Receive(m)
	}, recv.deliver)

	senderEngine.Start()
	receiverEngine.Start()
	t.Cleanup(func() {
		senderEngine.Stop()
		receiverEngine.Stop()
	})
	return senderEngine, receiverEngine, recv
}

func TestHappyPathGoBackN(t *testing.T) {
	sender, _, recv := newPair(t, wire.ModeGoBackN, 5)

	packets := checksum.Split("Hello, this is a reliability demo!", 4)
	require.Len(t, packets, 9)

	for i, p := range packets {
		ok := sender.SendData(p, i == len(packets)-1)
		require.True(t, ok)
	}

	require.Eventually(t, func() bool {
		return len(recv.snapshot()) == 9
	}, time.Second, 5*time.Millisecond)

	var rebuilt string
	for _, p := range recv.snapshot() {
		rebuilt += p
	}
	require.Equal(t, "Hello, this is a reliability demo!", rebuilt)

	stats := sender.Stats()
	require.Equal(t, 9, stats.PacketsSent)
	require.Equal(t, 0, stats.Retransmissions)
}

func TestChecksumErrorTriggersRetransmit(t *testing.T) {
	recv := &loopback{}
	var sender, receiver *Engine

	corruptNext := false
	sender = New(wire.ModeGoBackN, 5, 150*time.Millisecond, func(m wire.Message) {
		if m.Kind == wire.KindData && corruptNext {
			corruptNext = false
			m.Payload = "XXXX" // checksum no longer matches payload
		}
		receiver.Receive(m)
	}, nil)
	receiver = New(wire.ModeGoBackN, 5, 150*time.Millisecond, func(m wire.Message) {
		sender.Receive(m)
	}, recv.deliver)

	sender.Start()
	receiver.Start()
	defer sender.Stop()
	defer receiver.Stop()

	packets := checksum.Split("Hello, this is a reliability demo!", 4)
	for i, p := range packets {
		if i == 3 {
			corruptNext = true
		}
		require.True(t, sender.SendData(p, i == len(packets)-1))
	}

	require.Eventually(t, func() bool {
		return len(recv.snapshot()) == 9
	}, 2*time.Second, 5*time.Millisecond)

	var rebuilt string
	for _, p := range recv.snapshot() {
		rebuilt += p
	}
	require.Equal(t, "Hello, this is a reliability demo!", rebuilt)

	stats := sender.Stats()
	require.GreaterOrEqual(t, stats.Retransmissions, 1)
}

func TestWindowSaturation(t *testing.T) {
	var receiverRef *Engine
	blockAcks := true
	var mu sync.Mutex

	sender := New(wire.ModeGoBackN, 2, 500*time.Millisecond, func(m wire.Message) {
		receiverRef.Receive(m)
	}, nil)
	receiverRef = New(wire.ModeGoBackN, 2, 500*time.Millisecond, func(m wire.Message) {
		mu.Lock()
		blocked := blockAcks
		mu.Unlock()
		if blocked {
			return // simulate delayed ACKs
		}
		sender.Receive(m)
	}, func(string, bool) {})

	sender.Start()
	receiverRef.Start()
	defer sender.Stop()
	defer receiverRef.Stop()

	require.True(t, sender.SendData("aaaa", false))
	require.True(t, sender.SendData("bbbb", false))
	require.False(t, sender.SendData("cccc", false)) // window full

	stats := sender.Stats()
	require.LessOrEqual(t, stats.Pending, 2)
}

func TestDuplicateDataDelivery(t *testing.T) {
	recv := &loopback{}
	var sender, receiver *Engine
	sender = New(wire.ModeGoBackN, 5, 200*time.Millisecond, func(m wire.Message) {
		receiver.Receive(m)
	}, nil)
	receiver = New(wire.ModeGoBackN, 5, 200*time.Millisecond, func(m wire.Message) {
		sender.Receive(m)
	}, recv.deliver)
	sender.Start()
	receiver.Start()
	defer sender.Stop()
	defer receiver.Stop()

	msg := wire.Data(2, "zz", checksum.Checksum("zz"), false)
	receiver.Receive(msg)
	receiver.Receive(msg) // replay

	require.Eventually(t, func() bool {
		return receiver.Stats().DuplicatePackets == 1
	}, time.Second, 5*time.Millisecond)

	// Go-Back-N holds seq 2 until 0 and 1 arrive; once the gap is filled
	// the replayed payload is delivered only once.
	receiver.Receive(wire.Data(0, "xx", checksum.Checksum("xx"), false))
	receiver.Receive(wire.Data(1, "yy", checksum.Checksum("yy"), false))

	require.Eventually(t, func() bool {
		return len(recv.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"xx", "yy", "zz"}, recv.snapshot())
}

func TestRetryExhaustion(t *testing.T) {
	var sender *Engine
	sender = New(wire.ModeGoBackN, 5, 30*time.Millisecond, func(m wire.Message) {
		if m.Kind == wire.KindData {
			sender.Receive(wire.Nack(m.Sequence, wire.ErrChecksum))
		}
	}, nil)
	sender.Start()
	defer sender.Stop()

	require.True(t, sender.SendData("pppp", false))

	require.Eventually(t, func() bool {
		return sender.Stats().Retransmissions == MaxRetries
	}, 2*time.Second, 5*time.Millisecond)

	// One more NACK after exhaustion must not push retransmissions past
	// MaxRetries (invariant: no pending packet retransmitted more than
	// MaxRetries times).
	sender.Receive(wire.Nack(0, wire.ErrChecksum))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, MaxRetries, sender.Stats().Retransmissions)
	require.Equal(t, 0, sender.Stats().Pending)
}

func TestSelectiveRepeatOutOfOrderDeliveryStillAssemblesCorrectly(t *testing.T) {
	sender, _, recv := newPair(t, wire.ModeSelectiveRepeat, 5)

	packets := checksum.Split("Hello, this is a reliability demo!", 4)
	for i, p := range packets {
		require.True(t, sender.SendData(p, i == len(packets)-1))
	}

	require.Eventually(t, func() bool {
		return len(recv.snapshot()) == 9
	}, time.Second, 5*time.Millisecond)

	var rebuilt string
	for _, p := range recv.snapshot() {
		rebuilt += p
	}
	require.Equal(t, "Hello, this is a reliability demo!", rebuilt)
}

func TestSendDataReturnsFalseWhenWindowFull(t *testing.T) {
	e := New(wire.ModeGoBackN, 1, time.Second, func(wire.Message) {}, nil)
	e.Start()
	defer e.Stop()

	require.True(t, e.SendData("aaaa", false))
	require.False(t, e.SendData("bbbb", false))
}

func TestWindowUpdateChangesWindowSize(t *testing.T) {
	e := New(wire.ModeGoBackN, 1, time.Second, func(wire.Message) {}, nil)
	e.Start()
	defer e.Stop()

	require.True(t, e.SendData("aaaa", false))
	require.False(t, e.SendData("bbbb", false))

	e.Receive(wire.WindowUpdate(3))
	require.Eventually(t, func() bool {
		return e.Stats().WindowSize == 3
	}, time.Second, 5*time.Millisecond)

	require.True(t, e.SendData("bbbb", false))
}

func TestSequenceMonotonicity(t *testing.T) {
	var seqs []int
	e := New(wire.ModeGoBackN, 5, time.Second, func(m wire.Message) {
		seqs = append(seqs, m.Sequence)
	}, nil)
	e.Start()
	defer e.Stop()

	for i := 0; i < 5; i++ {
		require.True(t, e.SendData("xxxx", false))
	}
	require.Eventually(t, func() bool { return len(seqs) == 5 }, time.Second, 5*time.Millisecond)
	for i, s := range seqs {
		require.Equal(t, i, s)
	}
}
