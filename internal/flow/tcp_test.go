package flow

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nettun/ipstack/pkg/ipproto"
	"github.com/nettun/ipstack/pkg/packet"
	"github.com/nettun/ipstack/pkg/tuple"
)

const testMTU = 1500

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(dlog.NewTestContext(t, false), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testKey() tuple.NetworkTuple {
	return tuple.New(ipproto.TCP,
		net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.1"),
		54321, 80)
}

func synPacket(key tuple.NetworkTuple, seq uint32) *packet.NetworkPacket {
	th := &packet.TCPHeader{
		SrcPort:  key.SourcePort(),
		DstPort:  key.DestinationPort(),
		Sequence: seq,
		Flags:    packet.SYN,
		Window:   4096,
	}
	return &packet.NetworkPacket{IP: packet.NewV4Header(key.Source(), key.Destination(), ipproto.TCP, 64), Transport: packet.Transport{TCP: th}}
}

func segment(key tuple.NetworkTuple, seq, ack uint32, flags uint8, window uint16, payload []byte) *packet.NetworkPacket {
	th := &packet.TCPHeader{
		SrcPort:      key.SourcePort(),
		DstPort:      key.DestinationPort(),
		Sequence:     seq,
		AckNum:       ack,
		Flags:        flags,
		Window:       window,
		PayloadBytes: payload,
	}
	return &packet.NetworkPacket{IP: packet.NewV4Header(key.Source(), key.Destination(), ipproto.TCP, 64), Transport: packet.Transport{TCP: th}, Payload: payload}
}

// recvOutbox drains n packets from outbox within the test's context deadline.
func recvOutbox(t *testing.T, ctx context.Context, outbox <-chan *packet.NetworkPacket, n int) []*packet.NetworkPacket {
	t.Helper()
	out := make([]*packet.NetworkPacket, 0, n)
	for i := 0; i < n; i++ {
		select {
		case pkt := <-outbox:
			out = append(out, pkt)
		case <-ctx.Done():
			require.FailNow(t, "timed out waiting for outbox packet")
		}
	}
	return out
}

// TestSynHandshakeReachesEstablished exercises the three-way handshake: a
// SYN creates the flow in Listen, the flow replies SYN|ACK and moves to
// SynReceived, and the client's final ACK moves it to Established.
func TestSynHandshakeReachesEstablished(t *testing.T) {
	ctx := testContext(t)
	key := testKey()
	outbox := make(chan *packet.NetworkPacket, 8)

	f, err := NewTCP(ctx, key, synPacket(key, 1000), outbox, testMTU, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, f)

	pkts := recvOutbox(t, ctx, outbox, 1)
	synAck := pkts[0].Transport.TCP
	assert.True(t, synAck.SYN())
	assert.True(t, synAck.ACK())
	assert.Equal(t, uint32(1001), synAck.AckNum)

	f.Inbox() <- segment(key, 1001, synAck.Sequence+1, packet.ACK, 4096, nil)

	require.Eventually(t, func() bool {
		return f.tcb.State().Kind.String() == "Established"
	}, time.Second, time.Millisecond)
}

func establishedFlow(t *testing.T, ctx context.Context, key tuple.NetworkTuple, outbox chan *packet.NetworkPacket) *TCP {
	t.Helper()
	f, err := NewTCP(ctx, key, synPacket(key, 1000), outbox, testMTU, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, f)

	pkts := recvOutbox(t, ctx, outbox, 1)
	synAck := pkts[0].Transport.TCP
	f.Inbox() <- segment(key, 1001, synAck.Sequence+1, packet.ACK, 4096, nil)

	require.Eventually(t, func() bool {
		return f.tcb.State().Kind.String() == "Established"
	}, time.Second, time.Millisecond)
	return f
}

// TestPushAckDelivery exercises delivery of a PSH|ACK segment's payload to
// a pending Read, and that the flow acks it.
func TestPushAckDelivery(t *testing.T) {
	ctx := testContext(t)
	key := testKey()
	outbox := make(chan *packet.NetworkPacket, 8)
	f := establishedFlow(t, ctx, key, outbox)

	f.Inbox() <- segment(key, 1001, 1, packet.PSH|packet.ACK, 4096, []byte("hello"))

	buf := make([]byte, 16)
	n, err := f.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	ackPkts := recvOutbox(t, ctx, outbox, 1)
	assert.True(t, ackPkts[0].Transport.TCP.ACK())
	assert.False(t, ackPkts[0].Transport.TCP.PSH())
}

// TestWriteThenFlushDrainsInflight exercises a Write followed by Flush: the
// write enqueues a segment and records it as in-flight, and Flush only
// returns once a cumulative ACK clears it.
func TestWriteThenFlushDrainsInflight(t *testing.T) {
	ctx := testContext(t)
	key := testKey()
	outbox := make(chan *packet.NetworkPacket, 8)
	f := establishedFlow(t, ctx, key, outbox)
	f.tcb.ChangeSendWindow(4096)

	n, err := f.Write(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	sent := recvOutbox(t, ctx, outbox, 1)
	assert.Equal(t, "payload", string(sent[0].Payload))

	flushDone := make(chan error, 1)
	go func() { flushDone <- f.Flush(ctx) }()

	select {
	case <-flushDone:
		require.FailNow(t, "flush returned before the write was acked")
	case <-time.After(50 * time.Millisecond):
	}

	f.Inbox() <- segment(key, 1001, sent[0].Transport.TCP.Sequence+7, packet.ACK, 4096, nil)

	select {
	case err := <-flushDone:
		assert.NoError(t, err)
	case <-ctx.Done():
		require.FailNow(t, "flush never returned after the ack arrived")
	}
}

// TestDuplicateAckTriggersRetransmission exercises a duplicate-ACK segment
// (ack == lastAck, empty payload, ack != seq): the flow re-sends the
// in-flight segment recorded at that sequence number verbatim.
func TestDuplicateAckTriggersRetransmission(t *testing.T) {
	ctx := testContext(t)
	key := testKey()
	outbox := make(chan *packet.NetworkPacket, 8)
	f := establishedFlow(t, ctx, key, outbox)
	f.tcb.ChangeSendWindow(4096)

	_, err := f.Write(ctx, []byte("payload"))
	require.NoError(t, err)
	sent := recvOutbox(t, ctx, outbox, 1)
	seq := sent[0].Transport.TCP.Sequence

	// A duplicate ack: ack stays at lastAck (1) but seq != ack, with an
	// empty payload, classifying as RetransmissionRequest.
	f.Inbox() <- segment(key, 1001, 1, packet.ACK, 4096, nil)

	retr := recvOutbox(t, ctx, outbox, 1)
	assert.Equal(t, seq, retr[0].Transport.TCP.Sequence)
	assert.Equal(t, "payload", string(retr[0].Payload))
	assert.True(t, retr[0].Transport.TCP.PSH())
}

// TestGracefulShutdownReachesClosed exercises the active-close path: once
// nothing is outstanding, Shutdown sends a FIN, the peer ACKs and FINs
// back, and the flow closes.
func TestGracefulShutdownReachesClosed(t *testing.T) {
	ctx := testContext(t)
	key := testKey()
	outbox := make(chan *packet.NetworkPacket, 8)
	f := establishedFlow(t, ctx, key, outbox)

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- f.Shutdown(ctx) }()

	fin := recvOutbox(t, ctx, outbox, 1)
	assert.True(t, fin[0].Transport.TCP.FIN())

	finSeq := fin[0].Transport.TCP.Sequence
	f.Inbox() <- segment(key, 1001, finSeq+1, packet.ACK, 4096, nil)
	f.Inbox() <- segment(key, 1001, finSeq+1, packet.FIN|packet.ACK, 4096, nil)

	select {
	case err := <-shutdownDone:
		assert.NoError(t, err)
	case <-ctx.Done():
		require.FailNow(t, "shutdown never completed")
	}

	buf := make([]byte, 4)
	_, err := f.Read(ctx, buf)
	assert.Error(t, err)
}

// TestIdleTimeoutResetsConnection exercises the idle-timeout path: once the
// configured timeout elapses with no activity, the flow emits RST|ACK and
// closes with ErrTimedOut.
func TestIdleTimeoutResetsConnection(t *testing.T) {
	ctx := testContext(t)
	key := testKey()
	outbox := make(chan *packet.NetworkPacket, 8)
	f, err := NewTCP(ctx, key, synPacket(key, 1000), outbox, testMTU, 20*time.Millisecond)
	require.NoError(t, err)

	pkts := recvOutbox(t, ctx, outbox, 1)
	require.True(t, pkts[0].Transport.TCP.SYN())

	rst := recvOutbox(t, ctx, outbox, 1)
	assert.True(t, rst[0].Transport.TCP.RST())
	assert.True(t, rst[0].Transport.TCP.ACK())

	buf := make([]byte, 4)
	_, readErr := f.Read(ctx, buf)
	assert.ErrorIs(t, readErr, ErrTimedOut)
}

// TestNewTCPRejectsNonSynFirstSegment exercises the refused-connection
// path: a first observed segment that is neither SYN nor RST gets a
// RST|ACK reply and a construction error, with no flow created.
func TestNewTCPRejectsNonSynFirstSegment(t *testing.T) {
	ctx := testContext(t)
	key := testKey()
	outbox := make(chan *packet.NetworkPacket, 8)

	f, err := NewTCP(ctx, key, segment(key, 1000, 0, packet.ACK, 4096, nil), outbox, testMTU, time.Minute)
	assert.Nil(t, f)
	assert.ErrorIs(t, err, ErrConnectionRefused)

	reply := recvOutbox(t, ctx, outbox, 1)
	assert.True(t, reply[0].Transport.TCP.RST())
}

// TestNewTCPDropsPureRSTFirstSegment exercises the silent-drop path: a
// first observed segment carrying RST creates no flow and sends no reply.
func TestNewTCPDropsPureRSTFirstSegment(t *testing.T) {
	ctx := testContext(t)
	key := testKey()
	outbox := make(chan *packet.NetworkPacket, 8)

	f, err := NewTCP(ctx, key, segment(key, 1000, 0, packet.RST, 4096, nil), outbox, testMTU, time.Minute)
	assert.Nil(t, f)
	assert.NoError(t, err)

	select {
	case <-outbox:
		require.FailNow(t, "expected no reply for a pure-RST first segment")
	case <-time.After(20 * time.Millisecond):
	}
}
