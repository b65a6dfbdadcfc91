package flow

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nettun/ipstack/pkg/ipproto"
	"github.com/nettun/ipstack/pkg/packet"
	"github.com/nettun/ipstack/pkg/tuple"
)

func testUDPKey() tuple.NetworkTuple {
	return tuple.New(ipproto.UDP,
		net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.1"),
		54321, 53)
}

func udpDatagram(key tuple.NetworkTuple, payload []byte) *packet.NetworkPacket {
	uh := &packet.UDPHeader{SrcPort: key.SourcePort(), DstPort: key.DestinationPort(), PayloadBytes: payload}
	return &packet.NetworkPacket{IP: packet.NewV4Header(key.Source(), key.Destination(), ipproto.UDP, 64), Transport: packet.Transport{UDP: uh}, Payload: payload}
}

// TestUDPRelaysFirstDatagramAndReplies exercises the baseline relay path:
// the first datagram observed is readable off the flow, and a
// WriteDatagram reply reaches the outbox addressed back to the peer.
func TestUDPRelaysFirstDatagramAndReplies(t *testing.T) {
	ctx := testContext(t)
	key := testUDPKey()
	outbox := make(chan *packet.NetworkPacket, 8)

	f := NewUDP(ctx, key, udpDatagram(key, []byte("query")), outbox, time.Minute)

	got, err := f.ReadDatagram(ctx)
	require.NoError(t, err)
	assert.Equal(t, "query", string(got))

	require.NoError(t, f.WriteDatagram(ctx, []byte("reply")))
	select {
	case pkt := <-outbox:
		assert.Equal(t, "reply", string(pkt.Payload))
		assert.Equal(t, key.SourcePort(), pkt.Transport.UDP.DstPort)
	case <-ctx.Done():
		require.FailNow(t, "timed out waiting for the reply datagram")
	}
}

// TestUDPIdleTimeoutTearsDown exercises the idle-timeout path: once the
// timeout elapses with no datagrams, the flow emits a TTL=0 sentinel on
// its reverse tuple and closes.
func TestUDPIdleTimeoutTearsDown(t *testing.T) {
	ctx := testContext(t)
	key := testUDPKey()
	outbox := make(chan *packet.NetworkPacket, 8)

	f := NewUDP(ctx, key, udpDatagram(key, []byte("x")), outbox, 20*time.Millisecond)

	_, err := f.ReadDatagram(ctx)
	require.NoError(t, err)

	select {
	case pkt := <-outbox:
		assert.Equal(t, uint8(0), pkt.TTL())
		assert.Equal(t, key.Reverse().Source().String(), pkt.IP.Source().String())
	case <-ctx.Done():
		require.FailNow(t, "timed out waiting for the teardown sentinel")
	}

	select {
	case <-f.Destroyed():
	case <-ctx.Done():
		require.FailNow(t, "flow never reported destroyed")
	}
}
