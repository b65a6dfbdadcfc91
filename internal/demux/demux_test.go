package demux

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
	"github.com/nettun/ipstack/pkg/tunnel"
)

// fakeDevice is a device.Device backed by channels, standing in for a real
// TUN device: inbound frames are fed on in, written frames land on out.
type fakeDevice struct {
	in  chan []byte
	out chan []byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{in: make(chan []byte, 16), out: make(chan []byte, 16)}
}

func (d *fakeDevice) Read(ctx context.Context, buf []byte) (int, error) {
	select {
	case frame := <-d.in:
		return copy(buf, frame), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (d *fakeDevice) Write(ctx context.Context, buf []byte) (int, error) {
	frame := append([]byte(nil), buf...)
	select {
	case d.out <- frame:
		return len(buf), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(dlog.NewTestContext(t, false), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testConfig() Config {
	return Config{MTU: 1500, TCPTimeout: time.Minute, UDPTimeout: time.Minute}
}

func rawSynBytes(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, seq uint32) []byte {
	t.Helper()
	th := &packet.TCPHeader{SrcPort: srcPort, DstPort: dstPort, Sequence: seq, Flags: packet.SYN, Window: 4096}
	pkt := &packet.NetworkPacket{
		IP:        packet.NewV4Header(net.ParseIP(srcIP), net.ParseIP(dstIP), ipproto.TCP, 64),
		Transport: packet.Transport{TCP: th},
	}
	b, err := pkt.ToBytes()
	require.NoError(t, err)
	return b
}

// TestDemuxAcceptsNewTCPFlowFromSyn exercises the demux's dispatch path: a
// SYN for an unknown 5-tuple creates a new flow, publishes it on Accept,
// and the flow's SYN|ACK reply reaches the device.
func TestDemuxAcceptsNewTCPFlowFromSyn(t *testing.T) {
	ctx := testContext(t)
	dev := newFakeDevice()
	d := New(testConfig(), dev)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	dev.in <- rawSynBytes(t, "10.0.0.2", "10.0.0.1", 54321, 80, 1000)

	select {
	case s := <-d.Accept():
		assert.Equal(t, tunnel.KindTCP, s.Kind())
	case <-ctx.Done():
		require.FailNow(t, "timed out waiting for accepted flow")
	}

	select {
	case frame := <-dev.out:
		pkt, err := packet.Parse(frame)
		require.NoError(t, err)
		assert.True(t, pkt.Transport.TCP.SYN())
		assert.True(t, pkt.Transport.TCP.ACK())
	case <-ctx.Done():
		require.FailNow(t, "timed out waiting for syn-ack on the device")
	}
}

// TestDemuxRoutesRawPassthrough exercises the unsupported-protocol path: a
// packet for a protocol this stack doesn't terminate (ICMP) is published
// as a tunnel.RawPacket rather than dropped or routed to a flow.
func TestDemuxRoutesRawPassthrough(t *testing.T) {
	ctx := testContext(t)
	dev := newFakeDevice()
	d := New(testConfig(), dev)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// ICMP has no registered transport codec, so packet.Parse recognizes
	// the IP header and returns ErrUnsupportedProtocol at L4 dispatch.
	dev.in <- rawICMPBytes(t, "10.0.0.2", "10.0.0.1")

	select {
	case s := <-d.Accept():
		rp, ok := s.(*tunnel.RawPacket)
		require.True(t, ok, "expected a *tunnel.RawPacket for an unterminated protocol")
		assert.NotEqual(t, rp.ID.String(), "")
		assert.Equal(t, tunnel.KindRaw, rp.Kind())
	case <-ctx.Done():
		require.FailNow(t, "timed out waiting for the raw passthrough")
	}
}

// rawICMPBytes builds a minimal well-formed IPv4 header carrying protocol
// ICMP, with an empty payload - enough for packet.Parse to recognize the
// version/IHL/total-length fields and fail only at the L4 dispatch step.
func rawICMPBytes(t *testing.T, srcIP, dstIP string) []byte {
	t.Helper()
	buf := make([]byte, 20)
	buf[0] = 0x45 // version 4, IHL 5
	buf[8] = 64   // ttl
	buf[9] = byte(ipproto.ICMP)
	copy(buf[2:4], []byte{0, 20}) // total length
	copy(buf[12:16], net.ParseIP(srcIP).To4())
	copy(buf[16:20], net.ParseIP(dstIP).To4())
	return buf
}
