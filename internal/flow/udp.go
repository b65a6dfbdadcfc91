package flow

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/nettun/ipstack/internal/queue"
	"github.com/nettun/ipstack/pkg/ipproto"
	"github.com/nettun/ipstack/pkg/packet"
	"github.com/nettun/ipstack/pkg/tuple"
	"github.com/nettun/ipstack/pkg/tunnel"
)

// UDP is one UDP flow. UDP has no connection lifecycle, window, or
// retransmission, so the task is little more than a datagram relay with
// an idle timeout; out of core scope except for the interface shape.
type UDP struct {
	key   tuple.NetworkTuple
	local net.Addr
	peer  net.Addr

	outbox chan<- *packet.NetworkPacket
	inboxQ *queue.Unbounded[*packet.NetworkPacket]
	reads  chan []byte

	destroyed chan struct{}
}

// NewUDP constructs a UDP flow for the first observed datagram and
// launches its relay goroutine.
func NewUDP(ctx context.Context, key tuple.NetworkTuple, first *packet.NetworkPacket, outbox chan<- *packet.NetworkPacket, timeout time.Duration) *UDP {
	f := &UDP{
		key:       key,
		local:     &net.UDPAddr{IP: key.Destination(), Port: int(key.DestinationPort())},
		peer:      &net.UDPAddr{IP: key.Source(), Port: int(key.SourcePort())},
		outbox:    outbox,
		inboxQ:    queue.NewUnbounded[*packet.NetworkPacket](),
		reads:     make(chan []byte, 64),
		destroyed: make(chan struct{}),
	}
	go f.run(ctx, timeout)
	f.inboxQ.In() <- first
	return f
}

// Inbox is unbounded: the demux's send here never blocks behind this
// flow's own processing rate.
func (f *UDP) Inbox() chan<- *packet.NetworkPacket { return f.inboxQ.In() }
func (f *UDP) Destroyed() <-chan struct{}          { return f.destroyed }

func (f *UDP) Kind() tunnel.Kind    { return tunnel.KindUDP }
func (f *UDP) LocalAddr() net.Addr { return f.local }
func (f *UDP) PeerAddr() net.Addr  { return f.peer }

// ReadDatagram implements tunnel.UDPStream.
func (f *UDP) ReadDatagram(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-f.reads:
		if !ok {
			return nil, io.EOF
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.destroyed:
		return nil, io.EOF
	}
}

// WriteDatagram implements tunnel.UDPStream.
func (f *UDP) WriteDatagram(ctx context.Context, p []byte) error {
	uh := &packet.UDPHeader{
		SrcPort:      f.key.DestinationPort(),
		DstPort:      f.key.SourcePort(),
		PayloadBytes: p,
	}
	reply := &packet.NetworkPacket{IP: newUDPReplyHeader(f.key), Transport: packet.Transport{UDP: uh}, Payload: p}
	select {
	case f.outbox <- reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *UDP) run(ctx context.Context, timeout time.Duration) {
	defer close(f.destroyed)
	defer close(f.reads)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case pkt, ok := <-f.inboxQ.Out():
			if !ok {
				return
			}
			timer.Reset(timeout)
			select {
			case f.reads <- pkt.Transport.UDP.PayloadBytes:
			case <-ctx.Done():
				return
			}
		case <-timer.C:
			dlog.Debugf(ctx, "udp flow %s: idle timeout", f.key)
			f.teardown(ctx)
			return
		case <-ctx.Done():
			f.teardown(ctx)
			return
		}
	}
}

// teardown builds a TTL=0 UDP packet on the flow's reverse tuple: the
// demux interprets this as "remove this flow's table entry".
func (f *UDP) teardown(ctx context.Context) {
	rev := f.key.Reverse()
	uh := &packet.UDPHeader{SrcPort: rev.SourcePort(), DstPort: rev.DestinationPort()}
	sentinel := &packet.NetworkPacket{IP: newUDPReplyHeaderTTL(f.key, 0), Transport: packet.Transport{UDP: uh}}
	select {
	case f.outbox <- sentinel:
	case <-ctx.Done():
	}
}

func newUDPReplyHeader(key tuple.NetworkTuple) packet.IPHeader {
	return newUDPReplyHeaderTTL(key, defaultTTL)
}

func newUDPReplyHeaderTTL(key tuple.NetworkTuple, ttl uint8) packet.IPHeader {
	if key.IsIPv4() {
		return packet.NewV4Header(key.Destination(), key.Source(), ipproto.UDP, ttl)
	}
	return packet.NewV6Header(key.Destination(), key.Source(), ipproto.UDP, ttl)
}
