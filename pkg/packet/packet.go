// Package packet implements the packet codec: parsing a raw buffer read
// from the TUN device into a typed {IP header, transport header, payload}
// record, and serializing the inverse. It rejects malformed packets and
// surfaces protocols the stack does not terminate (anything but TCP/UDP)
// as ErrUnsupportedProtocol so the caller can treat them as a raw
// passthrough.
package packet

import (
	"errors"
	"fmt"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/nettun/ipstack/pkg/ipproto"
	"github.com/nettun/ipstack/pkg/tuple"
)

// ErrUnsupportedProtocol is returned by Parse when the packet is well
// formed IPv4/IPv6 but carries an L4 protocol this stack does not
// terminate. The caller still has the raw bytes and should treat the
// packet as a RawPacket passthrough rather than drop it.
var ErrUnsupportedProtocol = errors.New("packet: unsupported transport protocol")

// Transport is the sum type of the two transport headers this stack
// terminates.
type Transport struct {
	TCP *TCPHeader
	UDP *UDPHeader
}

// IsTCP reports whether this is a TCP segment.
func (t Transport) IsTCP() bool { return t.TCP != nil }

// IsUDP reports whether this is a UDP datagram.
func (t Transport) IsUDP() bool { return t.UDP != nil }

// Payload returns the transport payload bytes.
func (t Transport) Payload() []byte {
	if t.TCP != nil {
		return t.TCP.PayloadBytes
	}
	return t.UDP.PayloadBytes
}

// SourcePort returns the transport source port.
func (t Transport) SourcePort() uint16 {
	if t.TCP != nil {
		return t.TCP.SrcPort
	}
	return t.UDP.SrcPort
}

// DestinationPort returns the transport destination port.
func (t Transport) DestinationPort() uint16 {
	if t.TCP != nil {
		return t.TCP.DstPort
	}
	return t.UDP.DstPort
}

// NetworkPacket is the parsed record the demultiplexer and flow tasks
// operate on.
type NetworkPacket struct {
	IP        IPHeader
	Transport Transport
	Payload   []byte
}

// Parse parses buf into a NetworkPacket. If the packet is well-formed but
// carries an L4 protocol this stack doesn't terminate, it returns
// ErrUnsupportedProtocol alongside a nil packet; any other error means the
// packet is malformed and must be dropped.
func Parse(buf []byte) (*NetworkPacket, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("packet: empty buffer")
	}
	version := int(buf[0] >> 4)
	var (
		ip      IPHeader
		rest    []byte
		err     error
		proto   int
	)
	switch version {
	case ipv4.Version:
		var h *V4Header
		h, rest, err = parseV4Header(buf)
		if err != nil {
			return nil, err
		}
		ip, proto = h, h.protocol
	case ipv6.Version:
		var h *V6Header
		h, rest, err = parseV6Header(buf)
		if err != nil {
			return nil, err
		}
		ip, proto = h, h.nextHeader
	default:
		return nil, fmt.Errorf("packet: unknown IP version %d", version)
	}

	switch proto {
	case ipproto.TCP:
		th, err := parseTCPHeader(rest)
		if err != nil {
			return nil, err
		}
		return &NetworkPacket{IP: ip, Transport: Transport{TCP: th}, Payload: th.PayloadBytes}, nil
	case ipproto.UDP:
		uh, err := parseUDPHeader(rest)
		if err != nil {
			return nil, err
		}
		return &NetworkPacket{IP: ip, Transport: Transport{UDP: uh}, Payload: uh.PayloadBytes}, nil
	default:
		return nil, ErrUnsupportedProtocol
	}
}

// NetworkTuple returns the 5-tuple flow key for this packet.
func (p *NetworkPacket) NetworkTuple() tuple.NetworkTuple {
	return tuple.New(p.IP.Protocol(), p.IP.Source(), p.IP.Destination(), p.Transport.SourcePort(), p.Transport.DestinationPort())
}

// ReverseNetworkTuple returns the flow key as seen from the peer (source
// and destination swapped), used when a flow signals teardown with a
// TTL=0 sentinel.
func (p *NetworkPacket) ReverseNetworkTuple() tuple.NetworkTuple {
	return p.NetworkTuple().Reverse()
}

// TTL returns the IP-layer TTL/hop-limit.
func (p *NetworkPacket) TTL() uint8 { return p.IP.TTL() }

// ToBytes serializes the packet back to wire format, recomputing IP and
// transport checksums and lengths.
func (p *NetworkPacket) ToBytes() ([]byte, error) {
	switch h := p.IP.(type) {
	case *V4Header:
		var transport []byte
		switch {
		case p.Transport.TCP != nil:
			transport = p.Transport.TCP.serialize(h.pseudoSum(uint16(len(p.Payload)+p.Transport.TCP.HeaderLen())), p.Payload)
		case p.Transport.UDP != nil:
			transport = p.Transport.UDP.serialize(h.pseudoSum(uint16(len(p.Payload)+8)), p.Payload)
		default:
			return nil, fmt.Errorf("packet: no transport header set")
		}
		return h.serialize(transport), nil
	case *V6Header:
		var transport []byte
		switch {
		case p.Transport.TCP != nil:
			transport = p.Transport.TCP.serialize(h.pseudoSum(uint32(len(p.Payload)+p.Transport.TCP.HeaderLen())), p.Payload)
		case p.Transport.UDP != nil:
			transport = p.Transport.UDP.serialize(h.pseudoSum(uint32(len(p.Payload)+8)), p.Payload)
		default:
			return nil, fmt.Errorf("packet: no transport header set")
		}
		return h.serialize(transport), nil
	default:
		return nil, fmt.Errorf("packet: unknown IP header type %T", p.IP)
	}
}
