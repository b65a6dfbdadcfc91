// Package tuple implements the flow key (NetworkTuple): the 5-tuple of
// source/destination IP, source/destination port and protocol that
// identifies one flow.
//
// The representation is a plain struct of netip.Addr plus ports and
// protocol. netip.Addr is itself a small comparable value (unlike
// net.IP, which is a slice), so the whole struct is comparable and usable
// directly as a map key without any byte-packing.
package tuple

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/nettun/ipstack/pkg/ipproto"
)

// NetworkTuple is the (src_ip, src_port, dst_ip, dst_port, protocol) key
// that identifies a flow.
type NetworkTuple struct {
	src, dst         netip.Addr
	srcPort, dstPort uint16
	proto            int
}

// New returns the NetworkTuple for the given values. IPv4 addresses are
// always unmapped to their 4-byte form, regardless of how src/dst were
// represented on input, so that a v4-in-v6 net.IP and its 4-byte twin
// collapse to the same key.
func New(proto int, src, dst net.IP, srcPort, dstPort uint16) NetworkTuple {
	return NetworkTuple{
		src:     unmap(src),
		dst:     unmap(dst),
		srcPort: srcPort,
		dstPort: dstPort,
		proto:   proto,
	}
}

func unmap(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip.To16())
	if !ok {
		return netip.Addr{}
	}
	return a.Unmap()
}

// IsIPv4 reports whether this tuple's addresses are IPv4.
func (t NetworkTuple) IsIPv4() bool {
	return t.src.Is4()
}

// Source returns the source IP.
func (t NetworkTuple) Source() net.IP {
	return net.IP(t.src.AsSlice())
}

// SourcePort returns the source port.
func (t NetworkTuple) SourcePort() uint16 {
	return t.srcPort
}

// Destination returns the destination IP.
func (t NetworkTuple) Destination() net.IP {
	return net.IP(t.dst.AsSlice())
}

// DestinationPort returns the destination port.
func (t NetworkTuple) DestinationPort() uint16 {
	return t.dstPort
}

// Protocol returns the IP protocol number (ipproto.TCP, ipproto.UDP, ...).
func (t NetworkTuple) Protocol() int {
	return t.proto
}

// Reverse returns the tuple seen from the peer's side: source and
// destination swapped. Flow-local code uses this to look up the
// peer-facing key when tearing down the reverse entry in the demux's
// flow table during TTL=0 sentinel handling.
func (t NetworkTuple) Reverse() NetworkTuple {
	return NetworkTuple{
		src:     t.dst,
		dst:     t.src,
		srcPort: t.dstPort,
		dstPort: t.srcPort,
		proto:   t.proto,
	}
}

// String renders the tuple as "proto src:port -> dst:port", for logging.
func (t NetworkTuple) String() string {
	return fmt.Sprintf("%s %s:%d -> %s:%d", ipproto.Name(t.proto), t.src, t.srcPort, t.dst, t.dstPort)
}
