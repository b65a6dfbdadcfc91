package packet

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// IPHeader is the parsed representation of either an IPv4 or an IPv6
// header. Only the fields the stack needs are exposed; options and
// extension headers are neither parsed nor round-tripped, so fragmentation
// and multi-homing stay out of scope.
type IPHeader interface {
	Version() int
	HeaderLen() int
	Protocol() int
	TTL() uint8
	SetTTL(uint8)
	Source() net.IP
	Destination() net.IP
	PayloadLen() int
}

// V4Header is the parsed form of an IPv4 header (no options).
type V4Header struct {
	ttl          uint8
	protocol     int
	src, dst     [4]byte
	payloadLen   int
	dontFragment bool
	identifier   uint16
}

func (h *V4Header) Version() int        { return ipv4.Version }
func (h *V4Header) HeaderLen() int      { return 20 }
func (h *V4Header) Protocol() int       { return h.protocol }
func (h *V4Header) TTL() uint8          { return h.ttl }
func (h *V4Header) SetTTL(ttl uint8)    { h.ttl = ttl }
func (h *V4Header) Source() net.IP      { return net.IP(h.src[:]) }
func (h *V4Header) Destination() net.IP { return net.IP(h.dst[:]) }
func (h *V4Header) PayloadLen() int     { return h.payloadLen }

// NewV4Header constructs a reply header for the given addresses, with
// don't-fragment set.
func NewV4Header(src, dst net.IP, protocol int, ttl uint8) *V4Header {
	h := &V4Header{ttl: ttl, protocol: protocol, dontFragment: true}
	copy(h.src[:], src.To4())
	copy(h.dst[:], dst.To4())
	return h
}

func parseV4Header(buf []byte) (*V4Header, []byte, error) {
	if len(buf) < 20 {
		return nil, nil, fmt.Errorf("packet: short IPv4 header (%d bytes)", len(buf))
	}
	ihl := int(buf[0]&0x0f) * 4
	if ihl < 20 || ihl > len(buf) {
		return nil, nil, fmt.Errorf("packet: invalid IPv4 IHL %d", ihl)
	}
	totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if totalLen < ihl || totalLen > len(buf) {
		return nil, nil, fmt.Errorf("packet: invalid IPv4 total length %d", totalLen)
	}
	h := &V4Header{
		identifier:   binary.BigEndian.Uint16(buf[4:6]),
		dontFragment: buf[6]&0x40 != 0,
		ttl:          buf[8],
		protocol:     int(buf[9]),
		payloadLen:   totalLen - ihl,
	}
	copy(h.src[:], buf[12:16])
	copy(h.dst[:], buf[16:20])
	return h, buf[ihl:totalLen], nil
}

func (h *V4Header) serialize(payload []byte) []byte {
	out := make([]byte, 20+len(payload))
	out[0] = 0x45 // version 4, IHL 5
	out[1] = 0
	binary.BigEndian.PutUint16(out[2:4], uint16(20+len(payload)))
	binary.BigEndian.PutUint16(out[4:6], h.identifier)
	var flags uint16
	if h.dontFragment {
		flags |= 0x4000
	}
	binary.BigEndian.PutUint16(out[6:8], flags)
	out[8] = h.ttl
	out[9] = byte(h.protocol)
	copy(out[12:16], h.src[:])
	copy(out[16:20], h.dst[:])
	binary.BigEndian.PutUint16(out[10:12], internetChecksum(out[0:20], 0))
	copy(out[20:], payload)
	return out
}

func (h *V4Header) pseudoSum(upperLen uint16) uint32 {
	return pseudoHeaderSum4(h.src, h.dst, uint8(h.protocol), upperLen)
}

// V6Header is the parsed form of a fixed (no extension headers) IPv6 header.
type V6Header struct {
	trafficClass uint8
	flowLabel    uint32
	nextHeader   int
	hopLimit     uint8
	src, dst     [16]byte
	payloadLen   int
}

func (h *V6Header) Version() int        { return ipv6.Version }
func (h *V6Header) HeaderLen() int      { return 40 }
func (h *V6Header) Protocol() int       { return h.nextHeader }
func (h *V6Header) TTL() uint8          { return h.hopLimit }
func (h *V6Header) SetTTL(ttl uint8)    { h.hopLimit = ttl }
func (h *V6Header) Source() net.IP      { return net.IP(h.src[:]) }
func (h *V6Header) Destination() net.IP { return net.IP(h.dst[:]) }
func (h *V6Header) PayloadLen() int     { return h.payloadLen }

// NewV6Header constructs a reply header for the given addresses.
func NewV6Header(src, dst net.IP, protocol int, hopLimit uint8) *V6Header {
	h := &V6Header{nextHeader: protocol, hopLimit: hopLimit}
	copy(h.src[:], src.To16())
	copy(h.dst[:], dst.To16())
	return h
}

func parseV6Header(buf []byte) (*V6Header, []byte, error) {
	if len(buf) < 40 {
		return nil, nil, fmt.Errorf("packet: short IPv6 header (%d bytes)", len(buf))
	}
	payloadLen := int(binary.BigEndian.Uint16(buf[4:6]))
	if 40+payloadLen > len(buf) {
		return nil, nil, fmt.Errorf("packet: invalid IPv6 payload length %d", payloadLen)
	}
	h := &V6Header{
		trafficClass: (buf[0]&0x0f)<<4 | buf[1]>>4,
		flowLabel:    binary.BigEndian.Uint32(buf[0:4]) & 0x000fffff,
		nextHeader:   int(buf[6]),
		hopLimit:     buf[7],
		payloadLen:   payloadLen,
	}
	copy(h.src[:], buf[8:24])
	copy(h.dst[:], buf[24:40])
	return h, buf[40 : 40+payloadLen], nil
}

func (h *V6Header) serialize(payload []byte) []byte {
	out := make([]byte, 40+len(payload))
	out[0] = 0x60 | (h.trafficClass >> 4)
	out[1] = ((h.trafficClass << 4) & 0xf0) | byte(h.flowLabel>>16)&0x0f
	out[2] = byte(h.flowLabel >> 8)
	out[3] = byte(h.flowLabel)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(payload)))
	out[6] = byte(h.nextHeader)
	out[7] = h.hopLimit
	copy(out[8:24], h.src[:])
	copy(out[24:40], h.dst[:])
	copy(out[40:], payload)
	return out
}

func (h *V6Header) pseudoSum(upperLen uint32) uint32 {
	return pseudoHeaderSum6(h.src, h.dst, uint8(h.nextHeader), upperLen)
}
