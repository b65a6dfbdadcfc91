package packet

import (
	"encoding/binary"
	"fmt"
)

// UDPHeader is the parsed form of a UDP datagram header.
type UDPHeader struct {
	SrcPort, DstPort uint16
	PayloadBytes     []byte
}

func (h *UDPHeader) HeaderLen() int { return 8 }

func (h *UDPHeader) String() string {
	return fmt.Sprintf("udp %d->%d len=%d", h.SrcPort, h.DstPort, len(h.PayloadBytes))
}

func parseUDPHeader(buf []byte) (*UDPHeader, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("packet: short UDP header (%d bytes)", len(buf))
	}
	length := int(binary.BigEndian.Uint16(buf[4:6]))
	if length < 8 || length > len(buf) {
		return nil, fmt.Errorf("packet: invalid UDP length %d", length)
	}
	return &UDPHeader{
		SrcPort:      binary.BigEndian.Uint16(buf[0:2]),
		DstPort:      binary.BigEndian.Uint16(buf[2:4]),
		PayloadBytes: buf[8:length],
	}, nil
}

func (h *UDPHeader) serialize(pseudoSum uint32, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(out[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(out[2:4], h.DstPort)
	binary.BigEndian.PutUint16(out[4:6], uint16(8+len(payload)))
	copy(out[8:], payload)
	sum := internetChecksum(out, pseudoSum)
	if sum == 0 {
		sum = 0xffff // 0 is reserved to mean "no checksum computed"
	}
	binary.BigEndian.PutUint16(out[6:8], sum)
	return out
}
