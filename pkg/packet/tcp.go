package packet

import (
	"encoding/binary"
	"fmt"
)

// TCP control flags.
const (
	FIN uint8 = 1 << 0
	SYN uint8 = 1 << 1
	RST uint8 = 1 << 2
	PSH uint8 = 1 << 3
	ACK uint8 = 1 << 4
	URG uint8 = 1 << 5
)

// TCPHeader is the parsed form of a TCP segment header. Options are kept
// verbatim as opaque bytes but never interpreted: this stack does not
// negotiate window scaling, SACK or timestamps.
type TCPHeader struct {
	SrcPort, DstPort uint16
	Sequence, AckNum uint32
	Flags            uint8
	Window           uint16
	Options          []byte
	PayloadBytes     []byte
}

func flagString(f uint8) string {
	s := ""
	for _, p := range []struct {
		bit  uint8
		name string
	}{{SYN, "S"}, {ACK, "A"}, {FIN, "F"}, {RST, "R"}, {PSH, "P"}, {URG, "U"}} {
		if f&p.bit != 0 {
			s += p.name
		}
	}
	if s == "" {
		return "."
	}
	return s
}

func (h *TCPHeader) String() string {
	return fmt.Sprintf("tcp %d->%d seq=%d ack=%d win=%d [%s] len=%d",
		h.SrcPort, h.DstPort, h.Sequence, h.AckNum, h.Window, flagString(h.Flags), len(h.PayloadBytes))
}

func (h *TCPHeader) SYN() bool { return h.Flags&SYN != 0 }
func (h *TCPHeader) ACK() bool { return h.Flags&ACK != 0 }
func (h *TCPHeader) FIN() bool { return h.Flags&FIN != 0 }
func (h *TCPHeader) RST() bool { return h.Flags&RST != 0 }
func (h *TCPHeader) PSH() bool { return h.Flags&PSH != 0 }

func (h *TCPHeader) HeaderLen() int {
	l := 20 + len(h.Options)
	// round up to a 4-byte boundary, as the data-offset field requires.
	return (l + 3) &^ 3
}

func parseTCPHeader(buf []byte) (*TCPHeader, error) {
	if len(buf) < 20 {
		return nil, fmt.Errorf("packet: short TCP header (%d bytes)", len(buf))
	}
	dataOffset := int(buf[12]>>4) * 4
	if dataOffset < 20 || dataOffset > len(buf) {
		return nil, fmt.Errorf("packet: invalid TCP data offset %d", dataOffset)
	}
	h := &TCPHeader{
		SrcPort:  binary.BigEndian.Uint16(buf[0:2]),
		DstPort:  binary.BigEndian.Uint16(buf[2:4]),
		Sequence: binary.BigEndian.Uint32(buf[4:8]),
		AckNum:   binary.BigEndian.Uint32(buf[8:12]),
		Flags:    buf[13],
		Window:   binary.BigEndian.Uint16(buf[14:16]),
	}
	if dataOffset > 20 {
		h.Options = append([]byte(nil), buf[20:dataOffset]...)
	}
	h.PayloadBytes = buf[dataOffset:]
	return h, nil
}

// serialize writes the header followed by payload into a single buffer,
// and fills in the checksum field using the supplied pseudo-header partial
// sum.
func (h *TCPHeader) serialize(pseudoSum uint32, payload []byte) []byte {
	hl := h.HeaderLen()
	out := make([]byte, hl+len(payload))
	binary.BigEndian.PutUint16(out[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(out[2:4], h.DstPort)
	binary.BigEndian.PutUint32(out[4:8], h.Sequence)
	binary.BigEndian.PutUint32(out[8:12], h.AckNum)
	out[12] = byte(hl/4) << 4
	out[13] = h.Flags
	binary.BigEndian.PutUint16(out[14:16], h.Window)
	// out[16:18] checksum, filled below
	// out[18:20] urgent pointer, left zero
	copy(out[20:hl], h.Options)
	copy(out[hl:], payload)
	binary.BigEndian.PutUint16(out[16:18], internetChecksum(out, pseudoSum))
	return out
}
