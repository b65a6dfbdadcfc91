// Package device defines the TUN device contract. The device itself —
// and any particular driver for it — is an external collaborator: this
// stack only needs something that delivers and consumes whole IP
// packets, optionally framed with a 4-byte packet-information prefix.
package device

import "context"

// Device is the minimal contract the demultiplexer needs from a TUN
// device: read up to len(buf) bytes of one packet, or write one packet.
// Implementations are expected to block until data is available/written,
// the same way a wrapped *os.File would.
type Device interface {
	// Read reads one packet (or PI-framed packet) into buf, returning the
	// number of bytes read.
	Read(ctx context.Context, buf []byte) (int, error)
	// Write writes one packet (or PI-framed packet) from buf.
	Write(ctx context.Context, buf []byte) (int, error)
}

// Proto identifies the L3 protocol carried by a packet-information-framed
// packet, independent of host convention.
type Proto uint16

const (
	ProtoIPv4 Proto = 0x0800
	ProtoIPv6 Proto = 0x86dd
	// ProtoBSD is the single identifier macOS/BSD TUN devices use for both
	// IPv4 and IPv6 packet-information framing, contradicting the usual
	// AF_INET/AF_INET6 convention. Treated as canonical here absent
	// real-device testing to the contrary.
	ProtoBSD Proto = 0x0002
)

// FrameHeaderLen is the size of the packet-information prefix: 2 flag
// bytes (always zero) followed by a 2-byte protocol identifier.
const FrameHeaderLen = 4

// AppendFrame appends the 4-byte packet-information prefix for proto to
// dst and returns the result. Used when Config.PacketInformation is set.
func AppendFrame(dst []byte, proto Proto) []byte {
	dst = append(dst, 0x00, 0x00)
	return append(dst, byte(proto>>8), byte(proto))
}
