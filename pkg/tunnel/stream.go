// Package tunnel defines the consumer-facing stream surface: the three
// shapes an accept() event can hand back to the code driving the stack.
package tunnel

import (
	"context"
	"net"

	"github.com/google/uuid"
)

// Kind discriminates the concrete stream type behind a Stream, since Go
// has no sum types: callers type-switch (or check Kind()) to decide
// whether they got a TCPStream, a UDPStream or a RawPacket.
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Stream is the common handle every accept() event implements.
type Stream interface {
	Kind() Kind
	LocalAddr() net.Addr
	PeerAddr() net.Addr
}

// TCPStream is a connected byte stream backed by one TCP flow. Read and
// Write take a context because both can block on flow-control: Read waits
// for data (or EOF/reset/timeout), Write waits for window and in-flight
// headroom.
type TCPStream interface {
	Stream

	// Read copies up to len(p) bytes of payload already delivered to this
	// flow in order, blocking until at least one byte is available or the
	// flow reaches a terminal condition.
	Read(ctx context.Context, p []byte) (int, error)

	// Write accepts up to len(p) bytes for transmission, blocking while
	// the send window or send buffer cap disallow sending right now.
	// It returns the number of bytes accepted, which may be less than
	// len(p); the caller is expected to call Write again for the rest.
	Write(ctx context.Context, p []byte) (int, error)

	// Flush blocks until every byte previously accepted by Write has been
	// cumulatively acknowledged by the peer.
	Flush(ctx context.Context) error

	// Shutdown starts (or waits out) the active-close handshake: FIN is
	// sent once nothing remains in flight, and Shutdown returns once the
	// flow reaches Closed or the FinWait2(false) abort branch.
	Shutdown(ctx context.Context) error
}

// UDPStream is a datagram-oriented handle backed by one UDP flow. Out of
// core scope beyond the interface shape: UDP has no connection lifecycle,
// window, or retransmission to implement.
type UDPStream interface {
	Stream

	// ReadDatagram returns the next datagram received on this flow.
	ReadDatagram(ctx context.Context) ([]byte, error)

	// WriteDatagram sends one datagram on this flow.
	WriteDatagram(ctx context.Context, p []byte) error
}

// RawPacket carries one packet whose protocol this stack does not
// terminate (anything but TCP/UDP), plus a handle for injecting a
// response packet back onto the device. ID gives each passthrough packet
// a trace id for log correlation, the same way each TCP flow is tagged.
type RawPacket struct {
	ID      uuid.UUID
	Payload []byte

	respond func([]byte) error
}

// NewRawPacket constructs a RawPacket around payload, using respond to
// inject a reply back onto the device.
func NewRawPacket(payload []byte, respond func([]byte) error) *RawPacket {
	return &RawPacket{ID: uuid.New(), Payload: payload, respond: respond}
}

func (r *RawPacket) Kind() Kind { return KindRaw }

// LocalAddr and PeerAddr are unset for raw passthrough: the stack never
// parsed a 5-tuple for a protocol it doesn't terminate.
func (r *RawPacket) LocalAddr() net.Addr { return nil }
func (r *RawPacket) PeerAddr() net.Addr  { return nil }

// Respond injects payload as a new raw packet on the device.
func (r *RawPacket) Respond(payload []byte) error { return r.respond(payload) }
