// Package tcb implements the Transmission Control Block: per-flow TCP
// state plus the pure decisions derived from it (segment classification,
// reordering, in-flight/window accounting, idle timeout). It does no I/O
// of its own; the flow task that owns a TCB is responsible for turning its
// decisions into packets on an outbox and back.
package tcb

import (
	"time"

	"github.com/nettun/ipstack/pkg/seqnum"
)

// Default buffer sizing. A flow parks writes once this many bytes are
// outstanding, and never advertises a receive window larger
// than this many bytes free in its reorder buffer.
const (
	DefaultSendBufferCap = 64 * 1024
	DefaultRecvBufferCap = 64 * 1024
)

// StateKind enumerates the connection lifecycle states this engine
// implements — a simplified subset of RFC 793 with no CloseWait, LastAck,
// Closing or TimeWait.
type StateKind int

const (
	Listen StateKind = iota
	SynReceived
	Established
	FinWait1
	FinWait2
	Closed
)

func (k StateKind) String() string {
	switch k {
	case Listen:
		return "Listen"
	case SynReceived:
		return "SynReceived"
	case Established:
		return "Established"
	case FinWait1:
		return "FinWait1"
	case FinWait2:
		return "FinWait2"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// State is the full connection state. Flag carries the bool payload that
// FinWait1 and FinWait2 need: for FinWait1 it means "peer FIN already
// observed"; for FinWait2 it means "still awaiting the final ACK". It is
// unused (always false) for the other kinds. Two States compare equal with
// plain ==, since both fields are comparable.
type State struct {
	Kind StateKind
	Flag bool
}

func (s State) String() string {
	switch s.Kind {
	case FinWait1, FinWait2:
		if s.Flag {
			return s.Kind.String() + "(true)"
		}
		return s.Kind.String() + "(false)"
	default:
		return s.Kind.String()
	}
}

func ListenState() State                   { return State{Kind: Listen} }
func SynReceivedState() State              { return State{Kind: SynReceived} }
func EstablishedState() State              { return State{Kind: Established} }
func ClosedState() State                   { return State{Kind: Closed} }
func FinWait1State(peerFin bool) State     { return State{Kind: FinWait1, Flag: peerFin} }
func FinWait2State(awaitingAck bool) State { return State{Kind: FinWait2, Flag: awaitingAck} }

// PacketStatus classifies an incoming segment against the current TCB.
type PacketStatus int

const (
	Invalid PacketStatus = iota
	KeepAlive
	WindowUpdate
	RetransmissionRequest
	NewPacket
	Ack
)

func (s PacketStatus) String() string {
	switch s {
	case Invalid:
		return "Invalid"
	case KeepAlive:
		return "KeepAlive"
	case WindowUpdate:
		return "WindowUpdate"
	case RetransmissionRequest:
		return "RetransmissionRequest"
	case NewPacket:
		return "NewPacket"
	case Ack:
		return "Ack"
	default:
		return "Unknown"
	}
}

// InflightPacket is a segment sent but not yet cumulatively acknowledged.
type InflightPacket struct {
	Seq     seqnum.Value
	Payload []byte
}

// TCB holds the per-flow state described above. All methods are pure
// except the idle-timeout bookkeeping: New and ResetTimeout stamp wall
// time, and TimedOut and NextTimeout read it, rather than taking the
// current time as a parameter.
type TCB struct {
	state State

	seq     seqnum.Value // next sequence number we will send
	lastAck seqnum.Value // highest ACK received from the peer (cumulative)
	ack     seqnum.Value // next sequence number we expect from the peer

	recvWindow    uint16  // advertised to the peer
	sendWindow    uint16  // last value advertised by the peer
	avgSendWindow float64 // exponential moving average of sendWindow

	inflightPackets []InflightPacket
	inflightBytes   int
	sendBufferCap   int

	unorderedPackets map[uint32][]byte
	recvBufferUsed   int
	recvBufferCap    int

	retransmission *seqnum.Value

	lastActivity time.Time
	timeout      time.Duration
}

// New constructs a TCB in Listen state, expecting ack as the peer's next
// sequence number and seq starting at zero (an arbitrary but valid initial
// choice: nothing has been sent yet so any starting point is as good as
// another).
func New(ack seqnum.Value, timeout time.Duration) *TCB {
	t := &TCB{
		state:            ListenState(),
		seq:              0,
		lastAck:          0,
		ack:              ack,
		sendBufferCap:    DefaultSendBufferCap,
		recvBufferCap:    DefaultRecvBufferCap,
		unorderedPackets: make(map[uint32][]byte),
		timeout:          timeout,
		lastActivity:     time.Now(),
	}
	t.recvWindow = t.availableRecvWindow()
	return t
}

// State returns the current connection state.
func (t *TCB) State() State { return t.state }

// ChangeState transitions to s.
func (t *TCB) ChangeState(s State) { t.state = s }

// Seq returns the next sequence number this side will send.
func (t *TCB) Seq() seqnum.Value { return t.seq }

// AddSeq advances seq by n, consumed when sending n bytes of payload or
// a control flag (SYN/FIN) that occupies one sequence number.
func (t *TCB) AddSeq(n uint32) { t.seq = t.seq.Add(n) }

// LastAck returns the highest ACK received from the peer.
func (t *TCB) LastAck() seqnum.Value { return t.lastAck }

// ChangeLastAck records a newly observed cumulative ACK and drops every
// inflight entry it fully covers (p.seq+len(p.payload) <= lastAck).
func (t *TCB) ChangeLastAck(ack seqnum.Value) {
	t.lastAck = ack
	kept := t.inflightPackets[:0]
	for _, p := range t.inflightPackets {
		if p.Seq.Add(uint32(len(p.Payload))).LessEqual(ack) {
			t.inflightBytes -= len(p.Payload)
			continue
		}
		kept = append(kept, p)
	}
	t.inflightPackets = kept
}

// Ack returns the next sequence number expected from the peer.
func (t *TCB) Ack() seqnum.Value { return t.ack }

// AddAck advances ack by n, consumed when delivering n bytes of payload
// or observing a FIN (which occupies one sequence number).
func (t *TCB) AddAck(n uint32) { t.ack = t.ack.Add(n) }

// RecvWindow returns the window currently advertised to the peer.
func (t *TCB) RecvWindow() uint16 { return t.recvWindow }

// RefreshRecvWindow recomputes the advertised window from the reorder
// buffer's free space, capped to what a 16-bit TCP window field can hold.
func (t *TCB) RefreshRecvWindow() {
	t.recvWindow = t.availableRecvWindow()
}

func (t *TCB) availableRecvWindow() uint16 {
	free := t.recvBufferCap - t.recvBufferUsed
	if free < 0 {
		return 0
	}
	if free > 0xffff {
		return 0xffff
	}
	return uint16(free)
}

// SendWindow returns the last window value advertised by the peer.
func (t *TCB) SendWindow() uint16 { return t.sendWindow }

// ChangeSendWindow records a newly observed peer window and folds it into
// the exponential moving average: avg := (7*avg + new) / 8.
func (t *TCB) ChangeSendWindow(w uint16) {
	t.sendWindow = w
	t.avgSendWindow = (7*t.avgSendWindow + float64(w)) / 8
}

// AvgSendWindow returns the exponential moving average of the peer's
// advertised window.
func (t *TCB) AvgSendWindow() float64 { return t.avgSendWindow }

// IsSendBufferFull reports whether the in-flight byte total has reached
// the send-buffer cap.
func (t *TCB) IsSendBufferFull() bool { return t.inflightBytes >= t.sendBufferCap }

// WriteReady reports whether a write may proceed right now: the peer's
// window isn't collapsed relative to its recent average, and the send
// buffer has room.
func (t *TCB) WriteReady() bool {
	if t.IsSendBufferFull() {
		return false
	}
	return float64(t.sendWindow) >= t.avgSendWindow/2
}

// MaxWriteSize returns the largest payload a write may carry right now,
// bounded by the peer's window, the remaining send-buffer headroom, and
// mtu (the caller's MTU-derived ceiling, already net of IP/TCP headers).
func (t *TCB) MaxWriteSize(mtu int) int {
	n := int(t.sendWindow)
	if headroom := t.sendBufferCap - t.inflightBytes; headroom < n {
		n = headroom
	}
	if mtu < n {
		n = mtu
	}
	if n < 0 {
		n = 0
	}
	return n
}

// AddInflightPacket records a segment as sent but not yet acknowledged.
func (t *TCB) AddInflightPacket(seq seqnum.Value, payload []byte) {
	t.inflightPackets = append(t.inflightPackets, InflightPacket{Seq: seq, Payload: payload})
	t.inflightBytes += len(payload)
}

// FindInflight returns the recorded payload for seq, used by the flush
// path to resend the exact bytes previously sent at that sequence number.
func (t *TCB) FindInflight(seq seqnum.Value) ([]byte, bool) {
	for _, p := range t.inflightPackets {
		if p.Seq == seq {
			return p.Payload, true
		}
	}
	return nil, false
}

// SetRetransmission flags seq as needing a resend, set when classification
// observes a duplicate-ACK pattern.
func (t *TCB) SetRetransmission(seq seqnum.Value) {
	v := seq
	t.retransmission = &v
}

// TakeRetransmission returns and clears the pending retransmission
// sequence number, if any.
func (t *TCB) TakeRetransmission() (seqnum.Value, bool) {
	if t.retransmission == nil {
		return 0, false
	}
	v := *t.retransmission
	t.retransmission = nil
	return v, true
}

// AddUnorderedPacket stores a received segment by its sequence number,
// ready to be drained once the gap before it closes. Segments already
// covered by ack (duplicates, or the already-delivered prefix) are
// ignored.
func (t *TCB) AddUnorderedPacket(seq seqnum.Value, payload []byte) {
	if len(payload) == 0 || seq.LessThan(t.ack) {
		return
	}
	key := seq.Uint32()
	if _, exists := t.unorderedPackets[key]; exists {
		return
	}
	t.unorderedPackets[key] = payload
	t.recvBufferUsed += len(payload)
}

// DrainContiguous returns the longest contiguous prefix of buffered
// payload starting at ack, removing the delivered entries and advancing
// ack by the number of bytes returned. Returns nil if the segment at ack
// itself hasn't arrived yet.
func (t *TCB) DrainContiguous() []byte {
	var out []byte
	for {
		key := t.ack.Uint32()
		payload, ok := t.unorderedPackets[key]
		if !ok {
			break
		}
		out = append(out, payload...)
		delete(t.unorderedPackets, key)
		t.recvBufferUsed -= len(payload)
		t.ack = t.ack.Add(uint32(len(payload)))
	}
	return out
}

// Classify categorizes an incoming segment against the current TCB state,
// per the table:
//
//	Invalid               ack not in (lastAck-window, seq], or seq outside the receive window
//	KeepAlive             seq == ack-1, empty payload
//	WindowUpdate          ack == lastAck, empty payload, ack == seq (nothing outstanding)
//	RetransmissionRequest ack == lastAck, empty payload, ack != seq
//	NewPacket             seq >= ack, payload non-empty
//	Ack                   ack > lastAck, empty payload
func (t *TCB) Classify(segSeq, segAck seqnum.Value, payloadLen int) PacketStatus {
	ackLowBound := t.lastAck.Sub(uint32(t.sendWindow))
	ackValid := segAck.GreaterThan(ackLowBound) && segAck.LessEqual(t.seq)

	seqLowBound := t.ack.Sub(1)
	seqHighBound := t.ack.Add(uint32(t.recvWindow) + 1)
	seqValid := segSeq.GreaterEqual(seqLowBound) && segSeq.LessThan(seqHighBound)

	if !ackValid || !seqValid {
		return Invalid
	}

	switch {
	case segSeq == t.ack.Sub(1) && payloadLen == 0:
		return KeepAlive
	case segAck == t.lastAck && payloadLen == 0 && segAck == t.seq:
		return WindowUpdate
	case segAck == t.lastAck && payloadLen == 0:
		return RetransmissionRequest
	case segSeq.GreaterEqual(t.ack) && payloadLen > 0:
		return NewPacket
	case segAck.GreaterThan(t.lastAck) && payloadLen == 0:
		return Ack
	default:
		return Invalid
	}
}

// ResetTimeout re-arms the idle-timeout clock from now, called on every
// observed activity in either direction.
func (t *TCB) ResetTimeout() { t.lastActivity = time.Now() }

// TimedOut reports whether the idle-timeout deadline has passed.
func (t *TCB) TimedOut() bool { return time.Since(t.lastActivity) >= t.timeout }

// NextTimeout returns the duration remaining until the idle-timeout
// deadline, for callers driving a select/timer loop.
func (t *TCB) NextTimeout() time.Duration {
	remaining := t.timeout - time.Since(t.lastActivity)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NothingOutstanding reports whether every byte sent so far has been
// acknowledged (lastAck == seq), the precondition for starting the
// active-close FIN handshake.
func (t *TCB) NothingOutstanding() bool { return t.lastAck == t.seq }
