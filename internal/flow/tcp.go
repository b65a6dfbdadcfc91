// Package flow implements the per-flow tasks: one goroutine per live TCP
// or UDP flow, each owning a tcb.TCB (for TCP) and presenting a
// tunnel.Stream to the consumer while exchanging wire packets with the
// demultiplexer over inbox/outbox channels.
package flow

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nettun/ipstack/internal/queue"
	"github.com/nettun/ipstack/pkg/ipproto"
	"github.com/nettun/ipstack/pkg/packet"
	"github.com/nettun/ipstack/pkg/seqnum"
	"github.com/nettun/ipstack/pkg/tcb"
	"github.com/nettun/ipstack/pkg/tuple"
	"github.com/nettun/ipstack/pkg/tunnel"
)

var (
	errEOF           = io.EOF
	errUnexpectedEOF = io.ErrUnexpectedEOF
)

// defaultTTL is the TTL/hop-limit stamped on segments this stack emits,
// matching common Unix defaults.
const defaultTTL = 64

// ErrConnectionRefused is returned (via construction failure) when the
// first observed segment for a new flow key is neither SYN nor RST.
var ErrConnectionRefused = errors.New("flow: connection refused")

// ErrConnectionReset is surfaced to a consumer after the peer sends RST.
var ErrConnectionReset = errors.New("flow: connection reset")

// ErrConnectionAborted is surfaced from the FinWait2(false) branch.
var ErrConnectionAborted = errors.New("flow: connection aborted")

// ErrTimedOut is surfaced to a consumer after the idle timeout fires.
var ErrTimedOut = errors.New("flow: timed out")

type readRequest struct {
	buf  []byte
	resp chan readResult
}

type readResult struct {
	n   int
	err error
}

type writeRequest struct {
	buf  []byte
	resp chan writeResult
}

type writeResult struct {
	n   int
	err error
}

type waiter chan error

// TCP is one TCP flow: the owning goroutine, its TCB, and the channels
// that connect it to the demux and to the consumer-facing Stream.
type TCP struct {
	id     uuid.UUID
	key    tuple.NetworkTuple
	local  net.Addr
	peer   net.Addr
	mtu    int
	tcb    *tcb.TCB
	outbox chan<- *packet.NetworkPacket
	inboxQ *queue.Unbounded[*packet.NetworkPacket]

	readReq     chan readRequest
	writeReq    chan writeRequest
	flushReq    chan waiter
	shutdownReq chan waiter
	destroyed   chan struct{}

	// recvBuf holds payload already drained out of the TCB's reorder
	// buffer (and so already cumulatively acked) but not yet copied out
	// through Read: delivery to the TCB and delivery to the consumer are
	// two separate steps, and nothing may be dropped in between.
	recvBuf []byte

	closeErr error
}

// NewTCP constructs a TCP flow from the first observed segment. If that
// segment carries SYN, the flow starts in Listen and its goroutine is
// launched. If it carries RST, construction fails silently (nil, nil): no
// flow, no reply. Otherwise a RST+ACK is emitted and construction fails
// with ErrConnectionRefused.
func NewTCP(ctx context.Context, key tuple.NetworkTuple, first *packet.NetworkPacket, outbox chan<- *packet.NetworkPacket, mtu int, timeout time.Duration) (*TCP, error) {
	th := first.Transport.TCP
	if th.RST() {
		return nil, nil
	}
	if !th.SYN() {
		reply := rstAckFor(key, defaultTTL, th.AckNum, th.Sequence+1)
		select {
		case outbox <- reply:
		case <-ctx.Done():
		}
		return nil, ErrConnectionRefused
	}

	f := &TCP{
		id:          uuid.New(),
		key:         key,
		local:       &net.TCPAddr{IP: key.Destination(), Port: int(key.DestinationPort())},
		peer:        &net.TCPAddr{IP: key.Source(), Port: int(key.SourcePort())},
		mtu:         mtu,
		tcb:         tcb.New(seqnum.Value(th.Sequence+1), timeout),
		outbox:      outbox,
		inboxQ:      queue.NewUnbounded[*packet.NetworkPacket](),
		readReq:     make(chan readRequest),
		writeReq:    make(chan writeRequest),
		flushReq:    make(chan waiter),
		shutdownReq: make(chan waiter),
		destroyed:   make(chan struct{}),
	}
	go f.run(ctx)
	return f, nil
}

// Inbox returns the channel the demultiplexer forwards inbound packets
// for this flow on. It is unbounded: the demux's send here never blocks
// behind this flow's own processing rate.
func (f *TCP) Inbox() chan<- *packet.NetworkPacket { return f.inboxQ.In() }

// Destroyed is closed once the flow's goroutine has exited, for the demux
// to notice a dropped stream without relying solely on the TTL=0
// sentinel.
func (f *TCP) Destroyed() <-chan struct{} { return f.destroyed }

func (f *TCP) Kind() tunnel.Kind    { return tunnel.KindTCP }
func (f *TCP) LocalAddr() net.Addr { return f.local }
func (f *TCP) PeerAddr() net.Addr  { return f.peer }

// Read implements tunnel.TCPStream.
func (f *TCP) Read(ctx context.Context, p []byte) (int, error) {
	resp := make(chan readResult, 1)
	select {
	case f.readReq <- readRequest{buf: p, resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-f.destroyed:
		if f.closeErr != nil {
			return 0, f.closeErr
		}
		return 0, errUnexpectedEOF
	}
	select {
	case r := <-resp:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Write implements tunnel.TCPStream.
func (f *TCP) Write(ctx context.Context, p []byte) (int, error) {
	resp := make(chan writeResult, 1)
	select {
	case f.writeReq <- writeRequest{buf: p, resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-f.destroyed:
		return 0, errUnexpectedEOF
	}
	select {
	case r := <-resp:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Flush implements tunnel.TCPStream.
func (f *TCP) Flush(ctx context.Context) error {
	w := make(waiter, 1)
	select {
	case f.flushReq <- w:
	case <-ctx.Done():
		return ctx.Err()
	case <-f.destroyed:
		return errUnexpectedEOF
	}
	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown implements tunnel.TCPStream.
func (f *TCP) Shutdown(ctx context.Context) error {
	w := make(waiter, 1)
	select {
	case f.shutdownReq <- w:
	case <-ctx.Done():
		return ctx.Err()
	case <-f.destroyed:
		return nil
	}
	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the flow task's single event loop. It owns the TCB exclusively;
// every decision made against it happens on this goroutine.
func (f *TCP) run(ctx context.Context) {
	ctx = dlog.WithField(ctx, "flow_id", f.id.String())
	defer func() {
		if r := recover(); r != nil {
			if lp, ok := r.(lostInflightPanic); ok {
				dlog.Errorf(ctx, "flow %s: hard internal error, TCB accounting is corrupt: %v", f.key, lp.err)
				f.teardown(ctx)
				panic(lp.err)
			}
			dlog.Errorf(ctx, "flow %s: %v", f.key, derror.PanicToError(r))
		}
		f.teardown(ctx)
	}()

	// The passive-open response to the SYN that created this flow: sent
	// immediately, not gated behind the select loop below, since nothing
	// else is going to wake that loop until the peer's next segment
	// arrives.
	if f.tcb.State().Kind == tcb.Listen {
		f.enqueueSynAck(ctx)
		f.tcb.AddSeq(1)
		f.tcb.ChangeState(tcb.SynReceivedState())
	}

	var pendingReaders []readRequest
	var pendingWriters []writeRequest
	var pendingFlush []waiter
	var pendingShutdown []waiter
	shutdownRequested := false

	timer := time.NewTimer(f.tcb.NextTimeout())
	defer timer.Stop()

	for {
		state := f.tcb.State()
		if state.Kind == tcb.Closed {
			readErr := f.closeErr
			if readErr == nil {
				readErr = errEOF
			}
			for _, r := range pendingReaders {
				r.resp <- readResult{0, readErr}
			}
			for _, w := range pendingWriters {
				w.resp <- writeResult{0, errUnexpectedEOF}
			}
			for _, w := range pendingFlush {
				w <- errUnexpectedEOF
			}
			for _, w := range pendingShutdown {
				w <- nil
			}
			return
		}

		f.tcb.RefreshRecvWindow()

		select {
		case pkt, ok := <-f.inboxQ.Out():
			if !ok {
				continue
			}
			f.tcb.ResetTimeout()
			timer.Reset(f.tcb.NextTimeout())
			f.handleInbound(ctx, pkt)

		case req := <-f.readReq:
			pendingReaders = append(pendingReaders, req)

		case req := <-f.writeReq:
			pendingWriters = append(pendingWriters, req)

		case w := <-f.flushReq:
			pendingFlush = append(pendingFlush, w)

		case w := <-f.shutdownReq:
			shutdownRequested = true
			pendingShutdown = append(pendingShutdown, w)

		case <-timer.C:
			if f.tcb.TimedOut() {
				dlog.Debugf(ctx, "flow %s: idle timeout", f.key)
				f.emitRSTACK(ctx)
				f.closeErr = ErrTimedOut
				f.tcb.ChangeState(tcb.ClosedState())
				for _, r := range pendingReaders {
					r.resp <- readResult{0, ErrTimedOut}
				}
				pendingReaders = nil
				continue
			}
			timer.Reset(f.tcb.NextTimeout())

		case <-ctx.Done():
			dlog.Debugf(ctx, "flow %s: context cancelled", f.key)
			f.closeErr = ctx.Err()
			f.tcb.ChangeState(tcb.ClosedState())
			continue
		}

		if delivered := f.tcb.DrainContiguous(); len(delivered) > 0 && !shutdownRequested {
			f.recvBuf = append(f.recvBuf, delivered...)
			f.emitBareAck(ctx)
		}
		pendingReaders = f.satisfyReaders(pendingReaders, &f.recvBuf)

		if s := f.tcb.State(); s.Kind == tcb.FinWait1 && s.Flag {
			f.enqueueFinAck(ctx)
			f.tcb.AddSeq(1)
			f.tcb.AddAck(1)
			f.tcb.ChangeState(tcb.FinWait2State(true))
		} else if shutdownRequested && s.Kind == tcb.Established && f.tcb.NothingOutstanding() {
			f.enqueueFinAck(ctx)
			f.tcb.AddSeq(1)
			f.tcb.ChangeState(tcb.FinWait1State(false))
		} else if s.Kind == tcb.FinWait2 && !s.Flag {
			f.tcb.ChangeState(tcb.ClosedState())
			for _, r := range pendingReaders {
				r.resp <- readResult{0, ErrConnectionAborted}
			}
			pendingReaders = nil
		}

		pendingWriters = f.satisfyWriters(ctx, pendingWriters)

		if f.tcb.NothingOutstanding() {
			for _, w := range pendingFlush {
				w <- nil
			}
			pendingFlush = nil
		}

		if s := f.tcb.State(); s.Kind == tcb.Closed || (s.Kind == tcb.FinWait2 && !s.Flag) {
			for _, w := range pendingShutdown {
				w <- nil
			}
			pendingShutdown = nil
		}

		if retrSeq, ok := f.tcb.TakeRetransmission(); ok {
			f.flush(ctx, retrSeq)
		}
	}
}

func (f *TCP) teardown(ctx context.Context) {
	close(f.destroyed)
	sentinel := teardownSentinel(f.key)
	select {
	case f.outbox <- sentinel:
	case <-ctx.Done():
	}
}

// satisfyReaders serves pending Read calls from buf, in order, copying as
// much of buf into each request's slice as fits before moving to the
// next. buf is consumed in place: bytes handed to a reader are removed so
// they can never be handed out twice.
func (f *TCP) satisfyReaders(pending []readRequest, buf *[]byte) []readRequest {
	for len(pending) > 0 && len(*buf) > 0 {
		req := pending[0]
		n := copy(req.buf, *buf)
		req.resp <- readResult{n, nil}
		*buf = (*buf)[n:]
		pending = pending[1:]
	}
	return pending
}

func (f *TCP) satisfyWriters(ctx context.Context, pending []writeRequest) []writeRequest {
	for len(pending) > 0 {
		if f.tcb.State().Kind != tcb.Established || !f.tcb.WriteReady() {
			break
		}
		req := pending[0]
		room := f.tcb.MaxWriteSize(f.segmentCap())
		if room <= 0 {
			break
		}
		n := len(req.buf)
		if n > room {
			n = room
		}
		payload := append([]byte(nil), req.buf[:n]...)
		seq := f.tcb.Seq()
		f.enqueue(ctx, f.buildSegment(packet.PSH | packet.ACK, payload))
		f.tcb.AddInflightPacket(seq, payload)
		f.tcb.AddSeq(uint32(n))
		req.resp <- writeResult{n, nil}
		pending = pending[1:]
	}
	return pending
}

func (f *TCP) segmentCap() int {
	// MTU minus a generous allowance for IPv6+TCP headers (40+20); the
	// segments built here carry no TCP options. The codec itself does not
	// check packet size.
	n := f.mtu - 60
	if n < 0 {
		n = 0
	}
	return n
}

func (f *TCP) handleInbound(ctx context.Context, pkt *packet.NetworkPacket) {
	th := pkt.Transport.TCP
	if th.RST() {
		f.closeErr = ErrConnectionReset
		f.tcb.ChangeState(tcb.ClosedState())
		return
	}

	status := f.tcb.Classify(seqnum.Value(th.Sequence), seqnum.Value(th.AckNum), len(th.PayloadBytes))
	if status == tcb.Invalid {
		dlog.Tracef(ctx, "flow %s: dropping invalid segment %s", f.key, th)
		return
	}

	state := f.tcb.State()
	switch {
	case state.Kind == tcb.SynReceived && status == tcb.Ack:
		f.tcb.ChangeLastAck(seqnum.Value(th.AckNum))
		f.tcb.ChangeSendWindow(th.Window)
		f.tcb.ChangeState(tcb.EstablishedState())

	case state.Kind == tcb.Established && th.FIN():
		f.tcb.AddAck(1)
		f.emitBareAck(ctx)
		f.tcb.ChangeState(tcb.FinWait1State(true))

	case state.Kind == tcb.Established && th.PSH() && status == tcb.NewPacket:
		if seqnum.Value(th.Sequence) == f.tcb.Ack() {
			f.tcb.AddUnorderedPacket(seqnum.Value(th.Sequence), th.PayloadBytes)
		}
		f.tcb.ChangeSendWindow(th.Window)

	case state.Kind == tcb.Established:
		switch status {
		case tcb.WindowUpdate:
			f.tcb.ChangeSendWindow(th.Window)
		case tcb.KeepAlive:
			f.emitBareAck(ctx)
		case tcb.RetransmissionRequest:
			f.tcb.SetRetransmission(seqnum.Value(th.AckNum))
		case tcb.NewPacket:
			f.tcb.AddUnorderedPacket(seqnum.Value(th.Sequence), th.PayloadBytes)
			f.tcb.ChangeSendWindow(th.Window)
		case tcb.Ack:
			f.tcb.ChangeLastAck(seqnum.Value(th.AckNum))
			f.tcb.ChangeSendWindow(th.Window)
		}

	case state.Kind == tcb.FinWait1 && !state.Flag && status == tcb.Ack:
		f.tcb.AddAck(1)
		f.tcb.ChangeState(tcb.FinWait2State(true))

	case state.Kind == tcb.FinWait1 && !state.Flag && th.FIN():
		f.tcb.AddAck(1)
		f.emitBareAck(ctx)
		f.tcb.ChangeState(tcb.FinWait2State(true))

	case state.Kind == tcb.FinWait2 && state.Flag && status == tcb.Ack:
		f.tcb.ChangeState(tcb.FinWait2State(false))

	case state.Kind == tcb.FinWait2 && state.Flag && th.FIN():
		f.emitBareAck(ctx)
		f.tcb.ChangeState(tcb.FinWait2State(false))
	}
}

// lostInflightPanic marks a panic raised by flush as a TCB accounting bug
// rather than an ordinary programming error: run's recover treats it as a
// hard internal error and re-raises it after logging and tearing down,
// instead of swallowing it the way every other panic in this goroutine is
// swallowed.
type lostInflightPanic struct{ err error }

// flush resends the inflight segment recorded at seq, or panics: reaching
// here with no matching entry means the in-flight/retransmission
// bookkeeping has drifted from the wire, and nothing downstream can
// recover a lost payload out of thin air.
func (f *TCP) flush(ctx context.Context, seq seqnum.Value) {
	payload, ok := f.tcb.FindInflight(seq)
	if !ok {
		panic(lostInflightPanic{errors.Errorf("flow %s: no inflight entry for retransmission at seq=%d", f.key, seq)})
	}
	dlog.Tracef(ctx, "flow %s: retransmitting seq=%d len=%d", f.key, seq, len(payload))
	seg := f.buildSegmentAt(seq, packet.PSH | packet.ACK, payload)
	f.enqueue(ctx, seg)
}

func (f *TCP) enqueueSynAck(ctx context.Context) {
	f.enqueue(ctx, f.buildSegment(packet.SYN | packet.ACK, nil))
}

func (f *TCP) enqueueFinAck(ctx context.Context) {
	f.enqueue(ctx, f.buildSegment(packet.FIN | packet.ACK, nil))
}

func (f *TCP) emitBareAck(ctx context.Context) {
	f.enqueue(ctx, f.buildSegment(packet.ACK, nil))
}

func (f *TCP) emitRSTACK(ctx context.Context) {
	f.enqueue(ctx, f.buildSegment(packet.RST | packet.ACK, nil))
}

func (f *TCP) buildSegment(flags uint8, payload []byte) *packet.NetworkPacket {
	return f.buildSegmentAt(f.tcb.Seq(), flags, payload)
}

func (f *TCP) buildSegmentAt(seq seqnum.Value, flags uint8, payload []byte) *packet.NetworkPacket {
	th := &packet.TCPHeader{
		SrcPort:      f.key.DestinationPort(),
		DstPort:      f.key.SourcePort(),
		Sequence:     uint32(seq),
		AckNum:       uint32(f.tcb.Ack()),
		Flags:        flags,
		Window:       f.tcb.RecvWindow(),
		PayloadBytes: payload,
	}
	ip := newReplyHeader(f.key, defaultTTL)
	return &packet.NetworkPacket{IP: ip, Transport: packet.Transport{TCP: th}, Payload: payload}
}

func (f *TCP) enqueue(ctx context.Context, pkt *packet.NetworkPacket) {
	select {
	case f.outbox <- pkt:
	case <-ctx.Done():
	}
}

func rstAckFor(key tuple.NetworkTuple, ttl uint8, seq, ack uint32) *packet.NetworkPacket {
	th := &packet.TCPHeader{
		SrcPort:  key.DestinationPort(),
		DstPort:  key.SourcePort(),
		Sequence: seq,
		AckNum:   ack,
		Flags:    packet.RST | packet.ACK,
	}
	return &packet.NetworkPacket{IP: newReplyHeader(key, ttl), Transport: packet.Transport{TCP: th}}
}

func newReplyHeader(key tuple.NetworkTuple, ttl uint8) packet.IPHeader {
	if key.IsIPv4() {
		return packet.NewV4Header(key.Destination(), key.Source(), ipproto.TCP, ttl)
	}
	return packet.NewV6Header(key.Destination(), key.Source(), ipproto.TCP, ttl)
}

// teardownSentinel builds a TTL=0 TCP packet on the flow's reverse tuple:
// the demux interprets this as "remove this flow's table entry", per the
// outbox contract.
func teardownSentinel(key tuple.NetworkTuple) *packet.NetworkPacket {
	rev := key.Reverse()
	th := &packet.TCPHeader{SrcPort: rev.SourcePort(), DstPort: rev.DestinationPort()}
	return &packet.NetworkPacket{IP: newReplyHeader(key, 0), Transport: packet.Transport{TCP: th}}
}
