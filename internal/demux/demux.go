// Package demux implements the demultiplexer: the single task that owns
// the TUN device, fans inbound packets out to per-flow inboxes, drains
// the shared outbox back to the device, and maintains the flow table.
package demux

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/nettun/ipstack/internal/flow"
	"github.com/nettun/ipstack/internal/queue"
	"github.com/nettun/ipstack/pkg/device"
	"github.com/nettun/ipstack/pkg/ipproto"
	"github.com/nettun/ipstack/pkg/packet"
	"github.com/nettun/ipstack/pkg/tuple"
	"github.com/nettun/ipstack/pkg/tunnel"
)

// flowHandle is the demux's view of a live flow: enough to forward
// inbound packets and to notice the consumer side going away.
type flowHandle struct {
	inbox     chan<- *packet.NetworkPacket
	destroyed <-chan struct{}
}

// Config mirrors the stack-wide knobs that matter to the demux loop.
type Config struct {
	MTU               int
	PacketInformation bool
	TCPTimeout        time.Duration
	UDPTimeout        time.Duration
}

// Demux is the single TUN-facing task. Accept() is how the owning Stack
// surfaces new flows and raw passthroughs to the consumer.
type Demux struct {
	cfg     Config
	dev     device.Device
	outboxQ *queue.Unbounded[*packet.NetworkPacket]
	accept  chan tunnel.Stream

	mu    sync.Mutex
	flows map[tuple.NetworkTuple]flowHandle
}

// New constructs a Demux bound to dev. Run must be called to start it.
// The outbox is unbounded, matching the inbox each flow task exposes:
// backpressure toward the device is expected to come from the device's
// own write rate, never from a dropped or blocked internal send.
func New(cfg Config, dev device.Device) *Demux {
	return &Demux{
		cfg:     cfg,
		dev:     dev,
		outboxQ: queue.NewUnbounded[*packet.NetworkPacket](),
		accept:  make(chan tunnel.Stream, 16),
		flows:   make(map[tuple.NetworkTuple]flowHandle),
	}
}

// Accept returns the channel new flows and raw passthroughs are
// published on.
func (d *Demux) Accept() <-chan tunnel.Stream { return d.accept }

// Run drives the demux until ctx is cancelled or the device fails. A
// device write failure aborts the whole stack; per-flow failures never
// propagate here.
func (d *Demux) Run(ctx context.Context) error {
	defer close(d.accept)

	// Whichever loop exits first (device failure or cancellation) stops
	// the other one.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	errs := make(chan error, 2)
	go func() {
		defer wg.Done()
		defer cancel()
		errs <- d.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		errs <- d.writeLoop(ctx)
	}()

	wg.Wait()
	close(errs)

	var result *multierror.Error
	for err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (d *Demux) readLoop(ctx context.Context) error {
	buf := make([]byte, d.cfg.MTU+device.FrameHeaderLen)
	for {
		n, err := d.dev.Read(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			dlog.Errorf(ctx, "demux: device read failed: %v", err)
			return errors.Wrap(err, "demux: device read")
		}
		raw := buf[:n]
		if d.cfg.PacketInformation && len(raw) >= device.FrameHeaderLen {
			raw = raw[device.FrameHeaderLen:]
		}
		d.handleInbound(ctx, append([]byte(nil), raw...))
	}
}

func (d *Demux) handleInbound(ctx context.Context, raw []byte) {
	pkt, err := packet.Parse(raw)
	if errors.Is(err, packet.ErrUnsupportedProtocol) {
		rp := tunnel.NewRawPacket(raw, func(resp []byte) error {
			return d.writeRaw(ctx, resp)
		})
		dlog.Tracef(ctx, "demux: passthrough %s: %d bytes of unterminated protocol", rp.ID, len(raw))
		d.accept <- rp
		return
	}
	if err != nil {
		dlog.Tracef(ctx, "demux: dropping malformed packet: %v", err)
		return
	}

	key := pkt.NetworkTuple()
	d.mu.Lock()
	h, ok := d.flows[key]
	d.mu.Unlock()
	if ok {
		// Inboxes are unbounded (internal/queue): this send only blocks
		// for the relay goroutine to be scheduled, never on the flow's
		// own processing rate, so no segment is ever dropped here.
		select {
		case h.inbox <- pkt:
		case <-ctx.Done():
		}
		return
	}

	switch key.Protocol() {
	case ipproto.TCP:
		d.acceptTCP(ctx, key, pkt)
	case ipproto.UDP:
		d.acceptUDP(ctx, key, pkt)
	}
}

func (d *Demux) acceptTCP(ctx context.Context, key tuple.NetworkTuple, pkt *packet.NetworkPacket) {
	f, err := flow.NewTCP(ctx, key, pkt, d.outboxQ.In(), d.cfg.MTU, d.cfg.TCPTimeout)
	if err != nil {
		dlog.Debugf(ctx, "demux: tcp flow %s not created: %v", key, err)
		return
	}
	if f == nil {
		return // pure-RST first packet: dropped silently
	}
	d.mu.Lock()
	d.flows[key] = flowHandle{inbox: f.Inbox(), destroyed: f.Destroyed()}
	d.mu.Unlock()
	go d.reapOnDestroy(key, f.Destroyed())
	d.accept <- f
}

func (d *Demux) acceptUDP(ctx context.Context, key tuple.NetworkTuple, pkt *packet.NetworkPacket) {
	f := flow.NewUDP(ctx, key, pkt, d.outboxQ.In(), d.cfg.UDPTimeout)
	d.mu.Lock()
	d.flows[key] = flowHandle{inbox: f.Inbox(), destroyed: f.Destroyed()}
	d.mu.Unlock()
	go d.reapOnDestroy(key, f.Destroyed())
	d.accept <- f
}

// reapOnDestroy removes a flow's table entry once its goroutine exits,
// a backstop alongside the TTL=0 sentinel for consumers that drop the
// stream without an explicit close.
func (d *Demux) reapOnDestroy(key tuple.NetworkTuple, destroyed <-chan struct{}) {
	<-destroyed
	d.mu.Lock()
	delete(d.flows, key)
	d.mu.Unlock()
}

func (d *Demux) writeLoop(ctx context.Context) error {
	for {
		select {
		case pkt, ok := <-d.outboxQ.Out():
			if !ok {
				return nil
			}
			if pkt == nil {
				continue
			}
			if (pkt.Transport.IsTCP() || pkt.Transport.IsUDP()) && pkt.TTL() == 0 {
				d.mu.Lock()
				delete(d.flows, pkt.ReverseNetworkTuple())
				d.mu.Unlock()
				continue
			}
			if err := d.writePacket(ctx, pkt); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Demux) writePacket(ctx context.Context, pkt *packet.NetworkPacket) error {
	out, err := pkt.ToBytes()
	if err != nil {
		dlog.Errorf(ctx, "demux: failed to serialize outbound packet: %v", err)
		return nil
	}
	return d.writeDevice(ctx, out, protoFor(pkt))
}

// writeRaw re-injects a consumer-constructed reply for a passthrough
// protocol. The caller supplies fully-formed IP bytes; the demux only
// adds packet-information framing if configured.
func (d *Demux) writeRaw(ctx context.Context, resp []byte) error {
	proto := device.ProtoIPv4
	if len(resp) > 0 && resp[0]>>4 == 6 {
		proto = device.ProtoIPv6
	}
	return d.writeDevice(ctx, resp, proto)
}

func (d *Demux) writeDevice(ctx context.Context, payload []byte, proto device.Proto) error {
	out := payload
	if d.cfg.PacketInformation {
		framed := device.AppendFrame(make([]byte, 0, device.FrameHeaderLen+len(payload)), proto)
		out = append(framed, payload...)
	}
	if _, err := d.dev.Write(ctx, out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "demux: device write")
	}
	return nil
}

func protoFor(pkt *packet.NetworkPacket) device.Proto {
	if pkt.IP.Version() == 4 {
		return device.ProtoIPv4
	}
	return device.ProtoIPv6
}
