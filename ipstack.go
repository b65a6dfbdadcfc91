// Package ipstack is a user-space network stack that terminates IPv4/IPv6
// TCP and UDP flows arriving as raw packets on a TUN device, handing each
// new flow to the caller as an accept-style stream.
package ipstack

import (
	"context"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/nettun/ipstack/internal/demux"
	"github.com/nettun/ipstack/pkg/device"
	"github.com/nettun/ipstack/pkg/tunnel"
)

// Config holds the tunable knobs for a Stack.
type Config struct {
	// MTU is the maximum packet size this stack will produce.
	MTU uint16
	// PacketInformation enables the 4-byte framing prefix some TUN
	// devices require on reads and writes.
	PacketInformation bool
	// TCPTimeout is the per-flow idle timeout for TCP flows.
	TCPTimeout time.Duration
	// UDPTimeout is the per-flow idle timeout for UDP flows.
	UDPTimeout time.Duration
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MTU:        65535,
		TCPTimeout: 60 * time.Second,
		UDPTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MTU == 0 {
		c.MTU = 65535
	}
	if c.TCPTimeout == 0 {
		c.TCPTimeout = 60 * time.Second
	}
	if c.UDPTimeout == 0 {
		c.UDPTimeout = 30 * time.Second
	}
	return c
}

// Stack terminates flows arriving on a device.Device and hands each one
// to the caller through Accept.
type Stack struct {
	cfg   Config
	demux *demux.Demux
}

// New constructs a Stack bound to dev. The caller must still call Run to
// start processing packets.
func New(cfg Config, dev device.Device) *Stack {
	cfg = cfg.withDefaults()
	return &Stack{
		cfg: cfg,
		demux: demux.New(demux.Config{
			MTU:               int(cfg.MTU),
			PacketInformation: cfg.PacketInformation,
			TCPTimeout:        cfg.TCPTimeout,
			UDPTimeout:        cfg.UDPTimeout,
		}, dev),
	}
}

// Run starts the demultiplexer and blocks until ctx is cancelled or the
// device fails. Call this in its own goroutine (or under a
// dgroup.Group, as Listen does) and drive Accept concurrently.
func (s *Stack) Run(ctx context.Context) error {
	return s.demux.Run(ctx)
}

// Accept blocks until a new flow or raw passthrough arrives, or ctx is
// cancelled.
func (s *Stack) Accept(ctx context.Context) (tunnel.Stream, error) {
	select {
	case st, ok := <-s.demux.Accept():
		if !ok {
			return nil, context.Canceled
		}
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Listen is a convenience wrapper that runs the stack under a supervised
// goroutine group and returns as soon as the demux goroutine has been
// launched. Shut the returned Stack down by cancelling ctx.
func Listen(ctx context.Context, cfg Config, dev device.Device) (*Stack, error) {
	s := New(cfg, dev)
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: false})
	g.Go("demux", func(ctx context.Context) error {
		if err := s.Run(ctx); err != nil {
			dlog.Errorf(ctx, "ipstack: demux exited: %v", err)
			return err
		}
		return nil
	})
	return s, nil
}
