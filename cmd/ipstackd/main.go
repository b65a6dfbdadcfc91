// Command ipstackd runs the user-space TCP/IP stack against a real Linux
// TUN device and echoes every accepted flow's payload back to its peer.
// It exists to exercise the stack end to end; it is not meant to be a
// production gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"github.com/nettun/ipstack"
	"github.com/nettun/ipstack/pkg/tun"
	"github.com/nettun/ipstack/pkg/tunnel"
)

// env holds the subset of configuration we accept from the environment,
// for deployments that prefer env vars over flags.
type env struct {
	MTU        int           `env:"IPSTACKD_MTU,default=65535"`
	TCPTimeout time.Duration `env:"IPSTACKD_TCP_TIMEOUT,default=60s"`
	UDPTimeout time.Duration `env:"IPSTACKD_UDP_TIMEOUT,default=30s"`
}

func loadEnv(ctx context.Context) (env, error) {
	var e env
	err := envconfig.Process(ctx, &e)
	return e, err
}

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "ipstackd",
	Short:         "run the user-space TUN/TCP/IP stack against a real TUN device",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	ctx := dgroup.WithGoroutineName(context.Background(), "/ipstackd")
	// verbose isn't parsed yet at this point; makeBaseLogger is
	// reconfigured once cobra has parsed flags, in run().
	ctx = makeBaseLogger(ctx, false)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ipstackd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx = makeBaseLogger(ctx, verbose)

	e, err := loadEnv(ctx)
	if err != nil {
		return fmt.Errorf("ipstackd: loading environment: %w", err)
	}

	dev, err := tun.Open()
	if err != nil {
		return fmt.Errorf("ipstackd: opening TUN device: %w", err)
	}
	defer dev.Close()

	ctx = dlog.WithField(ctx, "device", dev.Name())
	dlog.Infof(ctx, "ipstackd: listening on %s", dev)

	stack := ipstack.New(ipstack.Config{
		MTU:        uint16(e.MTU),
		TCPTimeout: e.TCPTimeout,
		UDPTimeout: e.UDPTimeout,
	}, dev)

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})

	grp.Go("stack", stack.Run)
	grp.Go("accept", func(ctx context.Context) error {
		return acceptLoop(ctx, stack)
	})
	grp.Go("signal", func(ctx context.Context) error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigs:
			dlog.Infof(ctx, "ipstackd: received %v, shutting down", sig)
			return nil
		case <-ctx.Done():
			return nil
		}
	})

	return grp.Wait()
}

// acceptLoop hands every new flow to a handler goroutine. A raw
// passthrough packet is logged and dropped: this demo has no forwarding
// path for protocols the stack doesn't terminate.
func acceptLoop(ctx context.Context, stack *ipstack.Stack) error {
	for {
		st, err := stack.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handle(dlog.WithField(ctx, "peer", st.PeerAddr()), st)
	}
}

func handle(ctx context.Context, st tunnel.Stream) {
	switch st.Kind() {
	case tunnel.KindTCP:
		echoTCP(ctx, st.(tunnel.TCPStream))
	case tunnel.KindUDP:
		echoUDP(ctx, st.(tunnel.UDPStream))
	case tunnel.KindRaw:
		dlog.Debugf(ctx, "ipstackd: dropping raw passthrough packet")
	}
}

func echoTCP(ctx context.Context, s tunnel.TCPStream) {
	dlog.Infof(ctx, "ipstackd: tcp flow accepted")
	defer func() {
		if err := s.Shutdown(ctx); err != nil {
			dlog.Debugf(ctx, "ipstackd: tcp shutdown: %v", err)
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := s.Read(ctx, buf)
		if n > 0 {
			if _, werr := s.Write(ctx, buf[:n]); werr != nil {
				dlog.Debugf(ctx, "ipstackd: tcp write: %v", werr)
				return
			}
		}
		if err != nil {
			dlog.Debugf(ctx, "ipstackd: tcp flow closed: %v", err)
			return
		}
	}
}

func echoUDP(ctx context.Context, s tunnel.UDPStream) {
	dlog.Infof(ctx, "ipstackd: udp flow accepted")
	for {
		p, err := s.ReadDatagram(ctx)
		if err != nil {
			dlog.Debugf(ctx, "ipstackd: udp flow closed: %v", err)
			return
		}
		if err := s.WriteDatagram(ctx, p); err != nil {
			dlog.Debugf(ctx, "ipstackd: udp write: %v", err)
			return
		}
	}
}
