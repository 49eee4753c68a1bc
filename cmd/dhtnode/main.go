// Command dhtnode is a thin manual-testing wrapper around the dht package:
// it boots a libp2p host, joins (or seeds) a Kademlia network, and exposes
// put/get/provide/find as cobra subcommands. It exists for smoke-testing the
// library end to end; it carries none of the core package's guarantees.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	kaddht "github.com/libp2p/go-kad-dht-core/dht"
)

var (
	listenAddr    string
	bootstrapStrs []string
	serverMode    bool
)

var rootCmd = &cobra.Command{
	Use:   "dhtnode",
	Short: "Run or exercise a Kademlia DHT node",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "/ip4/0.0.0.0/tcp/0", "multiaddr to listen on")
	rootCmd.PersistentFlags().StringSliceVar(&bootstrapStrs, "bootstrap", nil, "bootstrap peer multiaddrs (/ip4/.../p2p/...)")
	rootCmd.PersistentFlags().BoolVar(&serverMode, "server", false, "start in server mode instead of auto")

	rootCmd.AddCommand(serveCmd, putCmd, getCmd, provideCmd, findCmd, findPeerCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newHost() (*kaddht.DHT, func(), error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate identity: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create libp2p host: %w", err)
	}

	mode := kaddht.ModeAuto
	if serverMode {
		mode = kaddht.ModeServer
	}

	bootstrapPeers, err := parseBootstrapPeers(bootstrapStrs)
	if err != nil {
		h.Close()
		return nil, nil, err
	}

	ctx := context.Background()
	d, err := kaddht.New(ctx, h,
		kaddht.Mode(mode),
		kaddht.BootstrapPeers(bootstrapPeers...),
	)
	if err != nil {
		h.Close()
		return nil, nil, fmt.Errorf("create dht: %w", err)
	}

	if err := d.Bootstrap(ctx, false); err != nil {
		fmt.Fprintf(os.Stderr, "warning: bootstrap: %s\n", err)
	}

	cleanup := func() {
		d.Close()
		h.Close()
	}
	return d, cleanup, nil
}

func parseBootstrapPeers(addrs []string) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, s := range addrs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		ai, err := peer.AddrInfoFromString(s)
		if err != nil {
			return nil, fmt.Errorf("parse bootstrap addr %q: %w", s, err)
		}
		out = append(out, *ai)
	}
	return out, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a node and keep it running until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, cleanup, err := newHost()
		if err != nil {
			return err
		}
		defer cleanup()

		for _, a := range d.Host().Addrs() {
			fmt.Printf("listening on %s/p2p/%s\n", a, d.Host().ID())
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Store a value under a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, cleanup, err := newHost()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return d.PutValue(ctx, args[0], []byte(args[1]), nil)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch a value by key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, cleanup, err := newHost()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		val, err := d.GetValue(ctx, args[0])
		if err != nil {
			return err
		}
		if val == nil {
			fmt.Println("not found")
			return nil
		}
		fmt.Println(string(val))
		return nil
	},
}

var provideCmd = &cobra.Command{
	Use:   "provide <cid>",
	Short: "Announce this node as a provider for cid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cid.Decode(args[0])
		if err != nil {
			return fmt.Errorf("decode cid: %w", err)
		}

		d, cleanup, err := newHost()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return d.Provide(ctx, c, true)
	},
}

var findCmd = &cobra.Command{
	Use:   "find <cid>",
	Short: "Find providers for cid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cid.Decode(args[0])
		if err != nil {
			return fmt.Errorf("decode cid: %w", err)
		}

		d, cleanup, err := newHost()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		provs, err := d.FindProviders(ctx, c, 20)
		if err != nil {
			return err
		}
		for _, p := range provs {
			fmt.Printf("%s %v\n", p.ID, p.Addrs)
		}
		return nil
	},
}

var findPeerCmd = &cobra.Command{
	Use:   "findpeer <peer-id>",
	Short: "Locate a peer's known addresses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := peer.Decode(args[0])
		if err != nil {
			return fmt.Errorf("decode peer id: %w", err)
		}

		d, cleanup, err := newHost()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		ai, err := d.FindPeer(ctx, target)
		if err != nil {
			return err
		}
		if ai.ID == "" {
			fmt.Println("not found")
			return nil
		}
		fmt.Printf("%s %v\n", ai.ID, ai.Addrs)
		return nil
	},
}
