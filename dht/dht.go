// Package dht assembles the routing table, query engine, datastore,
// provider store, network client and protocol handler into the Kademlia DHT
// node described by spec §2–§4: RoutingOperations, ProtocolHandler,
// BootstrapRefresh and ModeController, wired around one shared core.
package dht

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	process "github.com/jbenet/goprocess"
	processctx "github.com/jbenet/goprocess/context"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/libp2p/go-kad-dht-core/dhtstore"
	"github.com/libp2p/go-kad-dht-core/kbucket"
	"github.com/libp2p/go-kad-dht-core/netclient"
	"github.com/libp2p/go-kad-dht-core/providers"
)

var log = logging.Logger("dht")

// DHT is a single Kademlia DHT node layered on a libp2p host.
type DHT struct {
	host host.Host
	self peer.ID
	cfg  config
	proto protocol.ID

	rt        *kbucket.RoutingTable
	store     *dhtstore.Datastore
	providers *providers.ProviderStore
	client    *netclient.Client

	modeMu      sync.Mutex
	currentMode ModeOpt

	proc process.Process

	bootstrapOnce       sync.Once
	backgroundStarted   bool
	backgroundStartedMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a DHT bound to h, applying opts atop the spec §6.3
// defaults.
func New(ctx context.Context, h host.Host, opts ...Option) (*DHT, error) {
	var cfg config
	if err := cfg.apply(opts...); err != nil {
		return nil, err
	}

	rt := kbucket.NewRoutingTable(h.ID(), kbucket.Config{
		BucketSize:            cfg.bucketSize,
		MaxSize:               cfg.maxRoutingTableSize,
		UsefulnessGracePeriod: cfg.refreshInterval,
		Metrics:               h.Peerstore(),
	})

	proto := cfg.protocolID()
	nc := netclient.New(h, proto, netclient.Config{
		DialTimeout:    10 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxRetries:     cfg.maxRetryAttempts,
		BackoffBase:    cfg.retryInitialBackoff,
		BackoffMax:     cfg.retryMaxBackoff,
		BackoffFactor:  cfg.retryBackoffFactor,
	})

	d := &DHT{
		host:        h,
		self:        h.ID(),
		cfg:         cfg,
		proto:       proto,
		rt:          rt,
		store:       dhtstore.New(cfg.maxRecordAge),
		providers:   providers.New(cfg.providerAddrTTL, cfg.provideValidity),
		client:      nc,
		currentMode: cfg.mode,
		proc:        processctx.WithContext(ctx),
		closed:      make(chan struct{}),
	}

	if cfg.mode == ModeServer {
		d.registerHandler()
	}
	if cfg.mode == ModeAuto {
		d.proc.Go(d.autoModeLoop)
	}

	d.proc.Go(d.subscribeAddressUpdates)

	return d, nil
}

// Host returns the underlying libp2p host.
func (d *DHT) Host() host.Host { return d.host }

// RoutingTable exposes the routing table for introspection (tests, metrics).
func (d *DHT) RoutingTable() *kbucket.RoutingTable { return d.rt }

// Mode reports the DHT's current (possibly auto-promoted) mode.
func (d *DHT) Mode() ModeOpt {
	d.modeMu.Lock()
	defer d.modeMu.Unlock()
	return d.currentMode
}

// Close shuts the DHT down: cancels all background tasks (auto-mode polling,
// refresh, address-update subscription), unregisters the protocol handler,
// and marks the DHT unusable for further operations, per spec §5's shutdown
// ordering.
func (d *DHT) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.unregisterHandler()
		err = d.proc.Close()
		close(d.closed)
	})
	return err
}

func (d *DHT) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

func (d *DHT) registerHandler() {
	d.host.SetStreamHandler(d.proto, d.handleStream)
}

func (d *DHT) unregisterHandler() {
	d.host.RemoveStreamHandler(d.proto)
}

// subscribeAddressUpdates implements the self-walk-on-address-change
// behavior from spec §4.6: re-bootstrap whenever the host reports a local
// address change.
func (d *DHT) subscribeAddressUpdates(proc process.Process) {
	sub, err := d.host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		log.Warnf("could not subscribe to address updates: %s", err)
		return
	}
	defer sub.Close()

	ctx := processctx.OnClosingContext(proc)
	for {
		select {
		case <-sub.Out():
			log.Debugf("local addresses changed, triggering self-walk")
			go func() {
				if err := d.Bootstrap(ctx, false); err != nil {
					log.Debugf("self-walk bootstrap failed: %s", err)
				}
			}()
		case <-ctx.Done():
			return
		}
	}
}

// addrInfoFor returns the best-known AddrInfo for p, consulting the host's
// address book.
func (d *DHT) addrInfoFor(p peer.ID) peer.AddrInfo {
	return peer.AddrInfo{ID: p, Addrs: d.host.Peerstore().Addrs(p)}
}

func (d *DHT) peerstoreTTL() peerstore.TTL {
	return peerstore.RecentlyConnectedAddrTTL
}
