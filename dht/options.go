package dht

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/libp2p/go-kad-dht-core/kadrecord"
)

// DefaultPrefix is the application-specific prefix attached to the DHT
// protocol identifier by default, giving the full id /ipfs/kad/1.0.0.
const DefaultPrefix protocol.ID = "/ipfs"
const protocolSuffix protocol.ID = "/kad/1.0.0"

// ModeOpt selects the DHT's client/server posture, per spec §4.7.
type ModeOpt int

const (
	// ModeAuto starts as Client and promotes to Server once the routing
	// table size reaches ServerModeMinPeers.
	ModeAuto ModeOpt = iota
	// ModeClient never registers the protocol handler.
	ModeClient
	// ModeServer always registers the protocol handler.
	ModeServer
)

// config collects every construction-time parameter from spec §6.3's table.
// Built by applying defaults then the caller's Options in order.
type config struct {
	mode ModeOpt

	protocolPrefix protocol.ID

	bucketSize  int
	concurrency int
	resiliency  int

	bootstrapPeers []peer.AddrInfo

	provideValidity  time.Duration
	providerAddrTTL  time.Duration
	maxRecordAge     time.Duration

	autoRefresh     bool
	refreshInterval time.Duration

	maxRetryAttempts    int
	retryInitialBackoff time.Duration
	retryMaxBackoff     time.Duration
	retryBackoffFactor  float64

	filterLoopbackInResponses bool

	maxRoutingTableSize int
	serverModeMinPeers  int

	validator kadrecord.Validator
}

// Option configures the DHT at construction time, one functional option per
// row of spec §6.3's configuration table.
type Option func(*config) error

// defaults is prepended to every caller-supplied Option list.
func defaults(c *config) error {
	c.mode = ModeAuto
	c.protocolPrefix = DefaultPrefix

	c.bucketSize = 20
	c.concurrency = 10
	c.resiliency = 3

	c.provideValidity = 24 * time.Hour
	c.providerAddrTTL = 24 * time.Hour
	c.maxRecordAge = 24 * time.Hour

	c.autoRefresh = true
	c.refreshInterval = 15 * time.Minute

	c.maxRetryAttempts = 3
	c.retryInitialBackoff = 500 * time.Millisecond
	c.retryMaxBackoff = 30 * time.Second
	c.retryBackoffFactor = 2.0

	c.filterLoopbackInResponses = true

	c.maxRoutingTableSize = 1000
	c.serverModeMinPeers = 4

	c.validator = kadrecord.NamespacedValidator{
		"pk": kadrecord.PublicKeyValidator{},
	}
	return nil
}

func (c *config) apply(opts ...Option) error {
	if err := defaults(c); err != nil {
		return err
	}
	for i, opt := range opts {
		if err := opt(c); err != nil {
			return fmt.Errorf("dht option %d failed: %w", i, err)
		}
	}
	return nil
}

func (c *config) protocolID() protocol.ID {
	return c.protocolPrefix + protocolSuffix
}

// Mode sets the initial/target DHT mode. Defaults to ModeAuto.
func Mode(m ModeOpt) Option {
	return func(c *config) error {
		c.mode = m
		return nil
	}
}

// ProtocolPrefix sets the application-specific prefix attached to the DHT
// protocol identifier, e.g. "/myapp" yields "/myapp/kad/1.0.0".
func ProtocolPrefix(prefix protocol.ID) Option {
	return func(c *config) error {
		c.protocolPrefix = prefix
		return nil
	}
}

// BucketSize sets K, the maximum number of peers per routing table bucket.
func BucketSize(k int) Option {
	return func(c *config) error {
		if k <= 0 {
			return fmt.Errorf("dht: BucketSize must be positive")
		}
		c.bucketSize = k
		return nil
	}
}

// Concurrency sets alpha, the number of parallel queries per lookup.
func Concurrency(alpha int) Option {
	return func(c *config) error {
		if alpha <= 0 {
			return fmt.Errorf("dht: Concurrency must be positive")
		}
		c.concurrency = alpha
		return nil
	}
}

// Resiliency sets beta, the number of queried peers required for a lookup
// to terminate in Success without exhausting all candidates.
func Resiliency(beta int) Option {
	return func(c *config) error {
		if beta <= 0 {
			return fmt.Errorf("dht: Resiliency must be positive")
		}
		c.resiliency = beta
		return nil
	}
}

// BootstrapPeers sets the explicit entry-point addresses used by Bootstrap.
func BootstrapPeers(peers ...peer.AddrInfo) Option {
	return func(c *config) error {
		c.bootstrapPeers = peers
		return nil
	}
}

// ProvideValidity sets how long a provider relation is retained before it
// must be re-advertised.
func ProvideValidity(d time.Duration) Option {
	return func(c *config) error {
		c.provideValidity = d
		return nil
	}
}

// ProviderAddrTTL sets how long a provider's cached addresses are retained.
func ProviderAddrTTL(d time.Duration) Option {
	return func(c *config) error {
		c.providerAddrTTL = d
		return nil
	}
}

// MaxRecordAge sets the value-record datastore TTL.
func MaxRecordAge(d time.Duration) Option {
	return func(c *config) error {
		c.maxRecordAge = d
		return nil
	}
}

// AutoRefresh enables or disables the periodic routing table refresh task.
func AutoRefresh(enabled bool) Option {
	return func(c *config) error {
		c.autoRefresh = enabled
		return nil
	}
}

// RefreshInterval sets the periodic routing table refresh period.
func RefreshInterval(d time.Duration) Option {
	return func(c *config) error {
		c.refreshInterval = d
		return nil
	}
}

// MaxRetryAttempts sets the per-message NetworkClient retry ceiling.
func MaxRetryAttempts(n int) Option {
	return func(c *config) error {
		c.maxRetryAttempts = n
		return nil
	}
}

// RetryBackoff sets the NetworkClient's exponential backoff parameters.
func RetryBackoff(initial, max time.Duration, factor float64) Option {
	return func(c *config) error {
		c.retryInitialBackoff = initial
		c.retryMaxBackoff = max
		c.retryBackoffFactor = factor
		return nil
	}
}

// FilterLoopbackInResponses toggles whether loopback addresses are omitted
// from outbound closer_peers/provider_peers.
func FilterLoopbackInResponses(enabled bool) Option {
	return func(c *config) error {
		c.filterLoopbackInResponses = enabled
		return nil
	}
}

// MaxRoutingTableSize sets the routing table's total peer cap.
func MaxRoutingTableSize(n int) Option {
	return func(c *config) error {
		c.maxRoutingTableSize = n
		return nil
	}
}

// ServerModeMinPeers sets the routing table size threshold at which
// ModeAuto promotes Client to Server.
func ServerModeMinPeers(n int) Option {
	return func(c *config) error {
		c.serverModeMinPeers = n
		return nil
	}
}

// Validator overrides the default namespaced validator entirely.
func Validator(v kadrecord.Validator) Option {
	return func(c *config) error {
		c.validator = v
		return nil
	}
}

// NamespacedValidator adds ns to the current NamespacedValidator. Fails if
// the configured Validator is not namespaced (the caller replaced it with a
// flat Validator via the Validator option).
func NamespacedValidator(ns string, v kadrecord.Validator) Option {
	return func(c *config) error {
		nsval, ok := c.validator.(kadrecord.NamespacedValidator)
		if !ok {
			return fmt.Errorf("dht: NamespacedValidator requires a NamespacedValidator base")
		}
		nsval[ns] = v
		return nil
	}
}
