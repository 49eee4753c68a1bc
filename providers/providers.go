// Package providers implements the ProviderStore described in spec §3/§4.3:
// a map of content-id to the set of peers that have announced they hold it,
// each entry aged out by two independent TTLs (address TTL, provide
// validity).
package providers

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("providers")

// Entry is a single provider advertisement, per spec §3's ProviderEntry.
type Entry struct {
	Provider peer.ID
	Addrs    []ma.Multiaddr
	AddedAt  time.Time
}

// ProviderStore holds, for each content-id (keyed by the string the caller
// passes; the dht package uses the CID's binary KeyString), the set of peers
// currently providing it.
type ProviderStore struct {
	mu sync.RWMutex
	// m[cid][provider] = Entry
	m map[string]map[peer.ID]*Entry

	addrTTL     time.Duration
	validityTTL time.Duration
}

// New constructs a ProviderStore. addrTTL bounds how long a provider's
// cached addresses are retained; validityTTL bounds how long the provider
// relation itself is retained (spec §3 defaults: 24h/24h).
func New(addrTTL, validityTTL time.Duration) *ProviderStore {
	return &ProviderStore{
		m:           make(map[string]map[peer.ID]*Entry),
		addrTTL:     addrTTL,
		validityTTL: validityTTL,
	}
}

// AddProvider records p as a provider of cid, refreshing its entry (and
// addresses) if already present.
func (ps *ProviderStore) AddProvider(cid string, p peer.ID, addrs []ma.Multiaddr) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	byProvider, ok := ps.m[cid]
	if !ok {
		byProvider = make(map[peer.ID]*Entry)
		ps.m[cid] = byProvider
	}
	byProvider[p] = &Entry{
		Provider: p,
		Addrs:    addrs,
		AddedAt:  time.Now(),
	}
}

// GetProviders returns the unexpired providers of cid, purging expired
// entries along the way.
func (ps *ProviderStore) GetProviders(cid string) []*Entry {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	byProvider, ok := ps.m[cid]
	if !ok {
		return nil
	}

	now := time.Now()
	out := make([]*Entry, 0, len(byProvider))
	for p, e := range byProvider {
		if ps.validityTTL > 0 && now.Sub(e.AddedAt) > ps.validityTTL {
			delete(byProvider, p)
			continue
		}
		entry := *e
		if ps.addrTTL > 0 && now.Sub(e.AddedAt) > ps.addrTTL {
			entry.Addrs = nil
		}
		out = append(out, &entry)
	}
	if len(byProvider) == 0 {
		delete(ps.m, cid)
	}
	return out
}

// Sweep purges every provider entry past its provide-validity TTL across
// all content-ids. Intended for periodic background invocation.
func (ps *ProviderStore) Sweep() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	purged := 0
	for cid, byProvider := range ps.m {
		for p, e := range byProvider {
			if ps.validityTTL > 0 && now.Sub(e.AddedAt) > ps.validityTTL {
				delete(byProvider, p)
				purged++
			}
		}
		if len(byProvider) == 0 {
			delete(ps.m, cid)
		}
	}
	if purged > 0 {
		log.Debugf("swept %d expired provider entries", purged)
	}
	return purged
}

// Size returns the total number of (cid, provider) pairs currently held.
func (ps *ProviderStore) Size() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	total := 0
	for _, byProvider := range ps.m {
		total += len(byProvider)
	}
	return total
}
