// Package kbucket implements a Kademlia-style bucketed routing table: an
// array of buckets indexed by common-prefix-length (CPL) to the local peer,
// ordered within each bucket and capped at a configured size per bucket.
package kbucket

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	asnutil "github.com/libp2p/go-libp2p-asn-util"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("kbucket")

// ErrPeerRejectedHighLatency is returned by TryAddPeer when the peer's
// measured latency exceeds the table's configured tolerance.
var ErrPeerRejectedHighLatency = errors.New("peer rejected; latency too high")

// ErrPeerRejectedNoCapacity is returned by TryAddPeer when the peer's bucket
// is full and contains no replaceable entry to evict.
var ErrPeerRejectedNoCapacity = errors.New("peer rejected; insufficient capacity")

// ErrPeerIsSelf is returned by TryAddPeer for the local peer's own ID.
var ErrPeerIsSelf = errors.New("peer is the local peer")

// RoutingTable is a bucketed view of known peers keyed by CPL relative to
// the local peer, as described in spec §3/§4.1.
type RoutingTable struct {
	local   ID
	localID peer.ID

	mu sync.RWMutex

	buckets    []*bucket
	bucketSize int

	maxSize int

	// usefulnessGracePeriod is the grace period supplied in Config. The
	// table stores it but does not consult it: eviction on admission
	// pressure picks the victim by leastUsefulReplaceable's ordering alone.
	usefulnessGracePeriod time.Duration

	// metrics, if set, gates admission on latency (maxLatency).
	metrics    peerstore.Metrics
	maxLatency time.Duration

	// PeerAdded/PeerRemoved are optional notification hooks, mirroring the
	// teacher's callback fields.
	PeerAdded   func(peer.ID)
	PeerRemoved func(peer.ID)
}

// Config bundles the construction parameters for NewRoutingTable.
type Config struct {
	BucketSize            int
	MaxSize               int
	UsefulnessGracePeriod time.Duration
	Metrics               peerstore.Metrics
	MaxLatency            time.Duration
}

// NewRoutingTable constructs a routing table for localID with the given
// configuration. BucketSize and MaxSize fall back to the Kademlia defaults
// (20 and 1000 respectively) when zero.
func NewRoutingTable(localID peer.ID, cfg Config) *RoutingTable {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = 20
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	rt := &RoutingTable{
		local:                 ConvertPeerID(localID),
		localID:               localID,
		buckets:               []*bucket{newBucket()},
		bucketSize:            cfg.BucketSize,
		maxSize:               cfg.MaxSize,
		usefulnessGracePeriod: cfg.UsefulnessGracePeriod,
		metrics:               cfg.Metrics,
		maxLatency:            cfg.MaxLatency,
		PeerAdded:             func(peer.ID) {},
		PeerRemoved:           func(peer.ID) {},
	}
	return rt
}

// AddResult reports what TryAddPeer did.
type AddResult int

const (
	// Added means the peer was newly inserted.
	Added AddResult = iota
	// Updated means the peer already existed and its queried/usefulness
	// bookkeeping was refreshed.
	Updated
	// Rejected means the peer was not added; check the returned error.
	Rejected
)

// TryAddPeer attempts to place p in its bucket (CPL(p, local)). If the
// bucket has capacity the peer is inserted; if full, the least-useful
// replaceable entry is evicted in its favor; otherwise the peer is
// rejected. queried=true records that the peer has just answered us,
// confirming liveness. replaceable controls whether this peer may later be
// evicted to make room for another (bootstrap peers should pass false).
func (rt *RoutingTable) TryAddPeer(p peer.ID, queried bool, replaceable bool) (AddResult, error) {
	if p == rt.localID {
		return Rejected, ErrPeerIsSelf
	}

	id := ConvertPeerID(p)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	bucketID := rt.bucketIDForID(id)
	b := rt.buckets[bucketID]

	if existing := b.getPeer(p); existing != nil {
		if queried {
			now := time.Now()
			existing.LastUsefulAt = now
			existing.LastSuccessfulOutboundQueryAt = now
		}
		return Updated, nil
	}

	if rt.metrics != nil && rt.maxLatency > 0 && rt.metrics.LatencyEWMA(p) > rt.maxLatency {
		return Rejected, ErrPeerRejectedHighLatency
	}

	if rt.size() >= rt.maxSize {
		return Rejected, ErrPeerRejectedNoCapacity
	}

	pi := newPeerInfo(p, id, queried, replaceable)

	if b.len() < rt.bucketSize {
		b.pushFront(pi)
		rt.PeerAdded(p)
		return Added, nil
	}

	// Bucket is full. Only the last (wildcard) bucket can be unfolded.
	if bucketID == len(rt.buckets)-1 {
		rt.nextBucket()
		bucketID = rt.bucketIDForID(id)
		b = rt.buckets[bucketID]
		if b.len() < rt.bucketSize {
			b.pushFront(pi)
			rt.PeerAdded(p)
			return Added, nil
		}
	}

	if victim := b.leastUsefulReplaceable(); victim != nil {
		b.remove(victim.PeerID)
		rt.PeerRemoved(victim.PeerID)
		b.pushFront(pi)
		rt.PeerAdded(p)
		return Added, nil
	}

	return Rejected, ErrPeerRejectedNoCapacity
}

// nextBucket splits the last (wildcard) bucket in two, the way the teacher's
// table.go does: peers that still share a prefix with the local peer one
// bit longer than the wildcard bucket's CPL move into a freshly appended
// bucket.
func (rt *RoutingTable) nextBucket() {
	last := rt.buckets[len(rt.buckets)-1]
	cpl := len(rt.buckets) - 1

	next := newBucket()
	for _, pi := range last.peers() {
		if CommonPrefixLen(pi.Id, rt.local) > cpl {
			last.remove(pi.PeerID)
			next.pushFront(pi)
		}
	}
	rt.buckets = append(rt.buckets, next)

	if next.len() >= rt.bucketSize {
		rt.nextBucket()
	}
}

// bucketIDForID returns the index of the bucket id belongs in: its CPL to the
// local peer, capped at the last (wildcard) bucket.
func (rt *RoutingTable) bucketIDForID(id ID) int {
	bucketID := CommonPrefixLen(id, rt.local)
	if bucketID >= len(rt.buckets) {
		bucketID = len(rt.buckets) - 1
	}
	return bucketID
}

// RemovePeer removes p unconditionally.
func (rt *RoutingTable) RemovePeer(p peer.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.removePeer(p)
}

func (rt *RoutingTable) removePeer(p peer.ID) {
	bucketID := rt.bucketIDForID(ConvertPeerID(p))
	if rt.buckets[bucketID].remove(p) {
		rt.PeerRemoved(p)
	}
}

// UpdateLastSuccessfulOutboundQuery marks p as just having answered an
// outbound query at time t. Returns false if p is not in the table.
func (rt *RoutingTable) UpdateLastSuccessfulOutboundQuery(p peer.ID, t time.Time) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.bucketIDForID(ConvertPeerID(p))]
	if pi := b.getPeer(p); pi != nil {
		pi.LastSuccessfulOutboundQueryAt = t
		pi.LastUsefulAt = t
		return true
	}
	return false
}

// Find returns p if present in the table, or "" otherwise.
func (rt *RoutingTable) Find(p peer.ID) peer.ID {
	near := rt.NearestPeers(ConvertPeerID(p), 1)
	if len(near) == 0 || near[0] != p {
		return ""
	}
	return near[0]
}

// NearestPeers returns up to count peers ordered by ascending XOR distance
// to target.
func (rt *RoutingTable) NearestPeers(target ID, count int) []peer.ID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	cpl := CommonPrefixLen(target, rt.local)
	if cpl >= len(rt.buckets) {
		cpl = len(rt.buckets) - 1
	}

	var candidates []*PeerInfo
	candidates = append(candidates, rt.buckets[cpl].peers()...)
	for i := cpl + 1; i < len(rt.buckets) && len(candidates) < count; i++ {
		candidates = append(candidates, rt.buckets[i].peers()...)
	}
	for i := cpl - 1; i >= 0 && len(candidates) < count; i-- {
		candidates = append(candidates, rt.buckets[i].peers()...)
	}

	sortByDistance(target, candidates)

	if count < len(candidates) {
		candidates = candidates[:count]
	}
	out := make([]peer.ID, len(candidates))
	for i, pi := range candidates {
		out[i] = pi.PeerID
	}
	return out
}

func sortByDistance(target ID, peers []*PeerInfo) {
	// insertion sort: bucket-local lists are already small (<= bucketSize),
	// and we're merging at most three of them.
	for i := 1; i < len(peers); i++ {
		j := i
		for j > 0 && lessDistance(target, peers[j].Id, peers[j-1].Id) {
			peers[j], peers[j-1] = peers[j-1], peers[j]
			j--
		}
	}
}

// Size returns the total number of peers in the table.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.size()
}

func (rt *RoutingTable) size() int {
	total := 0
	for _, b := range rt.buckets {
		total += b.len()
	}
	return total
}

// ListPeers returns all peers from all buckets.
func (rt *RoutingTable) ListPeers() []peer.ID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []peer.ID
	for _, b := range rt.buckets {
		for _, pi := range b.peers() {
			out = append(out, pi.PeerID)
		}
	}
	return out
}

// ListPeerInfos returns PeerInfo for every peer in the table, for callers
// (BootstrapRefresh's liveness sweep) that need the usefulness timestamps.
func (rt *RoutingTable) ListPeerInfos() []*PeerInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []*PeerInfo
	for _, b := range rt.buckets {
		out = append(out, b.peers()...)
	}
	return out
}

// NumBuckets returns the number of allocated buckets.
func (rt *RoutingTable) NumBuckets() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets)
}

// CplsForRefresh returns the last-refreshed-at instant of every bucket,
// indexed by CPL (bucket index).
func (rt *RoutingTable) CplsForRefresh() []time.Time {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	out := make([]time.Time, len(rt.buckets))
	for i, b := range rt.buckets {
		out[i] = b.lastRefreshedAt
	}
	return out
}

// ResetCplRefreshedAt records that the bucket for cpl was just refreshed at
// now. Out-of-range cpls are silently ignored (the bucket may not exist
// yet).
func (rt *RoutingTable) ResetCplRefreshedAt(cpl int, now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if cpl < 0 || cpl >= len(rt.buckets) {
		return
	}
	rt.buckets[cpl].lastRefreshedAt = now
}

// BucketLen returns the number of peers in the bucket for cpl, or 0 if the
// bucket does not exist yet (e.g. it has never been unfolded).
func (rt *RoutingTable) BucketLen(cpl int) int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if cpl < 0 || cpl >= len(rt.buckets) {
		return 0
	}
	return rt.buckets[cpl].len()
}

// GenRandPeerID returns a random KademliaID that would fall in the bucket
// for the given CPL — i.e. it shares exactly cpl leading bits with the
// local ID and differs at bit cpl. Used by BootstrapRefresh to target a
// bucket's XOR region for a random-walk FIND_NODE.
func GenRandPeerID(local ID, cpl int) ID {
	var out ID
	copy(out[:], local[:])

	byteIdx := cpl / 8
	bitIdx := uint(cpl % 8)

	if byteIdx >= KeyLen {
		randomizeTail(out[:], KeyLen)
		return out
	}

	// flip the bit at position cpl, then randomize everything after it.
	mask := byte(0x80) >> bitIdx
	out[byteIdx] ^= mask
	randomizeTail(out[byteIdx+1:], KeyLen-byteIdx-1)

	// randomize the bits after bitIdx within byteIdx, keeping the leading
	// cpl bits (through bitIdx) fixed to match local.
	if bitIdx+1 < 8 {
		var tailMask byte = 0xFF >> (bitIdx + 1)
		var randByte [1]byte
		randomizeTail(randByte[:], 1)
		out[byteIdx] = (out[byteIdx] &^ tailMask) | (randByte[0] & tailMask)
	}
	return out
}

func randomizeTail(b []byte, n int) {
	for i := 0; i < n; i++ {
		b[i] = byte(rand.Intn(256))
	}
}

// Diversity reports a best-effort count of routing-table peers grouped by
// ASN, derived from the IPv6 addresses the peer most recently advertised
// (addrsOf returns dotted/colon textual IPs, already stripped of multiaddr
// framing by the caller). Peers whose address can't be mapped to an ASN
// (IPv4, loopback, private ranges, unresolved) are grouped under "unknown".
// This is introspection only — it never gates TryAddPeer.
func (rt *RoutingTable) Diversity(addrsOf func(peer.ID) []string) map[string]int {
	peers := rt.ListPeers()

	out := make(map[string]int)
	for _, p := range peers {
		group := "unknown"
		for _, a := range addrsOf(p) {
			ip := net.ParseIP(a)
			if ip == nil || ip.To4() != nil {
				continue
			}
			if asn := asnutil.AsnForIPv6(ip); asn != "" {
				group = asn
				break
			}
		}
		out[group]++
	}
	return out
}
