package kbucket

import (
	"container/list"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerInfo holds the routing-table-owned metadata about a peer, as
// distinguished from the host's address book (authoritative for address
// resolution — see spec §3). The zero value is never valid on its own; use
// newPeerInfo.
type PeerInfo struct {
	Id ID

	// PeerID is the libp2p peer identifier; kept alongside the hashed ID so a
	// bucket never needs to re-derive it.
	PeerID peer.ID

	// LastUsefulAt is the last time this peer was useful to us: it answered
	// a query, or it sent us a query we could answer, or it taught us about
	// a peer we didn't already know and still query. Used only as a
	// liveness/usefulness signal; it does not gate admission directly.
	LastUsefulAt time.Time

	// LastSuccessfulOutboundQueryAt is the last time we successfully got a
	// response out of this peer for a query we initiated. The zero value
	// means the peer was admitted with queried=false (e.g. learned from
	// another peer's response) and has not been marked since. Inbound
	// contacts are admitted by the protocol handler with queried=true, which
	// sets this field as well.
	LastSuccessfulOutboundQueryAt time.Time

	// replaceable peers are those admitted by in-session discovery; they
	// may be evicted to make room for a new peer. Non-replaceable peers —
	// bootstrap peers by default — are retained over replaceable ones
	// regardless of age.
	replaceable bool
}

func newPeerInfo(p peer.ID, id ID, queried bool, replaceable bool) *PeerInfo {
	pi := &PeerInfo{
		Id:          id,
		PeerID:      p,
		replaceable: replaceable,
	}
	if queried {
		now := time.Now()
		pi.LastUsefulAt = now
		pi.LastSuccessfulOutboundQueryAt = now
	}
	return pi
}

// bucket is an ordered list of peers, capped at a configured size and
// indexed externally by CPL relative to the local peer. Locking is the
// responsibility of the owning RoutingTable.
type bucket struct {
	list           *list.List
	lastRefreshedAt time.Time
}

func newBucket() *bucket {
	return &bucket{
		list: list.New(),
	}
}

func (b *bucket) peers() []*PeerInfo {
	ps := make([]*PeerInfo, 0, b.list.Len())
	for e := b.list.Front(); e != nil; e = e.Next() {
		ps = append(ps, e.Value.(*PeerInfo))
	}
	return ps
}

func (b *bucket) getPeer(p peer.ID) *PeerInfo {
	for e := b.list.Front(); e != nil; e = e.Next() {
		pi := e.Value.(*PeerInfo)
		if pi.PeerID == p {
			return pi
		}
	}
	return nil
}

func (b *bucket) pushFront(pi *PeerInfo) {
	b.list.PushFront(pi)
}

func (b *bucket) remove(p peer.ID) bool {
	for e := b.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*PeerInfo).PeerID == p {
			b.list.Remove(e)
			return true
		}
	}
	return false
}

func (b *bucket) len() int {
	return b.list.Len()
}

// leastUsefulReplaceable returns the replaceable peer with the oldest
// LastSuccessfulOutboundQueryAt (ties broken by earliest LastUsefulAt), or
// nil if the bucket has no replaceable entries. Non-replaceable peers are
// never candidates, matching the eviction ordering in spec §4.1.
func (b *bucket) leastUsefulReplaceable() *PeerInfo {
	var worst *PeerInfo
	for e := b.list.Front(); e != nil; e = e.Next() {
		pi := e.Value.(*PeerInfo)
		if !pi.replaceable {
			continue
		}
		if worst == nil {
			worst = pi
			continue
		}
		if pi.LastSuccessfulOutboundQueryAt.Before(worst.LastSuccessfulOutboundQueryAt) {
			worst = pi
			continue
		}
		if pi.LastSuccessfulOutboundQueryAt.Equal(worst.LastSuccessfulOutboundQueryAt) &&
			pi.LastUsefulAt.Before(worst.LastUsefulAt) {
			worst = pi
		}
	}
	return worst
}
