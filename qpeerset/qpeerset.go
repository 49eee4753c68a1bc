// Package qpeerset implements the per-query peer state machine used by the
// query engine (spec §4.2): every peer encountered during a lookup moves
// monotonically through heard -> waiting -> (queried | unreachable), and the
// set as a whole can be asked for its closest peers in any given state.
package qpeerset

import (
	"sort"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/libp2p/go-kad-dht-core/kbucket"
)

// PeerState is a peer's position in the per-query state machine.
type PeerState int

const (
	// PeerHeard means we know of the peer (e.g. from a FIND_NODE reply) but
	// have not yet dialed it for this query.
	PeerHeard PeerState = iota
	// PeerWaiting means a request to the peer is in flight.
	PeerWaiting
	// PeerQueried means the peer answered.
	PeerQueried
	// PeerUnreachable means a request to the peer failed or timed out.
	PeerUnreachable
)

type queryPeerState struct {
	id         peer.ID
	distance   kbucket.ID
	state      PeerState
	referredBy peer.ID
}

// QueryPeerset tracks, for a single query keyed by target, every peer
// encountered so far and its state, ordered by XOR distance to target.
type QueryPeerset struct {
	target kbucket.ID

	all    map[peer.ID]*queryPeerState
	sorted []peer.ID // kept sorted by distance to target
}

// New constructs an empty QueryPeerset for a lookup toward target.
func New(target kbucket.ID) *QueryPeerset {
	return &QueryPeerset{
		target: target,
		all:    make(map[peer.ID]*queryPeerState),
	}
}

func (qp *QueryPeerset) distanceOf(p peer.ID) kbucket.ID {
	return kbucket.ConvertPeerID(p)
}

// TryAdd adds p to the set in PeerHeard state, crediting referredBy as the
// peer that surfaced it. Returns false if p is already known.
func (qp *QueryPeerset) TryAdd(p, referredBy peer.ID) bool {
	if _, ok := qp.all[p]; ok {
		return false
	}
	qp.all[p] = &queryPeerState{
		id:         p,
		distance:   qp.distanceOf(p),
		state:      PeerHeard,
		referredBy: referredBy,
	}
	qp.sorted = append(qp.sorted, p)
	sort.Slice(qp.sorted, func(i, j int) bool {
		return kbucket.Less(qp.target, qp.all[qp.sorted[i]].distance, qp.all[qp.sorted[j]].distance)
	})
	return true
}

// SetState transitions p to state. Callers are expected to respect the
// monotonic ordering heard -> waiting -> {queried, unreachable}; SetState
// itself does not enforce it beyond requiring p to already be known.
func (qp *QueryPeerset) SetState(p peer.ID, state PeerState) {
	if s, ok := qp.all[p]; ok {
		s.state = state
	}
}

// GetState returns p's current state, or PeerHeard's zero value if p is
// unknown.
func (qp *QueryPeerset) GetState(p peer.ID) PeerState {
	if s, ok := qp.all[p]; ok {
		return s.state
	}
	return PeerHeard
}

// ReferredBy returns the peer that introduced p to this query, if any.
func (qp *QueryPeerset) ReferredBy(p peer.ID) (peer.ID, bool) {
	s, ok := qp.all[p]
	if !ok {
		return "", false
	}
	return s.referredBy, true
}

func (qp *QueryPeerset) peersInStates(states ...PeerState) []peer.ID {
	want := make(map[PeerState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	out := make([]peer.ID, 0, len(qp.sorted))
	for _, p := range qp.sorted {
		if want[qp.all[p].state] {
			out = append(out, p)
		}
	}
	return out
}

// GetClosestNInStates returns up to n peers in any of states, nearest-first.
func (qp *QueryPeerset) GetClosestNInStates(n int, states ...PeerState) []peer.ID {
	all := qp.peersInStates(states...)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// NumHeard returns how many peers are still in PeerHeard state.
func (qp *QueryPeerset) NumHeard() int {
	return len(qp.peersInStates(PeerHeard))
}

// NumWaiting returns how many requests are currently in flight.
func (qp *QueryPeerset) NumWaiting() int {
	return len(qp.peersInStates(PeerWaiting))
}

// Closest returns every known peer, nearest-first, regardless of state.
func (qp *QueryPeerset) Closest() []peer.ID {
	out := make([]peer.ID, len(qp.sorted))
	copy(out, qp.sorted)
	return out
}
