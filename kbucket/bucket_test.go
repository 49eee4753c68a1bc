package kbucket

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestBucketPushFrontGetRemove(t *testing.T) {
	b := newBucket()
	pi := newPeerInfo(peer.ID("p1"), ConvertPeerID(peer.ID("p1")), true, true)
	b.pushFront(pi)

	require.Equal(t, 1, b.len())
	require.Equal(t, pi, b.getPeer(peer.ID("p1")))
	require.Nil(t, b.getPeer(peer.ID("nope")))

	require.True(t, b.remove(peer.ID("p1")))
	require.Equal(t, 0, b.len())
	require.False(t, b.remove(peer.ID("p1")))
}

func TestLeastUsefulReplaceableIgnoresNonReplaceable(t *testing.T) {
	b := newBucket()

	nonReplaceable := newPeerInfo(peer.ID("bootstrap"), ConvertPeerID(peer.ID("bootstrap")), true, false)
	b.pushFront(nonReplaceable)

	require.Nil(t, b.leastUsefulReplaceable())

	old := newPeerInfo(peer.ID("old"), ConvertPeerID(peer.ID("old")), true, true)
	old.LastSuccessfulOutboundQueryAt = time.Now().Add(-time.Hour)
	b.pushFront(old)

	fresh := newPeerInfo(peer.ID("fresh"), ConvertPeerID(peer.ID("fresh")), true, true)
	b.pushFront(fresh)

	victim := b.leastUsefulReplaceable()
	require.NotNil(t, victim)
	require.Equal(t, peer.ID("old"), victim.PeerID)
}
