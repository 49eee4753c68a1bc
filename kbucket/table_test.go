package kbucket

import (
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func testPeerID(i int) peer.ID {
	return peer.ID(fmt.Sprintf("test-peer-%d", i))
}

func newTestTable(bucketSize int) *RoutingTable {
	return NewRoutingTable(peer.ID("local"), Config{BucketSize: bucketSize})
}

func TestTryAddPeerRejectsSelf(t *testing.T) {
	rt := NewRoutingTable(peer.ID("local"), Config{})
	res, err := rt.TryAddPeer(peer.ID("local"), true, true)
	require.Equal(t, Rejected, res)
	require.ErrorIs(t, err, ErrPeerIsSelf)
}

func TestTryAddPeerAddsAndUpdates(t *testing.T) {
	rt := newTestTable(20)
	p := testPeerID(1)

	res, err := rt.TryAddPeer(p, true, true)
	require.NoError(t, err)
	require.Equal(t, Added, res)
	require.Equal(t, 1, rt.Size())

	res, err = rt.TryAddPeer(p, true, true)
	require.NoError(t, err)
	require.Equal(t, Updated, res)
	require.Equal(t, 1, rt.Size())
}

func TestTryAddPeerSplitsBucketUnderPressure(t *testing.T) {
	rt := newTestTable(4)

	for i := 0; i < 200; i++ {
		_, _ = rt.TryAddPeer(testPeerID(i), true, false)
	}

	require.Greater(t, rt.NumBuckets(), 1)
	require.LessOrEqual(t, rt.Size(), 200)
}

func TestTryAddPeerIntoSingleSlotBucketDoesNotError(t *testing.T) {
	rt := newTestTable(1)

	first := testPeerID(1)
	_, err := rt.TryAddPeer(first, true, true) // replaceable
	require.NoError(t, err)

	second := testPeerID(2)
	res, err := rt.TryAddPeer(second, true, true)
	// whether second lands in the same bucket as first depends on CPL;
	// either way the call must not error internally.
	require.NoError(t, err)
	require.Contains(t, []AddResult{Added, Rejected}, res)
}

func TestRemovePeer(t *testing.T) {
	rt := newTestTable(20)
	p := testPeerID(1)
	_, err := rt.TryAddPeer(p, true, true)
	require.NoError(t, err)
	require.Equal(t, 1, rt.Size())

	rt.RemovePeer(p)
	require.Equal(t, 0, rt.Size())
}

func TestFind(t *testing.T) {
	rt := newTestTable(20)
	p := testPeerID(1)
	require.Equal(t, peer.ID(""), rt.Find(p))

	_, err := rt.TryAddPeer(p, true, true)
	require.NoError(t, err)
	require.Equal(t, p, rt.Find(p))
}

func TestNearestPeersSortedByDistance(t *testing.T) {
	rt := newTestTable(20)
	for i := 0; i < 50; i++ {
		_, err := rt.TryAddPeer(testPeerID(i), true, true)
		require.NoError(t, err)
	}

	target := ConvertKey("some-target")
	near := rt.NearestPeers(target, 10)
	require.LessOrEqual(t, len(near), 10)

	var prevDist []byte
	for _, p := range near {
		id := ConvertPeerID(p)
		dist := xorDistance(target, id)
		if prevDist != nil {
			require.True(t, lessOrEqualBytes(prevDist, dist))
		}
		prevDist = dist
	}
}

func lessOrEqualBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return true
}

func TestUpdateLastSuccessfulOutboundQuery(t *testing.T) {
	rt := newTestTable(20)
	p := testPeerID(1)
	require.False(t, rt.UpdateLastSuccessfulOutboundQuery(p, time.Now()))

	_, err := rt.TryAddPeer(p, false, true)
	require.NoError(t, err)
	require.True(t, rt.UpdateLastSuccessfulOutboundQuery(p, time.Now()))
}

func TestGenRandPeerIDMatchesRequestedCPL(t *testing.T) {
	rt := newTestTable(20)
	for cpl := 0; cpl < 32; cpl += 3 {
		target := GenRandPeerID(rt.local, cpl)
		require.Equal(t, cpl, CommonPrefixLen(rt.local, target))
	}
}

func TestListPeersAndListPeerInfos(t *testing.T) {
	rt := newTestTable(20)
	for i := 0; i < 5; i++ {
		_, err := rt.TryAddPeer(testPeerID(i), true, true)
		require.NoError(t, err)
	}
	require.Len(t, rt.ListPeers(), 5)
	require.Len(t, rt.ListPeerInfos(), 5)
}

func TestMaxSizeRejectsOnceFull(t *testing.T) {
	rt := NewRoutingTable(peer.ID("local"), Config{BucketSize: 1000, MaxSize: 3})
	added := 0
	for i := 0; i < 10; i++ {
		res, _ := rt.TryAddPeer(testPeerID(i), true, false)
		if res == Added {
			added++
		}
	}
	require.Equal(t, 3, added)
	require.Equal(t, 3, rt.Size())
}
