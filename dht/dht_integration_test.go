package dht

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/libp2p/go-kad-dht-core/kadrecord"
	"github.com/libp2p/go-kad-dht-core/kbucket"
)

func testCID(t *testing.T, data string) cid.Cid {
	t.Helper()
	sum, err := mh.Sum([]byte(data), mh.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, sum)
}

func TestFindPeerSucceedsViaThirdPartyRouting(t *testing.T) {
	mn := mocknet.New()
	hA, err := mn.GenPeer()
	require.NoError(t, err)
	hB, err := mn.GenPeer()
	require.NoError(t, err)
	hC, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	dA, err := New(context.Background(), hA, Mode(ModeClient))
	require.NoError(t, err)
	t.Cleanup(func() { dA.Close() })

	dC, err := New(context.Background(), hC, Mode(ModeServer))
	require.NoError(t, err)
	t.Cleanup(func() { dC.Close() })

	// C already knows about B; A only knows about C. A's find_peer for B
	// must reach B's id through C's response, not through direct knowledge.
	_, err = dC.RoutingTable().TryAddPeer(hB.ID(), true, false)
	require.NoError(t, err)
	_, err = dA.RoutingTable().TryAddPeer(hC.ID(), true, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ai, err := dA.FindPeer(ctx, hB.ID())
	require.NoError(t, err)
	require.Equal(t, hB.ID(), ai.ID)
}

func TestFindPeerNotFoundReturnsEmptyAddrInfoNotError(t *testing.T) {
	mn := mocknet.New()
	hA, err := mn.GenPeer()
	require.NoError(t, err)
	hUnknown, err := mn.GenPeer()
	require.NoError(t, err)

	dA, err := New(context.Background(), hA, Mode(ModeClient))
	require.NoError(t, err)
	t.Cleanup(func() { dA.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ai, err := dA.FindPeer(ctx, hUnknown.ID())
	require.NoError(t, err)
	require.Equal(t, peer.AddrInfo{}, ai)
}

func TestPutValueGetValueRoundTripWithNewerUpdate(t *testing.T) {
	mn := mocknet.New()
	hA, err := mn.GenPeer()
	require.NoError(t, err)
	hB, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	dA, err := New(context.Background(), hA, Mode(ModeServer), Validator(kadrecord.GenericValidator{}))
	require.NoError(t, err)
	t.Cleanup(func() { dA.Close() })

	dB, err := New(context.Background(), hB, Mode(ModeServer), Validator(kadrecord.GenericValidator{}))
	require.NoError(t, err)
	t.Cleanup(func() { dB.Close() })

	_, err = dA.RoutingTable().TryAddPeer(hB.ID(), true, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, dA.PutValue(ctx, "/ns/foo", []byte("v1"), nil))
	require.Eventually(t, func() bool {
		val, _ := dB.GetValue(ctx, "/ns/foo")
		return string(val) == "v1"
	}, 3*time.Second, 50*time.Millisecond, "v1 should fan out to B")

	require.NoError(t, dA.PutValue(ctx, "/ns/foo", []byte("v2"), nil))
	require.Eventually(t, func() bool {
		val, _ := dB.GetValue(ctx, "/ns/foo")
		return string(val) == "v2"
	}, 3*time.Second, 50*time.Millisecond, "v2 should overwrite v1 on B")

	val, err := dA.GetValue(ctx, "/ns/foo")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), val)
}

func TestProvideAndFindProviders(t *testing.T) {
	mn := mocknet.New()
	hA, err := mn.GenPeer()
	require.NoError(t, err)
	hB, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	dA, err := New(context.Background(), hA, Mode(ModeServer))
	require.NoError(t, err)
	t.Cleanup(func() { dA.Close() })

	dB, err := New(context.Background(), hB, Mode(ModeServer))
	require.NoError(t, err)
	t.Cleanup(func() { dB.Close() })

	_, err = dA.RoutingTable().TryAddPeer(hB.ID(), true, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := testCID(t, "hello-content")
	require.NoError(t, dA.Provide(ctx, c, true))

	require.Eventually(t, func() bool {
		provs, err := dB.FindProviders(ctx, c, 1)
		return err == nil && len(provs) == 1 && provs[0].ID == hA.ID()
	}, 3*time.Second, 50*time.Millisecond, "B should learn A provides c via add_provider fan-out")
}

func TestOperationsRejectedAfterClose(t *testing.T) {
	mn := mocknet.New()
	hA, err := mn.GenPeer()
	require.NoError(t, err)

	dA, err := New(context.Background(), hA, Mode(ModeClient))
	require.NoError(t, err)
	require.NoError(t, dA.Close())

	ctx := context.Background()
	c := testCID(t, "z")

	_, err = dA.FindPeer(ctx, hA.ID())
	require.ErrorIs(t, err, ErrClosed)

	_, err = dA.GetClosestPeers(ctx, kbucket.ConvertPeerID(hA.ID()), true)
	require.ErrorIs(t, err, ErrClosed)

	err = dA.PutValue(ctx, "/v/x", []byte("y"), nil)
	require.ErrorIs(t, err, ErrClosed)

	_, err = dA.GetValue(ctx, "/v/x")
	require.ErrorIs(t, err, ErrClosed)

	err = dA.Provide(ctx, c, false)
	require.ErrorIs(t, err, ErrClosed)

	_, err = dA.FindProviders(ctx, c, 1)
	require.ErrorIs(t, err, ErrClosed)
}
