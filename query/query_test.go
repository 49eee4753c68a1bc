package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/libp2p/go-kad-dht-core/kbucket"
)

func TestRunStopsOnResiliencyConfirmations(t *testing.T) {
	target := kbucket.ConvertPeerID(peer.ID("target"))

	var mu sync.Mutex
	queried := 0
	queryFn := func(_ context.Context, p peer.ID) (*QueryResult, error) {
		mu.Lock()
		queried++
		mu.Unlock()
		return &QueryResult{Success: true, Value: p}, nil
	}

	e := New(target, queryFn, Config{Concurrency: 3, Resiliency: 2})
	seeds := []peer.ID{peer.ID("a"), peer.ID("b"), peer.ID("c"), peer.ID("d")}

	res, err := e.Run(context.Background(), seeds)
	require.NoError(t, err)
	require.Equal(t, Success, res.Reason)
	require.NotNil(t, res.Value)
}

func TestRunReturnsNoMorePeersWhenExhausted(t *testing.T) {
	target := kbucket.ConvertPeerID(peer.ID("target"))

	queryFn := func(_ context.Context, p peer.ID) (*QueryResult, error) {
		return &QueryResult{CloserPeers: nil}, nil
	}

	e := New(target, queryFn, Config{Concurrency: 2, Resiliency: 3})
	res, err := e.Run(context.Background(), []peer.ID{peer.ID("only-one")})
	require.NoError(t, err)
	require.Equal(t, NoMorePeers, res.Reason)
	require.Contains(t, res.Peers, peer.ID("only-one"))
}

func TestRunMarksFailedPeersUnreachableAndMovesOn(t *testing.T) {
	target := kbucket.ConvertPeerID(peer.ID("target"))

	queryFn := func(_ context.Context, p peer.ID) (*QueryResult, error) {
		if p == peer.ID("bad") {
			return nil, errors.New("connection refused")
		}
		return &QueryResult{Success: true}, nil
	}

	e := New(target, queryFn, Config{Concurrency: 1, Resiliency: 1})
	res, err := e.Run(context.Background(), []peer.ID{peer.ID("bad"), peer.ID("good")})
	require.NoError(t, err)
	require.Equal(t, Success, res.Reason)
}

func TestRunRespectsCancellation(t *testing.T) {
	target := kbucket.ConvertPeerID(peer.ID("target"))

	block := make(chan struct{})
	queryFn := func(ctx context.Context, p peer.ID) (*QueryResult, error) {
		select {
		case <-block:
			return &QueryResult{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e := New(target, queryFn, Config{Concurrency: 1, Resiliency: 1})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *Result, 1)
	go func() {
		res, err := e.Run(ctx, []peer.ID{peer.ID("slow")})
		require.NoError(t, err)
		done <- res
	}()

	cancel()
	select {
	case res := <-done:
		require.Equal(t, Cancelled, res.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}
	close(block)
}

func TestRunRejectsEmptySeeds(t *testing.T) {
	target := kbucket.ConvertPeerID(peer.ID("target"))
	e := New(target, func(context.Context, peer.ID) (*QueryResult, error) {
		return &QueryResult{}, nil
	}, Config{})
	_, err := e.Run(context.Background(), nil)
	require.Error(t, err)
}
