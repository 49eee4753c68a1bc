package netclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/libp2p/go-kad-dht-core/dhtmsg"
)

func TestBackoffDurationGrowsAndClamps(t *testing.T) {
	cfg := Config{
		BackoffBase:   100 * time.Millisecond,
		BackoffMax:    500 * time.Millisecond,
		BackoffFactor: 2.0,
	}

	// attempt 1: base * 2^0 = 100ms, jittered +/-20%.
	d1 := backoffDuration(cfg, 1)
	require.InDelta(t, 100*time.Millisecond, d1, float64(20*time.Millisecond))

	// attempt 3: base * 2^2 = 400ms, still under the clamp.
	d3 := backoffDuration(cfg, 3)
	require.InDelta(t, 400*time.Millisecond, d3, float64(80*time.Millisecond))

	// attempt 10 would be far past BackoffMax unclamped; clamp caps it.
	d10 := backoffDuration(cfg, 10)
	require.LessOrEqual(t, d10, 500*time.Millisecond+100*time.Millisecond)
}

func TestIsRetryableClassifiesProtocolErrorsAsTerminal(t *testing.T) {
	protoErr := &dhtmsg.ProtocolError{Err: errors.New("bad type")}
	require.False(t, isRetryable(protoErr))
	require.False(t, isRetryable(dhtmsg.ErrUnknownType))
	require.False(t, isRetryable(dhtmsg.ErrMessageTooLarge))
}

func TestIsRetryableClassifiesTransportErrorsAsRetryable(t *testing.T) {
	require.True(t, isRetryable(context.DeadlineExceeded))
	require.True(t, isRetryable(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	require.True(t, isRetryable(errors.New("some other host-level failure")))
}

func TestIsMaxRetriesDetectsWrappedExhaustion(t *testing.T) {
	err := Error.Wrap(&MaxRetriesError{Attempts: 3, Err: errors.New("connection refused")})
	require.True(t, IsMaxRetries(err))
	require.False(t, IsMaxRetries(Error.Wrap(errors.New("connection refused"))))
}
