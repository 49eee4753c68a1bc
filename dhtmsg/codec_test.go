package dhtmsg

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

func TestWriteReadMsgRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)

	cases := []struct {
		name string
		msg  *Message
	}{
		{
			name: "ping, no optional fields",
			msg:  &Message{Type: PING},
		},
		{
			name: "find_node with closer peers",
			msg: &Message{
				Type: FIND_NODE,
				Key:  []byte("target-key-bytes"),
				CloserPeers: []WirePeer{
					{ID: peer.ID("peerA"), Addrs: []ma.Multiaddr{mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}, Connection: Connected},
					{ID: peer.ID("peerB"), Connection: NotConnected},
				},
			},
		},
		{
			name: "get_value with record",
			msg: &Message{
				Type: GET_VALUE,
				Key:  []byte("/pk/somepeer"),
				Record: &WireRecord{
					Key:          []byte("/pk/somepeer"),
					Value:        []byte("pubkeybytes"),
					Author:       peer.ID("author"),
					Signature:    []byte("sig"),
					TimeReceived: now,
				},
			},
		},
		{
			name: "get_providers with provider peers",
			msg: &Message{
				Type: GET_PROVIDERS,
				Key:  []byte("some-cid"),
				ProviderPeers: []WirePeer{
					{ID: peer.ID("provider1"), Addrs: []ma.Multiaddr{mustAddr(t, "/ip4/10.0.0.1/tcp/4001")}},
				},
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteMsg(&buf, c.msg))

			got, err := ReadMsg(bufio.NewReader(&buf))
			require.NoError(t, err)

			require.Equal(t, c.msg.Type, got.Type)
			require.Equal(t, c.msg.Key, got.Key)
			require.Equal(t, len(c.msg.CloserPeers), len(got.CloserPeers))
			for i, wp := range c.msg.CloserPeers {
				require.Equal(t, wp.ID, got.CloserPeers[i].ID)
				require.Equal(t, wp.Connection, got.CloserPeers[i].Connection)
				require.Equal(t, len(wp.Addrs), len(got.CloserPeers[i].Addrs))
			}
			require.Equal(t, len(c.msg.ProviderPeers), len(got.ProviderPeers))
			if c.msg.Record != nil {
				require.NotNil(t, got.Record)
				require.Equal(t, c.msg.Record.Value, got.Record.Value)
				require.Equal(t, c.msg.Record.Author, got.Record.Author)
				require.Equal(t, c.msg.Record.TimeReceived.UnixNano(), got.Record.TimeReceived.UnixNano())
			} else {
				require.Nil(t, got.Record)
			}
		})
	}
}

func TestReadMsgRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	lbuf := make([]byte, 10)
	n := 0
	v := uint64(MaxMessageSize + 1)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		lbuf[n] = b
		n++
		if v == 0 {
			break
		}
	}
	buf.Write(lbuf[:n])

	_, err := ReadMsg(bufio.NewReader(&buf))
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMsg(&buf, &Message{Type: Type(99)}))

	_, err := ReadMsg(bufio.NewReader(&buf))
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestTypeString(t *testing.T) {
	require.Equal(t, "PING", PING.String())
	require.Equal(t, "ADD_PROVIDER", ADD_PROVIDER.String())
	require.Equal(t, "UNKNOWN", Type(99).String())
}
