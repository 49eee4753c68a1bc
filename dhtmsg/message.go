// Package dhtmsg implements the wire protocol described in spec §6.1: a
// tagged-union Message over {PING, FIND_NODE, GET_VALUE, PUT_VALUE,
// GET_PROVIDERS, ADD_PROVIDER}, and the length-prefixed framing used to put
// one on (or take one off) a stream.
package dhtmsg

import (
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/libp2p/go-kad-dht-core/kadrecord"
)

// Type tags the kind of request/response carried by a Message, per the
// summary table in spec §6.1.
type Type int

const (
	PING Type = iota
	FIND_NODE
	GET_VALUE
	PUT_VALUE
	GET_PROVIDERS
	ADD_PROVIDER
)

func (t Type) String() string {
	switch t {
	case PING:
		return "PING"
	case FIND_NODE:
		return "FIND_NODE"
	case GET_VALUE:
		return "GET_VALUE"
	case PUT_VALUE:
		return "PUT_VALUE"
	case GET_PROVIDERS:
		return "GET_PROVIDERS"
	case ADD_PROVIDER:
		return "ADD_PROVIDER"
	default:
		return "UNKNOWN"
	}
}

// Connectedness mirrors network.Connectedness, narrowed to the values worth
// putting on the wire (spec §6.1's Peer.connection enum).
type Connectedness int32

const (
	NotConnected Connectedness = iota
	Connected
)

// FromNetwork maps a libp2p network.Connectedness to the wire enum.
func FromNetwork(c network.Connectedness) Connectedness {
	if c == network.Connected {
		return Connected
	}
	return NotConnected
}

// WirePeer is the on-the-wire peer description used in closer_peers and
// provider_peers (spec §6.1: Peer = {id, addrs, connection}).
type WirePeer struct {
	ID         peer.ID
	Addrs      []ma.Multiaddr
	Connection Connectedness
}

// WireRecord is the on-the-wire form of a kadrecord.Record.
type WireRecord struct {
	Key          []byte
	Value        []byte
	Author       peer.ID
	Signature    []byte
	TimeReceived time.Time
}

// ToWireRecord converts a core Record to its wire form.
func ToWireRecord(r *kadrecord.Record) *WireRecord {
	if r == nil {
		return nil
	}
	return &WireRecord{
		Key:          r.Key,
		Value:        r.Value,
		Author:       r.Author,
		Signature:    r.Signature,
		TimeReceived: r.TimeReceived,
	}
}

// ToRecord converts a wire record back to a core Record.
func (w *WireRecord) ToRecord() *kadrecord.Record {
	if w == nil {
		return nil
	}
	return &kadrecord.Record{
		Key:          w.Key,
		Value:        w.Value,
		Author:       w.Author,
		Signature:    w.Signature,
		TimeReceived: w.TimeReceived,
	}
}

// Message is the tagged union described in spec §6.1.
type Message struct {
	Type Type

	Key    []byte
	Record *WireRecord

	CloserPeers   []WirePeer
	ProviderPeers []WirePeer
}
