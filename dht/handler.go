package dht

import (
	"bufio"
	"net"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-cidranger"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/libp2p/go-kad-dht-core/dhtmsg"
	"github.com/libp2p/go-kad-dht-core/kbucket"
)

// streamReadTimeout bounds how long the handler waits for a request to
// arrive on a freshly opened inbound stream (spec §4.5 step 1).
const streamReadTimeout = 30 * time.Second

// handleStream is the ProtocolHandler described in spec §4.5: read one
// message, admit the sender into the routing table, dispatch, respond.
func (d *DHT) handleStream(s network.Stream) {
	defer s.Close()

	remote := s.Conn().RemotePeer()

	if err := s.SetReadDeadline(time.Now().Add(streamReadTimeout)); err != nil {
		log.Debugf("handler: set read deadline: %s", err)
	}

	r := bufio.NewReader(s)
	req, err := dhtmsg.ReadMsg(r)
	if err != nil {
		log.Debugf("handler: malformed request from %s: %s", remote, err)
		_ = s.Reset()
		return
	}

	d.cacheObservedAddr(remote, s.Conn().RemoteMultiaddr())
	d.rt.TryAddPeer(remote, true, true)

	resp, err := d.dispatch(remote, req)
	if err != nil {
		log.Debugf("handler: dispatch error for %s from %s: %s", req.Type, remote, err)
		_ = s.Reset()
		return
	}
	if resp == nil {
		// ADD_PROVIDER has no response; the initiator closes without reading.
		return
	}

	w := bufio.NewWriter(s)
	if err := dhtmsg.WriteMsg(w, resp); err != nil {
		_ = s.Reset()
		return
	}
	if err := w.Flush(); err != nil {
		_ = s.Reset()
	}
}

func (d *DHT) cacheObservedAddr(p peer.ID, addr ma.Multiaddr) {
	if addr == nil {
		return
	}
	d.host.Peerstore().AddAddr(p, addr, d.peerstoreTTL())
}

func (d *DHT) dispatch(from peer.ID, req *dhtmsg.Message) (*dhtmsg.Message, error) {
	switch req.Type {
	case dhtmsg.PING:
		return &dhtmsg.Message{Type: dhtmsg.PING}, nil

	case dhtmsg.FIND_NODE:
		target, ok := kbucket.IDFromBytes(req.Key)
		if !ok {
			return nil, ErrProtocol
		}
		return &dhtmsg.Message{
			Type:        dhtmsg.FIND_NODE,
			CloserPeers: d.closerPeersTo(target, from),
		}, nil

	case dhtmsg.GET_VALUE:
		target := kbucket.ConvertKey(string(req.Key))
		resp := &dhtmsg.Message{
			Type:        dhtmsg.GET_VALUE,
			CloserPeers: d.closerPeersTo(target, from),
		}
		if rec, ok := d.store.Get(string(req.Key)); ok {
			resp.Record = dhtmsg.ToWireRecord(rec)
		}
		return resp, nil

	case dhtmsg.PUT_VALUE:
		if req.Record == nil {
			return nil, ErrProtocol
		}
		rec := req.Record.ToRecord()
		if err := d.store.Put(d.cfg.validator, string(req.Key), rec); err != nil {
			return nil, err
		}
		return &dhtmsg.Message{Type: dhtmsg.PUT_VALUE, Key: req.Key, Record: req.Record}, nil

	case dhtmsg.GET_PROVIDERS:
		c, err := cid.Cast(req.Key)
		if err != nil {
			return nil, ErrProtocol
		}
		target := kbucket.ConvertCID(c)
		entries := d.providers.GetProviders(c.KeyString())
		resp := &dhtmsg.Message{
			Type:        dhtmsg.GET_PROVIDERS,
			CloserPeers: d.closerPeersTo(target, from),
		}
		for _, e := range entries {
			resp.ProviderPeers = append(resp.ProviderPeers, dhtmsg.WirePeer{
				ID:    e.Provider,
				Addrs: d.filterLoopback(e.Addrs),
			})
		}
		return resp, nil

	case dhtmsg.ADD_PROVIDER:
		c, err := cid.Cast(req.Key)
		if err != nil {
			return nil, ErrProtocol
		}
		for _, wp := range req.ProviderPeers {
			if wp.ID != from {
				// per protocol, only the stream's own peer may add itself.
				continue
			}
			d.providers.AddProvider(c.KeyString(), wp.ID, wp.Addrs)
		}
		return nil, nil

	default:
		return nil, ErrProtocol
	}
}

// closerPeersTo returns up to BucketSize peers from the routing table
// nearest to target, wire-encoded and optionally loopback-filtered.
func (d *DHT) closerPeersTo(target kbucket.ID, exclude peer.ID) []dhtmsg.WirePeer {
	near := d.rt.NearestPeers(target, d.cfg.bucketSize)
	out := make([]dhtmsg.WirePeer, 0, len(near))
	for _, p := range near {
		if p == exclude {
			continue
		}
		out = append(out, dhtmsg.WirePeer{
			ID:         p,
			Addrs:      d.filterLoopback(d.host.Peerstore().Addrs(p)),
			Connection: dhtmsg.FromNetwork(d.host.Network().Connectedness(p)),
		})
	}
	return out
}

// filterLoopback strips loopback/link-local addresses from addrs when
// FilterLoopbackInResponses is enabled (the default), per spec §6.1.
func (d *DHT) filterLoopback(addrs []ma.Multiaddr) []ma.Multiaddr {
	if !d.cfg.filterLoopbackInResponses {
		return addrs
	}
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		if isLoopbackOrLinkLocal(a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// loopbackRanges lists the IPv4/IPv6 CIDR blocks considered
// unreachable-to-a-stranger: loopback, link-local, multicast and private
// ranges. This is the policy decided for the Open Question about the IPv6
// filter predicate (see DESIGN.md).
var loopbackRanges = []string{
	"127.0.0.0/8",
	"169.254.0.0/16",
	"224.0.0.0/4",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fe80::/10",
	"ff00::/8",
	"fc00::/7",
}

var loopbackRanger = newLoopbackRanger()

func newLoopbackRanger() cidranger.Ranger {
	r := cidranger.NewPCTrieRanger()
	for _, cidr := range loopbackRanges {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("dht: invalid loopback CIDR literal " + cidr + ": " + err.Error())
		}
		if err := r.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			panic("dht: inserting loopback CIDR " + cidr + ": " + err.Error())
		}
	}
	return r
}

// isLoopbackOrLinkLocal decides the loopback filter predicate using a
// cidranger.Ranger over loopbackRanges instead of ad hoc net.IP checks, so
// every variant (IPv4 private space, IPv6 unique-local, multicast) lives in
// one table rather than a chain of method calls.
func isLoopbackOrLinkLocal(a ma.Multiaddr) bool {
	ip, err := manet.ToIP(a)
	if err != nil {
		return false
	}
	contains, err := loopbackRanger.Contains(ip)
	if err != nil {
		return false
	}
	return contains
}
