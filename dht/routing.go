package dht

import (
	"context"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"

	"github.com/libp2p/go-kad-dht-core/dhtmsg"
	"github.com/libp2p/go-kad-dht-core/kadrecord"
	"github.com/libp2p/go-kad-dht-core/kbucket"
	"github.com/libp2p/go-kad-dht-core/netclient"
	"github.com/libp2p/go-kad-dht-core/query"
)

// lookupResult is the outcome of the shared FIND_NODE lookup helper: the
// final peer-set's closest peers and why the lookup stopped.
type lookupResult struct {
	peers  []peer.ID
	reason query.StopReason
	value  interface{}
	errs   []error
}

// lookup runs a plain FIND_NODE lookup toward target. Its query function
// never reports Success, so the lookup ends only when candidates run out or
// on timeout/cancellation; it does not stop once beta peers have answered.
// It is the building block behind GetClosestPeers and the bootstrap walk;
// FindPeer/GetValue/FindProviders run their own query functions through
// lookupWithQueryFn.
func (d *DHT) lookup(ctx context.Context, target kbucket.ID) (*lookupResult, error) {
	return d.lookupWithQueryFn(ctx, target, func(ctx context.Context, p peer.ID) (*query.QueryResult, error) {
		closer, err := d.client.FindNode(ctx, p, target[:])
		if err != nil {
			d.rt.RemovePeer(p)
			return nil, err
		}
		d.admitWirePeers(closer)
		return &query.QueryResult{CloserPeers: wirePeersToIDs(closer)}, nil
	})
}

func (d *DHT) lookupWithQueryFn(ctx context.Context, target kbucket.ID, queryFn query.QueryFunc) (*lookupResult, error) {
	seeds := d.rt.NearestPeers(target, d.cfg.bucketSize)
	if len(seeds) == 0 {
		return &lookupResult{reason: query.NoMorePeers}, nil
	}

	engine := query.New(target, queryFn, query.Config{
		Concurrency: d.cfg.concurrency,
		Resiliency:  d.cfg.resiliency,
	})
	res, err := engine.Run(ctx, seeds)
	if err != nil {
		return nil, err
	}
	return &lookupResult{peers: res.Peers, reason: res.Reason, value: res.Value, errs: res.Errors}, nil
}

func wirePeersToIDs(wp []dhtmsg.WirePeer) []peer.ID {
	out := make([]peer.ID, len(wp))
	for i, p := range wp {
		out[i] = p.ID
	}
	return out
}

// admitWirePeers feeds peer addresses learned from a response into the host
// address book and offers each peer to the routing table as replaceable
// (in-session discovery), per spec §3's PeerInfo lifecycle.
func (d *DHT) admitWirePeers(wp []dhtmsg.WirePeer) {
	for _, p := range wp {
		if p.ID == d.self {
			continue
		}
		if len(p.Addrs) > 0 {
			d.host.Peerstore().AddAddrs(p.ID, p.Addrs, d.peerstoreTTL())
		}
		d.rt.TryAddPeer(p.ID, false, true)
	}
}

// FindPeer implements spec §4.3's find_peer: always performs the network
// lookup (even if target is locally known) to verify reachability, per the
// spec's explicit instruction. Returns a zero AddrInfo (not an error) if the
// target cannot be found.
func (d *DHT) FindPeer(ctx context.Context, target peer.ID) (peer.AddrInfo, error) {
	if d.isClosed() {
		return peer.AddrInfo{}, ErrClosed
	}
	if target == d.self {
		return d.addrInfoFor(d.self), nil
	}

	kid := kbucket.ConvertPeerID(target)
	var found peer.AddrInfo
	var foundOK bool

	queryFn := func(ctx context.Context, p peer.ID) (*query.QueryResult, error) {
		closer, err := d.client.FindNode(ctx, p, kid[:])
		if err != nil {
			d.rt.RemovePeer(p)
			return nil, err
		}
		d.admitWirePeers(closer)
		success := false
		for _, cp := range closer {
			if cp.ID == target {
				found = peer.AddrInfo{ID: target, Addrs: cp.Addrs}
				foundOK = true
				success = true
			}
		}
		return &query.QueryResult{CloserPeers: wirePeersToIDs(closer), Success: success}, nil
	}

	res, err := d.lookupWithQueryFn(ctx, kid, queryFn)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	if foundOK {
		return found, nil
	}
	if err := d.queryError(res); err != nil {
		return peer.AddrInfo{}, err
	}
	return peer.AddrInfo{}, nil
}

// GetClosestPeers implements spec §4.3's get_closest_peers.
func (d *DHT) GetClosestPeers(ctx context.Context, target kbucket.ID, enableNetwork bool) ([]peer.AddrInfo, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	local := d.rt.NearestPeers(target, d.cfg.resiliency)
	if len(local) >= d.cfg.resiliency || !enableNetwork {
		return d.addrInfosFor(local), nil
	}

	res, err := d.lookup(ctx, target)
	if err != nil {
		return nil, err
	}
	if err := d.queryError(res); err != nil {
		return nil, err
	}

	seen := make(map[peer.ID]bool, len(local)+len(res.peers))
	out := make([]peer.AddrInfo, 0, len(local)+len(res.peers))
	for _, p := range append(local, res.peers...) {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, d.addrInfoFor(p))
	}
	return out, nil
}

func (d *DHT) addrInfosFor(peers []peer.ID) []peer.AddrInfo {
	out := make([]peer.AddrInfo, len(peers))
	for i, p := range peers {
		out[i] = d.addrInfoFor(p)
	}
	return out
}

// PutValue implements spec §4.3's put_value: store locally, then fan out to
// the peers GetClosestPeers returns for the key. That is the beta nearest
// routing-table peers when the table holds that many; otherwise it is every
// peer the network lookup saw, not capped at beta. Individual PUT failures
// never fail the call.
func (d *DHT) PutValue(ctx context.Context, key string, value []byte, sign kadrecord.Signer) error {
	if d.isClosed() {
		return ErrClosed
	}
	ns, _, err := kadrecord.SplitKey(key)
	if err != nil {
		return err
	}

	rec, err := kadrecord.MakeRecord([]byte(key), value, d.self, sign)
	if err != nil {
		return err
	}

	validator, verr := d.validatorFor(ns)
	if verr != nil {
		return verr
	}
	if err := d.store.Put(validator, key, rec); err != nil {
		return err
	}

	target := kbucket.ConvertKey(key)
	peers, err := d.GetClosestPeers(ctx, target, true)
	if err != nil {
		return nil // local store already succeeded; fan-out failure is not fatal
	}

	wireRec := dhtmsg.ToWireRecord(rec)
	for _, ai := range peers {
		go func(p peer.ID) {
			putCtx, cancel := context.WithTimeout(context.Background(), rtRefreshQueryTimeout)
			defer cancel()
			if err := d.client.PutValue(putCtx, p, []byte(key), wireRec); err != nil {
				log.Debugf("put_value fan-out to %s failed: %s", p, err)
			}
		}(ai.ID)
	}
	return nil
}

// GetValue implements spec §4.3's get_value.
func (d *DHT) GetValue(ctx context.Context, key string) ([]byte, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	if rec, ok := d.store.Get(key); ok {
		return rec.Value, nil
	}

	ns, _, err := kadrecord.SplitKey(key)
	if err != nil {
		return nil, err
	}
	validator, verr := d.validatorFor(ns)
	if verr != nil {
		return nil, verr
	}

	target := kbucket.ConvertKey(key)

	var mu sync.Mutex
	var candidates [][]byte

	queryFn := func(ctx context.Context, p peer.ID) (*query.QueryResult, error) {
		rec, closer, err := d.client.GetValue(ctx, p, []byte(key))
		if err != nil {
			d.rt.RemovePeer(p)
			return nil, err
		}
		d.admitWirePeers(closer)
		if rec != nil {
			core := rec.ToRecord()
			if verr := validator.Validate(key, core.Value); verr == nil {
				mu.Lock()
				candidates = append(candidates, core.Value)
				mu.Unlock()
			}
		}
		return &query.QueryResult{CloserPeers: wirePeersToIDs(closer), Success: rec != nil}, nil
	}

	res, err := d.lookupWithQueryFn(ctx, target, queryFn)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		if qerr := d.queryError(res); qerr != nil {
			return nil, qerr
		}
		return nil, nil
	}

	idx, serr := validator.Select(key, candidates)
	if serr != nil {
		return nil, serr
	}
	return candidates[idx], nil
}

func (d *DHT) validatorFor(ns string) (kadrecord.Validator, error) {
	if nsval, ok := d.cfg.validator.(kadrecord.NamespacedValidator); ok {
		v, ok := nsval[ns]
		if !ok {
			return nil, ErrBadKey
		}
		return v, nil
	}
	return d.cfg.validator, nil
}

// Provide implements spec §4.3's provide(cid, announce).
func (d *DHT) Provide(ctx context.Context, c cid.Cid, announce bool) error {
	if d.isClosed() {
		return ErrClosed
	}
	selfAddrs := d.host.Addrs()
	key := c.KeyString()
	d.providers.AddProvider(key, d.self, selfAddrs)

	if !announce {
		return nil
	}

	target := kbucket.ConvertCID(c)
	peers, err := d.GetClosestPeers(ctx, target, true)
	if err != nil {
		return nil
	}

	self := dhtmsg.WirePeer{ID: d.self, Addrs: selfAddrs}
	wireKey := c.Bytes()
	for _, ai := range peers {
		go func(p peer.ID) {
			pctx, cancel := context.WithTimeout(context.Background(), rtRefreshQueryTimeout)
			defer cancel()
			if err := d.client.AddProvider(pctx, p, wireKey, self); err != nil {
				log.Debugf("add_provider fan-out to %s failed: %s", p, err)
			}
		}(ai.ID)
	}
	return nil
}

// FindProviders implements spec §4.3's find_providers(cid, count). Local
// providers are returned first; if fewer than count, a GET_PROVIDERS lookup
// fills in the rest.
func (d *DHT) FindProviders(ctx context.Context, c cid.Cid, count int) ([]peer.AddrInfo, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	seen := make(map[peer.ID]bool)
	var out []peer.AddrInfo

	key := c.KeyString()
	for _, e := range d.providers.GetProviders(key) {
		if seen[e.Provider] {
			continue
		}
		seen[e.Provider] = true
		out = append(out, peer.AddrInfo{ID: e.Provider, Addrs: e.Addrs})
		if count > 0 && len(out) >= count {
			return out, nil
		}
	}

	target := kbucket.ConvertCID(c)
	wireKey := c.Bytes()
	queryFn := func(ctx context.Context, p peer.ID) (*query.QueryResult, error) {
		provs, closer, err := d.client.GetProviders(ctx, p, wireKey)
		if err != nil {
			d.rt.RemovePeer(p)
			return nil, err
		}
		d.admitWirePeers(closer)
		d.admitWirePeers(provs)
		return &query.QueryResult{CloserPeers: wirePeersToIDs(closer), Success: len(provs) > 0, Value: provs}, nil
	}

	res, err := d.lookupWithQueryFn(ctx, target, queryFn)
	if err != nil {
		return out, err
	}
	if len(out) == 0 {
		if qerr := d.queryError(res); qerr != nil {
			return out, qerr
		}
	}
	if provs, ok := res.value.([]dhtmsg.WirePeer); ok {
		for _, p := range provs {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, peer.AddrInfo{ID: p.ID, Addrs: p.Addrs})
			if count > 0 && len(out) >= count {
				break
			}
		}
	}
	return out, nil
}

// Advertise implements spec §4.3's advertise(namespace): convert namespace
// to a stable content-id and delegate to Provide. Returns the advertisement
// TTL (provider validity).
func (d *DHT) Advertise(ctx context.Context, namespace string) (time.Duration, error) {
	c, err := namespaceCID(namespace)
	if err != nil {
		return 0, err
	}
	if err := d.Provide(ctx, c, true); err != nil {
		return 0, err
	}
	return d.cfg.provideValidity, nil
}

// FindPeers implements spec §4.3's find_peers(namespace), delegating to
// FindProviders under the namespace's derived content-id.
func (d *DHT) FindPeers(ctx context.Context, namespace string, count int) ([]peer.AddrInfo, error) {
	c, err := namespaceCID(namespace)
	if err != nil {
		return nil, err
	}
	return d.FindProviders(ctx, c, count)
}

// namespaceCID derives the stable content-id advertise/find_peers use to
// stand in for a human-readable namespace string: a raw-codec CIDv1 over
// the SHA-256 multihash of "/ns-advertise/" + namespace.
func namespaceCID(namespace string) (cid.Cid, error) {
	sum, err := mh.Sum([]byte("/ns-advertise/"+namespace), mh.SHA2_256, -1)
	if err != nil {
		return cid.Cid{}, err
	}
	return cid.NewCidV1(uint64(multicodec.Raw), sum), nil
}

// queryError maps a lookup's termination reason and accumulated per-peer
// errors to the QueryError spec §7 asks operations to re-throw when nothing
// useful was found. NoMorePeers by itself is a plain not-found result (no
// error); NoMorePeers where any queried peer exhausted its retries is
// promoted to ErrMaxRetries so callers can tell "not present" apart from
// "unreachable network".
func (d *DHT) queryError(res *lookupResult) error {
	switch res.reason {
	case query.Timeout:
		return &QueryError{Reason: "timeout", Err: ErrTimeout}
	case query.Cancelled:
		return &QueryError{Reason: "cancelled", Err: ErrCancelled}
	case query.NoMorePeers:
		for _, e := range res.errs {
			if netclient.IsMaxRetries(e) {
				return &QueryError{Reason: "max_retries", Err: ErrMaxRetries}
			}
		}
		return nil
	default:
		return nil
	}
}
