package dht

import (
	"context"
	"time"

	process "github.com/jbenet/goprocess"
	processctx "github.com/jbenet/goprocess/context"
	"github.com/zeebo/errs"

	"github.com/libp2p/go-kad-dht-core/kbucket"
)

// rtRefreshQueryTimeout bounds any single FIND_NODE lookup issued by
// BootstrapRefresh (populate, self-walk, bucket refresh).
const rtRefreshQueryTimeout = time.Minute

// maxRefreshBuckets caps how many buckets a single refresh cycle walks,
// mirroring the reference's note that GenRandPeerID can't usefully target
// more than a handful of leading CPL bits anyway.
const maxRefreshBuckets = 16

// Bootstrap implements spec §4.6's Bootstrap(quick): dial the configured
// bootstrap peers and admit them to the routing table. If quick is false,
// also run the synchronous deep-populate step before returning. Either way,
// the periodic background refresh task is started at most once (idempotent
// across repeated Bootstrap calls), per the Open Question decision recorded
// in DESIGN.md.
func (d *DHT) Bootstrap(ctx context.Context, quick bool) error {
	if d.isClosed() {
		return ErrClosed
	}

	d.startBackgroundRefresh()

	dialErr := d.dialBootstrapPeers(ctx)

	if !quick {
		d.populate(ctx)
	}

	return dialErr
}

// dialBootstrapPeers connects to every configured bootstrap peer, admitting
// each as non-replaceable on success. Failures are aggregated with
// zeebo/errs.Group; a non-nil return means every peer failed.
func (d *DHT) dialBootstrapPeers(ctx context.Context) error {
	if len(d.cfg.bootstrapPeers) == 0 {
		return nil
	}

	var group errs.Group
	succeeded := 0
	for _, ai := range d.cfg.bootstrapPeers {
		if err := d.host.Connect(ctx, ai); err != nil {
			group.Add(err)
			continue
		}
		d.rt.TryAddPeer(ai.ID, true, false)
		succeeded++
	}

	if succeeded == 0 {
		return group.Err()
	}
	return nil
}

// populate implements spec §4.6's Populate step: one FIND_NODE lookup toward
// self (seeded with the known peers nearest to self, not a separate request
// to every peer in the routing table), then one random-key lookup to seed
// discovery by XOR geometry.
func (d *DHT) populate(ctx context.Context) {
	d.selfWalk(ctx)

	randTarget := kbucket.GenRandPeerID(kbucket.ConvertPeerID(d.self), 0)
	d.walkTarget(ctx, randTarget)
}

func (d *DHT) selfWalk(ctx context.Context) {
	target := kbucket.ConvertPeerID(d.self)
	d.walkTarget(ctx, target)
}

func (d *DHT) walkTarget(ctx context.Context, target kbucket.ID) {
	queryCtx, cancel := context.WithTimeout(ctx, rtRefreshQueryTimeout)
	defer cancel()
	if _, err := d.lookup(queryCtx, target); err != nil && queryCtx.Err() == nil {
		log.Debugf("refresh walk toward %x failed: %s", target, err)
	}
}

// startBackgroundRefresh starts the periodic refresh and liveness-sweep
// task at most once per DHT instance.
func (d *DHT) startBackgroundRefresh() {
	d.bootstrapOnce.Do(func() {
		if d.cfg.autoRefresh {
			d.proc.Go(d.refreshLoop)
		}
	})
}

func (d *DHT) refreshLoop(proc process.Process) {
	ctx := processctx.OnClosingContext(proc)
	ticker := time.NewTicker(d.cfg.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.livenessSweep(ctx)
			d.refreshBuckets(ctx)
			d.store.Sweep()
			d.providers.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// livenessSweep implements spec §4.6's ping-and-evict pass: every peer whose
// LastSuccessfulOutboundQueryAt is older than the grace period is pinged;
// failures evict it from the routing table.
func (d *DHT) livenessSweep(ctx context.Context) {
	grace := d.cfg.refreshInterval
	now := time.Now()
	for _, pi := range d.rt.ListPeerInfos() {
		if now.Sub(pi.LastSuccessfulOutboundQueryAt) <= grace {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, rtRefreshQueryTimeout)
		err := d.client.Ping(pingCtx, pi.PeerID)
		cancel()
		if err != nil {
			d.rt.RemovePeer(pi.PeerID)
			continue
		}
		d.rt.UpdateLastSuccessfulOutboundQuery(pi.PeerID, time.Now())
	}
}

// refreshBuckets walks every bucket whose last-refreshed-at predates the
// refresh interval, generating a random key inside that bucket's CPL region.
// Gap-filling: an empty bucket extends the walk to
// min(2*(cpl+1), maxRefreshBuckets) subsequent buckets before stopping.
func (d *DHT) refreshBuckets(ctx context.Context) {
	refreshedAt := d.rt.CplsForRefresh()
	limit := len(refreshedAt)
	if limit > maxRefreshBuckets {
		limit = maxRefreshBuckets
	}

	for cpl := 0; cpl < limit; cpl++ {
		if time.Since(refreshedAt[cpl]) <= d.cfg.refreshInterval {
			continue
		}

		target := kbucket.GenRandPeerID(kbucket.ConvertPeerID(d.self), cpl)
		d.walkTarget(ctx, target)
		d.rt.ResetCplRefreshedAt(cpl, time.Now())

		if d.rt.BucketLen(cpl) == 0 {
			extend := 2 * (cpl + 1)
			if extend > maxRefreshBuckets {
				extend = maxRefreshBuckets
			}
			for next := cpl + 1; next <= cpl+extend; next++ {
				d.walkTarget(ctx, kbucket.GenRandPeerID(kbucket.ConvertPeerID(d.self), next))
				d.rt.ResetCplRefreshedAt(next, time.Now())
			}
			return
		}
	}
}
