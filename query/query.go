// Package query implements the iterative alpha-parallel lookup described in
// spec §4.2: starting from a set of seed peers, repeatedly ask the closest
// unqueried peer for peers closer still, until the query converges or a
// caller-supplied success condition is met with enough independent
// confirmations (the resiliency parameter, beta).
package query

import (
	"context"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	todoctr "github.com/ipfs/go-todocounter"
	process "github.com/jbenet/goprocess"
	processctx "github.com/jbenet/goprocess/context"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/libp2p/go-kad-dht-core/kbucket"
	"github.com/libp2p/go-kad-dht-core/qpeerset"
)

var log = logging.Logger("query")

// StopReason explains why Run returned.
type StopReason int

const (
	// Success means queryFn reported enough independent confirmations.
	Success StopReason = iota
	// NoMorePeers means the query ran out of unqueried peers to try.
	NoMorePeers
	// Timeout means the context deadline elapsed.
	Timeout
	// Cancelled means the context was cancelled.
	Cancelled
)

func (r StopReason) String() string {
	switch r {
	case Success:
		return "success"
	case NoMorePeers:
		return "no more peers"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is what a Run produces: the reason the query stopped, the closest
// peers seen (regardless of state), and, on Success, the value the
// successful QueryFunc calls returned. Errors accumulates every per-peer
// failure QueryFunc returned during the run, in the order they were
// observed, so a caller whose lookup came up empty can still inspect why
// individual peers were unreachable (spec §7's "errors list").
type Result struct {
	Reason StopReason
	Peers  []peer.ID
	Value  interface{}
	Errors []error
}

// QueryResult is what a single peer visit returns to the engine.
type QueryResult struct {
	// CloserPeers are peers p claims are closer to the target.
	CloserPeers []peer.ID
	// Success, when true, counts as one of the Resiliency confirmations
	// needed to terminate the query early.
	Success bool
	// Value carries the success payload (a found record, a provider list);
	// only the first successful QueryResult's Value is kept.
	Value interface{}
}

// QueryFunc visits one peer during a lookup.
type QueryFunc func(ctx context.Context, p peer.ID) (*QueryResult, error)

// Config holds the alpha/beta lookup parameters from spec §6.3.
type Config struct {
	// Concurrency (alpha) bounds how many peers are queried in parallel.
	Concurrency int
	// Resiliency (beta) is how many independent successful confirmations
	// are required before a value-bearing lookup can stop early.
	Resiliency int
}

// Engine drives one iterative lookup toward a target key.
type Engine struct {
	target  kbucket.ID
	queryFn QueryFunc
	cfg     Config
}

// New constructs an Engine for a lookup toward target.
func New(target kbucket.ID, queryFn QueryFunc, cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.Resiliency <= 0 {
		cfg.Resiliency = 1
	}
	return &Engine{target: target, queryFn: queryFn, cfg: cfg}
}

type visitMsg struct {
	peer peer.ID
	res  *QueryResult
	err  error
}

// Run executes the lookup, seeded with the given peers (typically the
// caller's current NearestPeers to target).
func (e *Engine) Run(ctx context.Context, seeds []peer.ID) (*Result, error) {
	if len(seeds) == 0 {
		return nil, errors.New("query: no seed peers")
	}

	proc := processctx.WithContext(ctx)
	runCtx := processctx.OnClosingContext(proc)

	qp := qpeerset.New(e.target)
	for _, s := range seeds {
		qp.TryAdd(s, "")
	}

	var mu sync.Mutex
	var outstanding todoctr.Counter = todoctr.NewSyncCounter()
	results := make(chan visitMsg)

	successes := 0
	var value interface{}
	var errsList []error
	done := make(chan *Result, 1)

	proc.Go(func(_ process.Process) {
		for {
			mu.Lock()
			scheduled := e.scheduleMore(runCtx, qp, outstanding, results)
			waiting := qp.NumWaiting()
			mu.Unlock()

			if !scheduled && waiting == 0 {
				done <- &Result{Reason: NoMorePeers, Peers: qp.Closest(), Errors: errsList}
				return
			}

			select {
			case <-runCtx.Done():
				reason := Cancelled
				if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
					reason = Timeout
				}
				done <- &Result{Reason: reason, Peers: qp.Closest(), Errors: errsList}
				return
			case msg := <-results:
				mu.Lock()
				outstanding.Decrement(1)
				if msg.err != nil {
					qp.SetState(msg.peer, qpeerset.PeerUnreachable)
					errsList = append(errsList, msg.err)
				} else {
					qp.SetState(msg.peer, qpeerset.PeerQueried)
					for _, cp := range msg.res.CloserPeers {
						qp.TryAdd(cp, msg.peer)
					}
					if msg.res.Success {
						successes++
						if value == nil {
							value = msg.res.Value
						}
						if successes >= e.cfg.Resiliency {
							mu.Unlock()
							done <- &Result{Reason: Success, Peers: qp.Closest(), Value: value, Errors: errsList}
							return
						}
					}
				}
				mu.Unlock()
			}
		}
	})

	select {
	case res := <-done:
		proc.Close()
		return res, nil
	case <-ctx.Done():
		proc.Close()
		mu.Lock()
		res := &Result{Reason: Cancelled, Peers: qp.Closest(), Errors: errsList}
		mu.Unlock()
		return res, nil
	}
}

// scheduleMore dispatches queries for PeerHeard peers until Concurrency
// outstanding requests are in flight. Returns true if anything is either
// newly scheduled or already in flight.
func (e *Engine) scheduleMore(ctx context.Context, qp *qpeerset.QueryPeerset, outstanding todoctr.Counter, results chan<- visitMsg) bool {
	inFlight := qp.NumWaiting()
	heard := qp.GetClosestNInStates(e.cfg.Concurrency-inFlight, qpeerset.PeerHeard)

	for _, p := range heard {
		qp.SetState(p, qpeerset.PeerWaiting)
		outstanding.Increment(1)
		inFlight++
		go func(p peer.ID) {
			res, err := e.queryFn(ctx, p)
			select {
			case results <- visitMsg{peer: p, res: res, err: err}:
			case <-ctx.Done():
			}
		}(p)
	}
	return inFlight > 0
}
