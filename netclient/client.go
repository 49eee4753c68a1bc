// Package netclient implements the NetworkClient described in spec §4.4: the
// single place that dials peers, frames requests/responses on the wire
// protocol in dhtmsg, and applies the DHT's retry/backoff policy.
package netclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/zeebo/errs"

	"github.com/libp2p/go-kad-dht-core/dhtmsg"
)

var log = logging.Logger("netclient")

// Error is the error class for netclient, grouped with zeebo/errs the way
// the rest of the module aggregates multi-attempt dial failures.
var Error = errs.Class("netclient")

// Config holds the dial/retry parameters from spec §6.3's config table.
type Config struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// BackoffFactor is the exponential growth rate applied between retry
	// attempts (spec §6.3's retry_backoff_factor). Zero means 2.0.
	BackoffFactor float64
}

// DefaultConfig matches spec §6.3's defaults: three attempts in all (the
// first plus MaxRetries retries), a 500ms base backoff doubling up to 30s.
func DefaultConfig() Config {
	return Config{
		DialTimeout:    10 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxRetries:     2,
		BackoffBase:    500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

func (c Config) backoffFactor() float64 {
	if c.BackoffFactor <= 0 {
		return 2.0
	}
	return c.BackoffFactor
}

// Client is the NetworkClient: it owns no DHT state, only the capability to
// speak the wire protocol to a peer over the given libp2p host.
type Client struct {
	host     host.Host
	protocol protocol.ID
	cfg      Config
}

// New constructs a Client bound to h, speaking proto, governed by cfg.
func New(h host.Host, proto protocol.ID, cfg Config) *Client {
	return &Client{host: h, protocol: proto, cfg: cfg}
}

// Ping sends a PING and returns nil if a reply of the same type comes back.
func (c *Client) Ping(ctx context.Context, p peer.ID) error {
	_, err := c.roundTrip(ctx, p, &dhtmsg.Message{Type: dhtmsg.PING})
	return err
}

// FindNode asks p for the peers in its routing table closest to target.
func (c *Client) FindNode(ctx context.Context, p peer.ID, target []byte) ([]dhtmsg.WirePeer, error) {
	resp, err := c.roundTrip(ctx, p, &dhtmsg.Message{Type: dhtmsg.FIND_NODE, Key: target})
	if err != nil {
		return nil, err
	}
	return resp.CloserPeers, nil
}

// GetValue asks p for the record stored under key, plus closer peers to try
// next if p doesn't have it.
func (c *Client) GetValue(ctx context.Context, p peer.ID, key []byte) (*dhtmsg.WireRecord, []dhtmsg.WirePeer, error) {
	resp, err := c.roundTrip(ctx, p, &dhtmsg.Message{Type: dhtmsg.GET_VALUE, Key: key})
	if err != nil {
		return nil, nil, err
	}
	return resp.Record, resp.CloserPeers, nil
}

// PutValue asks p to store rec under key.
func (c *Client) PutValue(ctx context.Context, p peer.ID, key []byte, rec *dhtmsg.WireRecord) error {
	_, err := c.roundTrip(ctx, p, &dhtmsg.Message{Type: dhtmsg.PUT_VALUE, Key: key, Record: rec})
	return err
}

// GetProviders asks p for the providers it knows of cid, plus closer peers.
func (c *Client) GetProviders(ctx context.Context, p peer.ID, cid []byte) ([]dhtmsg.WirePeer, []dhtmsg.WirePeer, error) {
	resp, err := c.roundTrip(ctx, p, &dhtmsg.Message{Type: dhtmsg.GET_PROVIDERS, Key: cid})
	if err != nil {
		return nil, nil, err
	}
	return resp.ProviderPeers, resp.CloserPeers, nil
}

// AddProvider tells p that self (identified implicitly by the stream) provides
// cid, reachable at addrs. Per spec §4.3 this is fire-and-forget: the caller
// doesn't wait for or need a meaningful reply body, only confirmation the
// write succeeded.
func (c *Client) AddProvider(ctx context.Context, p peer.ID, cid []byte, self dhtmsg.WirePeer) error {
	req := &dhtmsg.Message{
		Type:          dhtmsg.ADD_PROVIDER,
		Key:           cid,
		ProviderPeers: []dhtmsg.WirePeer{self},
	}
	return c.send(ctx, p, req)
}

// roundTrip sends req to p and waits for a response, retrying transient
// network failures up to cfg.MaxRetries times with exponential backoff and
// jitter, per spec §4.4. A non-retryable error (protocol decoding failure)
// returns immediately on the first attempt it's seen.
func (c *Client) roundTrip(ctx context.Context, p peer.ID, req *dhtmsg.Message) (*dhtmsg.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffDuration(c.cfg, attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.attempt(ctx, p, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		log.Debugf("round trip to %s attempt %d failed: %s", p, attempt, err)
		if !isRetryable(err) {
			return nil, Error.Wrap(err)
		}
	}
	return nil, Error.Wrap(&MaxRetriesError{Attempts: c.cfg.MaxRetries + 1, Err: lastErr})
}

// MaxRetriesError reports that every retry attempt for a round trip was
// exhausted on a retryable error, per spec §4.4/§7's MaxRetries kind —
// distinguishing "every attempt to reach this peer failed" from an ordinary
// decode/protocol error, so callers above netclient can tell "not present"
// from "unreachable network" apart.
type MaxRetriesError struct {
	Attempts int
	Err      error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("netclient: exhausted %d attempts: %s", e.Attempts, e.Err)
}

func (e *MaxRetriesError) Unwrap() error { return e.Err }

// IsMaxRetries reports whether err (possibly wrapped, e.g. by Error.Wrap)
// originates from a round trip that exhausted every retry attempt.
func IsMaxRetries(err error) bool {
	var mr *MaxRetriesError
	return errors.As(err, &mr)
}

// backoffDuration computes spec §4.4's retry delay for the given attempt
// number (1-indexed): base * factor^(attempt-1), clamped to BackoffMax, with
// +/-20% uniform jitter.
func backoffDuration(cfg Config, attempt int) time.Duration {
	d := float64(cfg.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= cfg.backoffFactor()
	}
	max := float64(cfg.BackoffMax)
	if max > 0 && d > max {
		d = max
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2) // uniform in [0.8, 1.2)
	return time.Duration(d * jitter)
}

// isRetryable classifies err per spec §4.4: connection-closed/refused/
// reset, network-unreachable and stream timeouts are retried; a protocol
// decoding error (dhtmsg.ProtocolError) is not.
func isRetryable(err error) bool {
	var protoErr *dhtmsg.ProtocolError
	if errors.As(err, &protoErr) {
		return false
	}
	if errors.Is(err, dhtmsg.ErrMessageTooLarge) || errors.Is(err, dhtmsg.ErrUnknownType) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Anything else reaching here is a dial/stream-open/reset failure from
	// the host layer, not a decoding error — treat as transient per the
	// spec's binary retryable/non-retryable split.
	return true
}

// send is roundTrip without waiting for a reply, for fire-and-forget
// messages such as ADD_PROVIDER.
func (c *Client) send(ctx context.Context, p peer.ID, req *dhtmsg.Message) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	s, err := c.host.NewStream(dialCtx, p, c.protocol)
	if err != nil {
		return Error.Wrap(err)
	}
	defer s.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetWriteDeadline(dl)
	}
	w := bufio.NewWriter(s)
	if err := dhtmsg.WriteMsg(w, req); err != nil {
		_ = s.Reset()
		return Error.Wrap(err)
	}
	return w.Flush()
}

func (c *Client) attempt(ctx context.Context, p peer.ID, req *dhtmsg.Message) (*dhtmsg.Message, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer dialCancel()

	s, err := c.host.NewStream(dialCtx, p, c.protocol)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if dl, ok := reqCtx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	w := bufio.NewWriter(s)
	if err := dhtmsg.WriteMsg(w, req); err != nil {
		_ = s.Reset()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = s.Reset()
		return nil, err
	}

	resp, err := dhtmsg.ReadMsg(bufio.NewReader(s))
	if err != nil {
		_ = s.Reset()
		return nil, err
	}
	return resp, nil
}
