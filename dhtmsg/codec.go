package dhtmsg

import (
	"bufio"
	"errors"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-varint"
)

// MaxMessageSize bounds a single framed message, guarding against a
// malicious or corrupt length prefix driving an unbounded allocation.
const MaxMessageSize = 4 * 1024 * 1024

var (
	ErrMessageTooLarge = errors.New("dhtmsg: message exceeds MaxMessageSize")
	ErrUnknownType     = errors.New("dhtmsg: unknown message type on wire")
)

// ProtocolError wraps a failure to decode an already-fully-read message
// body, distinguishing "the bytes on the wire don't parse" from a
// transport-level read failure. netclient's retry classifier uses this
// distinction directly: per spec §4.4, a protocol decoding error is
// non-retryable, unlike a connection timeout or reset.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "dhtmsg: malformed message: " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }

// WriteMsg frames m with a varint length prefix and writes it to w, per the
// length-prefixed framing convention spec §6.1 calls for between dialed
// streams.
func WriteMsg(w io.Writer, m *Message) error {
	body := marshal(m)
	if len(body) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	lbuf := make([]byte, varint.UvarintSize(uint64(len(body))))
	varint.PutUvarint(lbuf, uint64(len(body)))
	if _, err := w.Write(lbuf); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadMsg reads one length-prefixed Message from r.
func ReadMsg(r *bufio.Reader) (*Message, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	msg, err := unmarshal(body)
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}
	return msg, nil
}

// field tags, written as a single leading presence byte (bitmask) so that
// absent optional fields (record, peer lists) cost nothing on the wire.
const (
	flagRecord        = 1 << 0
	flagCloserPeers   = 1 << 1
	flagProviderPeers = 1 << 2
)

func marshal(m *Message) []byte {
	var buf []byte

	buf = appendUvarint(buf, uint64(m.Type))
	buf = appendBytes(buf, m.Key)

	var flags byte
	if m.Record != nil {
		flags |= flagRecord
	}
	if len(m.CloserPeers) > 0 {
		flags |= flagCloserPeers
	}
	if len(m.ProviderPeers) > 0 {
		flags |= flagProviderPeers
	}
	buf = append(buf, flags)

	if m.Record != nil {
		buf = appendRecord(buf, m.Record)
	}
	if len(m.CloserPeers) > 0 {
		buf = appendPeerList(buf, m.CloserPeers)
	}
	if len(m.ProviderPeers) > 0 {
		buf = appendPeerList(buf, m.ProviderPeers)
	}
	return buf
}

func unmarshal(body []byte) (*Message, error) {
	r := &cursor{b: body}

	typ, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if typ > uint64(ADD_PROVIDER) {
		return nil, ErrUnknownType
	}

	key, err := r.bytes()
	if err != nil {
		return nil, err
	}

	flags, err := r.byte()
	if err != nil {
		return nil, err
	}

	m := &Message{Type: Type(typ), Key: key}

	if flags&flagRecord != 0 {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		m.Record = rec
	}
	if flags&flagCloserPeers != 0 {
		peers, err := r.peerList()
		if err != nil {
			return nil, err
		}
		m.CloserPeers = peers
	}
	if flags&flagProviderPeers != 0 {
		peers, err := r.peerList()
		if err != nil {
			return nil, err
		}
		m.ProviderPeers = peers
	}
	return m, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	tmp := make([]byte, varint.UvarintSize(v))
	varint.PutUvarint(tmp, v)
	return append(buf, tmp...)
}

func appendBytes(buf, b []byte) []byte {
	buf = appendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func appendPeerList(buf []byte, peers []WirePeer) []byte {
	buf = appendUvarint(buf, uint64(len(peers)))
	for _, p := range peers {
		buf = appendBytes(buf, []byte(p.ID))
		buf = append(buf, byte(p.Connection))
		buf = appendUvarint(buf, uint64(len(p.Addrs)))
		for _, a := range p.Addrs {
			buf = appendBytes(buf, a.Bytes())
		}
	}
	return buf
}

func appendRecord(buf []byte, rec *WireRecord) []byte {
	buf = appendBytes(buf, rec.Key)
	buf = appendBytes(buf, rec.Value)
	buf = appendBytes(buf, []byte(rec.Author))
	buf = appendBytes(buf, rec.Signature)
	buf = appendUvarint(buf, uint64(rec.TimeReceived.UnixNano()))
	return buf
}

// cursor is a small forward-only reader over an in-memory byte slice,
// mirroring the reader half of the varint-framed encoding above.
type cursor struct {
	b   []byte
	off int
}

func (c *cursor) ReadByte() (byte, error) {
	if c.off >= len(c.b) {
		return 0, io.ErrUnexpectedEOF
	}
	v := c.b[c.off]
	c.off++
	return v, nil
}

func (c *cursor) byte() (byte, error) {
	return c.ReadByte()
}

func (c *cursor) uvarint() (uint64, error) {
	return varint.ReadUvarint(c)
}

func (c *cursor) bytes() ([]byte, error) {
	n, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(c.off)+n > uint64(len(c.b)) {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, n)
	copy(out, c.b[c.off:c.off+int(n)])
	c.off += int(n)
	return out, nil
}

func (c *cursor) peerList() ([]WirePeer, error) {
	n, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	out := make([]WirePeer, 0, n)
	for i := uint64(0); i < n; i++ {
		idb, err := c.bytes()
		if err != nil {
			return nil, err
		}
		connb, err := c.byte()
		if err != nil {
			return nil, err
		}
		addrCount, err := c.uvarint()
		if err != nil {
			return nil, err
		}
		addrs := make([]ma.Multiaddr, 0, addrCount)
		for j := uint64(0); j < addrCount; j++ {
			ab, err := c.bytes()
			if err != nil {
				return nil, err
			}
			a, err := ma.NewMultiaddrBytes(ab)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, a)
		}
		out = append(out, WirePeer{
			ID:         peer.ID(idb),
			Addrs:      addrs,
			Connection: Connectedness(connb),
		})
	}
	return out, nil
}

func (c *cursor) record() (*WireRecord, error) {
	key, err := c.bytes()
	if err != nil {
		return nil, err
	}
	value, err := c.bytes()
	if err != nil {
		return nil, err
	}
	authorb, err := c.bytes()
	if err != nil {
		return nil, err
	}
	sig, err := c.bytes()
	if err != nil {
		return nil, err
	}
	nano, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	return &WireRecord{
		Key:          key,
		Value:        value,
		Author:       peer.ID(authorb),
		Signature:    sig,
		TimeReceived: time.Unix(0, int64(nano)),
	}, nil
}
