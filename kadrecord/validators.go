package kadrecord

import (
	"encoding/binary"
	"errors"

	record "github.com/libp2p/go-libp2p-record"
)

// PublicKeyValidator validates "/pk/<peer-id>" records: the value must be
// the public key whose hash equals the peer ID named in the key suffix.
// Reused directly from go-libp2p-record.
type PublicKeyValidator = record.PublicKeyValidator

// GenericValidator accepts any non-empty value and selects the first
// candidate, for namespaces that carry no application-level ordering (spec
// §9's "generic" built-in namespace). It exists so callers that don't need
// IPNS-style sequencing still get a well-defined Validator instead of
// reaching for PublicKeyValidator by accident.
type GenericValidator struct{}

// ErrEmptyValue is returned by GenericValidator.Validate for a zero-length
// value.
var ErrEmptyValue = errors.New("kadrecord: empty value")

// Validate implements Validator.
func (GenericValidator) Validate(key string, value []byte) error {
	if len(value) == 0 {
		return ErrEmptyValue
	}
	return nil
}

// Select implements Validator: the generic namespace has no ordering
// signal, so the first candidate wins (matching the "first accepted"
// tie-break used when a namespace doesn't otherwise distinguish records).
func (GenericValidator) Select(key string, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, errors.New("kadrecord: no candidates")
	}
	return 0, nil
}

// NameSystemEntry is the decoded form of a name-system ("/ns/<name>")
// record value: an 8-byte big-endian sequence number prefix followed by a
// detached signature and then opaque payload bytes (see
// EncodeNameSystemEntry for the exact layout).
type NameSystemEntry struct {
	Sequence uint64
	Payload  []byte
	Sig      []byte
}

// EncodeNameSystemEntry serializes e the way NameSystemValidator expects to
// read it back: seq(8 bytes BE) || sig-len(2 bytes BE) || sig || payload.
func EncodeNameSystemEntry(e NameSystemEntry) []byte {
	out := make([]byte, 8+2+len(e.Sig)+len(e.Payload))
	binary.BigEndian.PutUint64(out[0:8], e.Sequence)
	binary.BigEndian.PutUint16(out[8:10], uint16(len(e.Sig)))
	copy(out[10:10+len(e.Sig)], e.Sig)
	copy(out[10+len(e.Sig):], e.Payload)
	return out
}

func decodeNameSystemEntry(value []byte) (NameSystemEntry, error) {
	if len(value) < 10 {
		return NameSystemEntry{}, errors.New("kadrecord: name-system entry too short")
	}
	seq := binary.BigEndian.Uint64(value[0:8])
	sigLen := int(binary.BigEndian.Uint16(value[8:10]))
	if len(value) < 10+sigLen {
		return NameSystemEntry{}, errors.New("kadrecord: name-system entry truncated signature")
	}
	sig := value[10 : 10+sigLen]
	payload := value[10+sigLen:]
	return NameSystemEntry{Sequence: seq, Payload: payload, Sig: sig}, nil
}

// VerifyFunc checks a detached signature over (key, payload), returning an
// error if it doesn't verify. The DHT core never implements signature
// verification itself (spec §1 treats crypto primitives as an external
// collaborator); NameSystemValidator calls out to one.
type VerifyFunc func(key string, payload, sig []byte) error

// NameSystemValidator validates and selects "name-system" records —
// sequence-numbered, signed entries analogous to IPNS records, where
// "better" means strictly higher sequence number. There is no off-the-shelf
// go-ipns dependency in this module's retrieval pack, so this validator is
// implemented directly rather than wrapping one; see DESIGN.md.
type NameSystemValidator struct {
	Verify VerifyFunc
}

// Validate implements Validator: the entry must decode and its signature
// must verify against the supplied key and payload.
func (v NameSystemValidator) Validate(key string, value []byte) error {
	entry, err := decodeNameSystemEntry(value)
	if err != nil {
		return err
	}
	if v.Verify == nil {
		return errors.New("kadrecord: NameSystemValidator has no Verify func configured")
	}
	return v.Verify(key, entry.Payload, entry.Sig)
}

// Select implements Validator: the candidate with the highest sequence
// number wins; ties keep the first one seen.
func (v NameSystemValidator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestSeq uint64
	for i, val := range values {
		entry, err := decodeNameSystemEntry(val)
		if err != nil {
			continue
		}
		if best == -1 || entry.Sequence > bestSeq {
			best = i
			bestSeq = entry.Sequence
		}
	}
	if best == -1 {
		return 0, errors.New("kadrecord: no valid candidates")
	}
	return best, nil
}
