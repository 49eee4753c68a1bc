// Package kadrecord implements the signed key/value records stored by the
// DHT's Datastore, their namespace-dispatched validation, and the built-in
// public-key, name-system, and generic validators described in spec §3/§9.
package kadrecord

import (
	"errors"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	record "github.com/libp2p/go-libp2p-record"
)

// Validator is the namespace validation+selection capability described in
// spec §9: given a record key and one or more candidate values, decide
// whether a value is acceptable and which of several candidates is best.
// It is the same contract as github.com/libp2p/go-libp2p-record.Validator —
// reused directly rather than re-declared, so that built-in validators
// below interoperate with anything already written against that package.
type Validator = record.Validator

// NamespacedValidator dispatches Validate/Select to a sub-validator chosen
// by a record key's "/<namespace>/<suffix>" prefix. Reused directly from
// go-libp2p-record.
type NamespacedValidator = record.NamespacedValidator

// ErrInvalidRecordKey is returned when a record key does not have the
// "/<namespace>/<suffix>" structure required for namespace dispatch.
var ErrInvalidRecordKey = errors.New("kadrecord: key does not have a namespace prefix")

// SplitKey splits a structured key "/<namespace>/<suffix>" into its two
// parts.
func SplitKey(key string) (namespace, suffix string, err error) {
	if len(key) == 0 || key[0] != '/' {
		return "", "", ErrInvalidRecordKey
	}
	parts := strings.SplitN(key[1:], "/", 2)
	if len(parts) != 2 {
		return "", "", ErrInvalidRecordKey
	}
	return parts[0], parts[1], nil
}

// Record is the signed key/value pair stored by the Datastore, per spec §3.
// Once stored, a Record is immutable; overwriting requires the new record
// to be selected "better" by the namespace Validator (see Datastore.Put).
type Record struct {
	Key          []byte
	Value        []byte
	Author       peer.ID
	Signature    []byte
	TimeReceived time.Time
}

// Signer produces a detached signature over a record's key||value, and
// VerifyFunc (validators.go) checks one. These are consumed narrowly, per spec §1: the core
// does not implement signing itself, it calls out to a supplied Signer
// (author side) or PublicKeyValidator's embedded key-material (verify
// side).
type Signer func(key, value []byte) ([]byte, error)

// MakeRecord constructs and signs a new Record for author using sign. A nil
// sign produces an unsigned record, for namespaces whose Validator doesn't
// check a signature (e.g. GenericValidator).
func MakeRecord(key, value []byte, author peer.ID, sign Signer) (*Record, error) {
	var sig []byte
	if sign != nil {
		s, err := sign(key, value)
		if err != nil {
			return nil, err
		}
		sig = s
	}
	return &Record{
		Key:          key,
		Value:        value,
		Author:       author,
		Signature:    sig,
		TimeReceived: time.Now(),
	}, nil
}
