// Package dhtstore implements the in-memory, TTL-bounded value-record
// datastore described in spec §3/§4.3 (GET_VALUE/PUT_VALUE paths): a map of
// record-key to signed Record, validated and selected by a namespace
// Validator on write.
package dhtstore

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/libp2p/go-kad-dht-core/kadrecord"
)

var log = logging.Logger("dhtstore")

type entry struct {
	rec       *kadrecord.Record
	expiresAt time.Time
}

// Datastore is an in-memory map of record key to signed Record. Records are
// immutable once stored; Put only overwrites an existing record when the
// namespace Validator's Select prefers the new one (spec §3).
type Datastore struct {
	mu  sync.RWMutex
	m   map[string]*entry
	ttl time.Duration
}

// New constructs an empty Datastore whose entries expire after ttl (spec
// §6.3 doesn't name a value-record TTL directly; it inherits MaxRecordAge
// from the ambient config — see dht package options).
func New(ttl time.Duration) *Datastore {
	return &Datastore{
		m:   make(map[string]*entry),
		ttl: ttl,
	}
}

// Put validates rec against validator and stores it under key, unless an
// existing unexpired record is present and validator.Select prefers it over
// rec — in which case Put is a silent no-op (not an error: "can't replace a
// newer value with an older value" is normal operation, not failure).
func (d *Datastore) Put(validator kadrecord.Validator, key string, rec *kadrecord.Record) error {
	if err := validator.Validate(key, rec.Value); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.m[key]; ok && !d.expired(existing) {
		if string(existing.rec.Value) == string(rec.Value) {
			return nil
		}
		idx, err := validator.Select(key, [][]byte{rec.Value, existing.rec.Value})
		if err != nil {
			return err
		}
		if idx != 0 {
			// existing record selected as better/newer: no-op, not an error.
			return nil
		}
	}

	d.m[key] = &entry{rec: rec, expiresAt: rec.TimeReceived.Add(d.ttl)}
	return nil
}

// Get returns the record stored under key, or (nil, false) if absent or
// expired. An expired entry found on Get is lazily purged.
func (d *Datastore) Get(key string) (*kadrecord.Record, bool) {
	d.mu.RLock()
	e, ok := d.m[key]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if d.expired(e) {
		d.mu.Lock()
		delete(d.m, key)
		d.mu.Unlock()
		return nil, false
	}
	return e.rec, true
}

func (d *Datastore) expired(e *entry) bool {
	return d.ttl > 0 && time.Now().After(e.expiresAt)
}

// Sweep purges every expired entry. Intended to be called periodically by
// the DHT's background sweeper task.
func (d *Datastore) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	purged := 0
	for k, e := range d.m {
		if d.expired(e) {
			delete(d.m, k)
			purged++
		}
	}
	if purged > 0 {
		log.Debugf("swept %d expired records", purged)
	}
	return purged
}

// Size returns the number of (possibly expired, not-yet-swept) entries.
func (d *Datastore) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.m)
}
