package dhtstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/libp2p/go-kad-dht-core/kadrecord"
)

// longestWinsValidator prefers whichever candidate value is longer, so
// tests can exercise the datastore's "select decides whether to overwrite"
// path deterministically.
type longestWinsValidator struct{}

func (longestWinsValidator) Validate(key string, value []byte) error { return nil }

func (longestWinsValidator) Select(key string, values [][]byte) (int, error) {
	best := 0
	for i, v := range values {
		if len(v) > len(values[best]) {
			best = i
		}
	}
	return best, nil
}

func mkRecord(value string) *kadrecord.Record {
	rec, _ := kadrecord.MakeRecord([]byte("/v/k"), []byte(value), "author", nil)
	return rec
}

func TestPutThenGetRoundTrip(t *testing.T) {
	ds := New(time.Hour)
	require.NoError(t, ds.Put(kadrecord.GenericValidator{}, "/v/k", mkRecord("hello")))

	rec, ok := ds.Get("/v/k")
	require.True(t, ok)
	require.Equal(t, []byte("hello"), rec.Value)
}

func TestPutRejectsInvalidRecord(t *testing.T) {
	ds := New(time.Hour)
	err := ds.Put(kadrecord.GenericValidator{}, "/v/k", mkRecord(""))
	require.Error(t, err)
	_, ok := ds.Get("/v/k")
	require.False(t, ok)
}

func TestPutKeepsExistingWhenSelectedAsBetter(t *testing.T) {
	ds := New(time.Hour)
	v := longestWinsValidator{}

	require.NoError(t, ds.Put(v, "/v/k", mkRecord("longvalue")))
	require.NoError(t, ds.Put(v, "/v/k", mkRecord("x")))

	rec, ok := ds.Get("/v/k")
	require.True(t, ok)
	require.Equal(t, []byte("longvalue"), rec.Value, "a shorter incoming value loses to the existing longer one")
}

func TestPutOverwritesWhenNewRecordSelectedAsBetter(t *testing.T) {
	ds := New(time.Hour)
	v := longestWinsValidator{}

	require.NoError(t, ds.Put(v, "/v/k", mkRecord("short")))
	require.NoError(t, ds.Put(v, "/v/k", mkRecord("much-longer-value")))

	rec, ok := ds.Get("/v/k")
	require.True(t, ok)
	require.Equal(t, []byte("much-longer-value"), rec.Value)
}

func TestGetExpiresAfterTTL(t *testing.T) {
	ds := New(time.Millisecond)
	require.NoError(t, ds.Put(kadrecord.GenericValidator{}, "/v/k", mkRecord("hello")))
	time.Sleep(5 * time.Millisecond)

	_, ok := ds.Get("/v/k")
	require.False(t, ok)
	require.Equal(t, 0, ds.Size(), "a read past TTL lazily purges the entry")
}

func TestSweepPurgesExpiredEntries(t *testing.T) {
	ds := New(time.Millisecond)
	require.NoError(t, ds.Put(kadrecord.GenericValidator{}, "/v/a", mkRecord("1")))
	require.NoError(t, ds.Put(kadrecord.GenericValidator{}, "/v/b", mkRecord("2")))
	time.Sleep(5 * time.Millisecond)

	purged := ds.Sweep()
	require.Equal(t, 2, purged)
	require.Equal(t, 0, ds.Size())
}
