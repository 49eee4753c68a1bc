package kadrecord

import (
	"errors"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestSplitKey(t *testing.T) {
	ns, suffix, err := SplitKey("/pk/abc123")
	require.NoError(t, err)
	require.Equal(t, "pk", ns)
	require.Equal(t, "abc123", suffix)

	_, _, err = SplitKey("no-leading-slash")
	require.ErrorIs(t, err, ErrInvalidRecordKey)

	_, _, err = SplitKey("/onlynamespace")
	require.ErrorIs(t, err, ErrInvalidRecordKey)

	_, _, err = SplitKey("")
	require.ErrorIs(t, err, ErrInvalidRecordKey)
}

func TestMakeRecordSigned(t *testing.T) {
	called := false
	sign := func(key, value []byte) ([]byte, error) {
		called = true
		return []byte("sig-for-" + string(key)), nil
	}

	rec, err := MakeRecord([]byte("/pk/x"), []byte("val"), peer.ID("author"), sign)
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, []byte("sig-for-/pk/x"), rec.Signature)
	require.Equal(t, peer.ID("author"), rec.Author)
	require.False(t, rec.TimeReceived.IsZero())
}

func TestMakeRecordNilSignerProducesUnsigned(t *testing.T) {
	rec, err := MakeRecord([]byte("key"), []byte("val"), peer.ID("author"), nil)
	require.NoError(t, err)
	require.Nil(t, rec.Signature)
}

func TestMakeRecordPropagatesSignError(t *testing.T) {
	wantErr := errors.New("boom")
	sign := func(key, value []byte) ([]byte, error) { return nil, wantErr }

	_, err := MakeRecord([]byte("key"), []byte("val"), peer.ID("author"), sign)
	require.ErrorIs(t, err, wantErr)
}
