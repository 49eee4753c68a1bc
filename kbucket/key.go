package kbucket

import (
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	sha256simd "github.com/minio/sha256-simd"
)

// KeyLen is the length, in bytes, of a KademliaID. IDs are derived by
// hashing a peer.ID with SHA-256, giving a 256-bit XOR metric space.
const KeyLen = 32

// ID is a 256-bit Kademlia identifier. Two IDs are compared by the XOR
// metric: the distance between a and b is a^b, and "closer" means
// lexicographically smaller XOR distance.
type ID [KeyLen]byte

// ConvertPeerID derives the KademliaID for a peer by hashing its raw bytes
// with SHA-256. Using sha256-simd keeps this on the fast path for the
// volume of conversions a busy routing table performs.
func ConvertPeerID(p peer.ID) ID {
	return convertKey(string(p))
}

// ConvertKey derives the KademliaID for an arbitrary DHT key (a multihash,
// a provider content-id, or a record key) the same way ConvertPeerID does
// for peer identifiers: by hashing the raw bytes.
func ConvertKey(k string) ID {
	return convertKey(k)
}

func convertKey(s string) ID {
	return sha256simd.Sum256([]byte(s))
}

// IDFromBytes wraps an already-hashed 32-byte KademliaID (e.g. one received
// on the wire in a FIND_NODE request) without re-hashing it. Returns false
// if b is not exactly KeyLen bytes.
func IDFromBytes(b []byte) (ID, bool) {
	var out ID
	if len(b) != KeyLen {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

// CommonPrefixLen returns the number of leading bits shared by a and b —
// the bucket index a peer with KademliaID a belongs in, relative to a local
// peer with KademliaID b.
func CommonPrefixLen(a, b ID) int {
	return commonPrefixLen(a[:], b[:])
}

func commonPrefixLen(a, b []byte) int {
	cpl := 0
	for i := 0; i < len(a) && i < len(b); i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			cpl += 8
			continue
		}
		// count leading zero bits of x
		for x&0x80 == 0 {
			cpl++
			x <<= 1
		}
		break
	}
	return cpl
}

// xorDistance computes the XOR distance between a and b as a big-endian
// byte string, suitable for lexicographic comparison.
func xorDistance(a, b ID) []byte {
	out := make([]byte, KeyLen)
	for i := 0; i < KeyLen; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Less reports whether a is closer to target than b is, by the XOR metric.
// Exported for callers outside this package (query peer-set ordering,
// nearest-peer sorts) that need the same comparison the routing table uses.
func Less(target, a, b ID) bool {
	return lessDistance(target, a, b)
}

// less reports whether the distance from a to target is strictly less than
// the distance from b to target.
func lessDistance(target, a, b ID) bool {
	da := xorDistance(target, a)
	db := xorDistance(target, b)
	for i := 0; i < KeyLen; i++ {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false
}

// ConvertCID derives the KademliaID for a content-id the same way
// ConvertKey/ConvertPeerID do for other DHT keys: by hashing its raw bytes
// with sha256-simd, so a CID, a peer, and a record key all land in the same
// XOR metric space.
func ConvertCID(c cid.Cid) ID {
	return convertKey(string(c.Hash()))
}
