package boltstore

import "encoding/binary"

// Bucket name constants for bbolt storage.
var (
	bucketMeta    = []byte("meta")
	bucketClans   = []byte("clans")
	bucketMembers = []byte("members")
)

// Meta key constants.
var (
	keyVersion = []byte("version")
)

// schemaVersion is written to the meta bucket on first open.
const schemaVersion = 1

// intToKey converts an int to an 8-byte big-endian key.
func intToKey(n int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

// keyToInt converts an 8-byte big-endian key back to an int.
func keyToInt(b []byte) int {
	return int(binary.BigEndian.Uint64(b))
}
