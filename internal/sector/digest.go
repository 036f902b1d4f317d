package sector

import (
	"crypto/md5"
	"strconv"
)

// DigestFunc computes a fixed-width digest of a plaintext key. The width
// it returns MUST always equal the configured DigestSize; dpdb.Open
// validates this against the header's persisted digest size.
type DigestFunc func(key []byte) []byte

// MD5Digest is the default digest, selectable at file-creation time per
// the hash digest design (default: 128-bit MD5).
func MD5Digest(key []byte) []byte {
	sum := md5.Sum(key)
	return sum[:]
}

// EncodeIndexKey turns a sequence index into its key bytes: the decimal
// textual form, per the data model's definition of a key.
func EncodeIndexKey(i int64) []byte {
	return []byte(strconv.FormatInt(i, 10))
}
