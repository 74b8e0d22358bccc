package testutil

import (
	"crypto/sha1"
	"encoding/hex"
)

// SHA1Hex returns the hex SHA-1 digest of data, matching the content
// address format the blob store and revision ids both use.
func SHA1Hex(data []byte) string {
	h := sha1.Sum(data)
	return hex.EncodeToString(h[:])
}
