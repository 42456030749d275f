package crypto

import (
	"crypto/sha512"
	"encoding/hex"
)

// HashResultLen is the length in bytes of a HashResult.
const HashResultLen = sha512.Size256

// HashResult is the output of the protocol hash function, SHA-512/256.
type HashResult [HashResultLen]byte

// String returns the hex encoding of the hash.
func (h HashResult) String() string {
	return hex.EncodeToString(h[:])
}

// HashBuffer hashes the concatenation of the given byte slices with
// SHA-512/256.
func HashBuffer(chunks ...[]byte) HashResult {
	h := sha512.New512_256()
	for _, chunk := range chunks {
		h.Write(chunk)
	}
	var res HashResult
	copy(res[:], h.Sum(nil))
	return res
}
