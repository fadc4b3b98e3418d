package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// RequestDigest is keccak256 over method, path, body and timestamp, each
// prefixed by its 4-byte big-endian length so no two requests collide by
// shifting bytes between fields.
func RequestDigest(method, path string, body []byte, timestamp string) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, part := range [][]byte{[]byte(method), []byte(path), body, []byte(timestamp)} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(part)))
		h.Write(n[:])
		h.Write(part)
	}
	return h.Sum(nil)
}
