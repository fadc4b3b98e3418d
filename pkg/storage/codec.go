package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Values are JSON so the stored events are byte-compatible with what sinks
// publish and what the audit log file holds.
func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeJSON(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

func encodeUint64(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("uint64 value has %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
