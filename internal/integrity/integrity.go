// Package integrity provides tamper-evident hashing for the skill invocation
// audit trail. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// HashPayload produces a SHA-256 hex digest of a structured skill payload.
// Keys are visited in sorted order and each key/value is length-prefixed with
// a 4-byte big-endian header, so freeform values cannot collide across field
// boundaries. Values are canonicalized through encoding/json, which sorts
// nested map keys.
func HashPayload(payload map[string]any) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		writeField(k)
		b, err := json.Marshal(payload[k])
		if err != nil {
			// Unmarshalable values (channels, funcs) should never reach the
			// audit trail; fall back to a stable textual form.
			b = []byte(fmt.Sprintf("%v", payload[k]))
		}
		writeField(string(b))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyPayload checks whether a stored hash matches the recomputed hash.
func VerifyPayload(stored string, payload map[string]any) bool {
	return stored == HashPayload(payload)
}
