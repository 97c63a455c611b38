package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// PayloadHash returns the hex SHA-256 of the compacted payload, so payloads
// differing only in whitespace share a hash.
func PayloadHash(payload []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err == nil {
		payload = buf.Bytes()
	}
	h := sha256.Sum256(payload)
	return fmt.Sprintf("%x", h)
}
