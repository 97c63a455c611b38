package queue

import (
	"bytes"
	"encoding/json"
)

// QueueItem is one pending outbound message. The payload is opaque JSON and
// travels under the host page's field name.
type QueueItem struct {
	Payload json.RawMessage `json:"mensaje"`
}

// Equal reports whether both items carry the same payload, ignoring
// insignificant whitespace.
func (i QueueItem) Equal(other QueueItem) bool {
	return bytes.Equal(compact(i.Payload), compact(other.Payload))
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// TriggerMessage asks the relay to start a drain pass. Tag is matched
// against the configured sync and periodic-sync tags.
type TriggerMessage struct {
	Tag    string `json:"tag"`
	Source string `json:"source,omitempty"`
}
