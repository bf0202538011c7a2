package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// GenesisHash is the previous-event-hash of the first event in any session:
// 64 ASCII '0' characters.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ProtocolVersion is the fixed protocol version string stamped on every event.
const ProtocolVersion = "1.0"

// PreHash carries every field the hash function consumes, in the fixed
// order §4.1 specifies. The event constructor in event.go builds one to set
// an event's hash; Event.Verify and ChainVerifier build one to recompute it.
type PreHash struct {
	ProtocolVersion string
	EventID         string
	TraceID         string
	SpanID          string
	ParentSpanID    string // empty string if absent
	SessionID       string
	Sequence        uint64
	Timestamp       string // RFC 3339, microsecond precision
	EventType       string
	Payload         interface{}
	PreviousHash    string
}

// Hash computes the normative event hash: lowercase hex SHA-256 over the
// fixed-order concatenation of every PreHash field, with the payload
// serialized through CanonicalJSON. This is the only function in the engine
// permitted to compute an event hash; every other component takes a
// precomputed hash as a dependency.
func Hash(p PreHash) (string, error) {
	canonPayload, err := CanonicalJSON(p.Payload)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(p.ProtocolVersion))
	h.Write([]byte(p.EventID))
	h.Write([]byte(p.TraceID))
	h.Write([]byte(p.SpanID))
	h.Write([]byte(p.ParentSpanID))
	h.Write([]byte(p.SessionID))
	h.Write([]byte(strconv.FormatUint(p.Sequence, 10)))
	h.Write([]byte(p.Timestamp))
	h.Write([]byte(p.EventType))
	h.Write([]byte(canonPayload))
	h.Write([]byte(p.PreviousHash))

	return hex.EncodeToString(h.Sum(nil)), nil
}
