package trace

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of TRACE event types, plus a "custom" escape
// hatch carrying a free string tag for subsystems the core only records
// events on behalf of (checkpoint dialogue, MCP glue, and similar external
// collaborators).
type EventType string

const (
	EventSessionStarted         EventType = "session.started"
	EventSessionEnded           EventType = "session.ended"
	EventCARPRequestReceived    EventType = "carp.request.received"
	EventCARPResolutionComplete EventType = "carp.resolution.completed"
	EventPolicyEvaluated        EventType = "policy.evaluated"
	EventContextInjected        EventType = "context.injected"
	EventActionRequested        EventType = "action.requested"
	EventActionApproved         EventType = "action.approved"
	EventActionDenied           EventType = "action.denied"
	EventActionExecuted         EventType = "action.executed"
	EventActionFailed           EventType = "action.failed"
	EventConstraintViolation    EventType = "constraint.violation"
	EventApprovalRequested      EventType = "approval.requested"
	EventApprovalReceived       EventType = "approval.received"
	EventStorageDegraded        EventType = "storage.degraded"
	EventTraceDroppedEvents     EventType = "trace.dropped_events"
	EventCustom                 EventType = "custom"
)

// Event is an immutable TRACE record. Field order here matches the hashing
// order in §4.1 so the struct doubles as documentation of PreHash's layout.
type Event struct {
	ProtocolVersion string      `json:"protocol_version"`
	EventID         string      `json:"event_id"`
	TraceID         string      `json:"trace_id"`
	SpanID          string      `json:"span_id"`
	ParentSpanID    string      `json:"parent_span_id,omitempty"`
	SessionID       string      `json:"session_id"`
	Sequence        uint64      `json:"sequence"`
	Timestamp       time.Time   `json:"timestamp"`
	EventType       EventType   `json:"event_type"`
	CustomType      string      `json:"custom_type,omitempty"`
	Payload         interface{} `json:"payload,omitempty"`
	EventHash       string      `json:"event_hash"`
	PreviousHash    string      `json:"previous_event_hash"`
}

// NewInput carries everything needed to construct an Event except the
// sequence and previous-hash, which the processor (or, in immediate mode,
// the collector) assigns from session state immediately before hashing.
type NewInput struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	SessionID    string
	EventType    EventType
	CustomType   string
	Payload      interface{}
}

// New constructs an immutable Event: every field except EventHash is
// populated, then Hash is computed and attached. now is converted to UTC and
// truncated to microsecond precision before it is stored and hashed.
func New(in NewInput, sequence uint64, previousHash string, now time.Time) (Event, error) {
	ev := Event{
		ProtocolVersion: ProtocolVersion,
		EventID:         uuid.New().String(),
		TraceID:         in.TraceID,
		SpanID:          in.SpanID,
		ParentSpanID:    in.ParentSpanID,
		SessionID:       in.SessionID,
		Sequence:        sequence,
		Timestamp:       now.UTC().Truncate(time.Microsecond),
		EventType:       in.EventType,
		CustomType:      in.CustomType,
		Payload:         in.Payload,
		PreviousHash:    previousHash,
	}

	hash, err := Hash(ev.preHash())
	if err != nil {
		return Event{}, err
	}
	ev.EventHash = hash
	return ev, nil
}

// preHash projects the event onto the fixed-order PreHash struct Hash consumes.
func (e Event) preHash() PreHash {
	typeTag := string(e.EventType)
	if e.EventType == EventCustom && e.CustomType != "" {
		typeTag = e.CustomType
	}
	return PreHash{
		ProtocolVersion: e.ProtocolVersion,
		EventID:         e.EventID,
		TraceID:         e.TraceID,
		SpanID:          e.SpanID,
		ParentSpanID:    e.ParentSpanID,
		SessionID:       e.SessionID,
		Sequence:        e.Sequence,
		Timestamp:       e.Timestamp.Format(rfc3339Micro),
		EventType:       typeTag,
		Payload:         e.Payload,
		PreviousHash:    e.PreviousHash,
	}
}

const rfc3339Micro = "2006-01-02T15:04:05.000000Z07:00"

// TimestampRFC3339 formats the event's timestamp the way it was hashed, for
// serialization and display.
func (e Event) TimestampRFC3339() string {
	return e.Timestamp.Format(rfc3339Micro)
}

// Verify recomputes this event's hash from its own fields and compares it
// against the stored EventHash, then checks that prev matches PreviousHash.
// It does not check sequence continuity; that is ChainVerifier's job across
// a whole session.
func (e Event) Verify(prev string) error {
	if e.PreviousHash != prev {
		return ErrPrevHashMismatch
	}
	recomputed, err := Hash(e.preHash())
	if err != nil {
		return err
	}
	if recomputed != e.EventHash {
		return ErrHashMismatch
	}
	return nil
}
