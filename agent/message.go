package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a message envelope.
type Kind string

const (
	KindDirect       Kind = "direct"
	KindBroadcast    Kind = "broadcast"
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindEvent        Kind = "event"
	KindCoordination Kind = "coordination"
)

// Envelope is the uniform wrapper for every message exchanged between
// agents. Envelope construction is pure: building one has no side effects
// and never fails.
type Envelope struct {
	// ID is a unique identifier for this envelope.
	ID string

	// Kind is the message classification.
	Kind Kind

	// Sender is the agent id (or external caller name) that produced the
	// message.
	Sender string

	// Payload is the message body, opaque to the runtime.
	Payload any

	// Timestamp records when the envelope was built.
	Timestamp time.Time

	// CorrelationRef pairs a request with its eventual response. Empty for
	// uncorrelated messages.
	CorrelationRef string
}

// NewEnvelope builds an envelope of an explicit kind.
func NewEnvelope(kind Kind, sender string, payload any) Envelope {
	return Envelope{
		ID:        uuid.New().String(),
		Kind:      kind,
		Sender:    sender,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Wrap builds an envelope around payload, classifying it by shape. Payloads
// that are already envelopes keep their kind.
func Wrap(sender string, payload any) Envelope {
	if env, ok := payload.(Envelope); ok {
		return env
	}
	return NewEnvelope(Classify(payload), sender, payload)
}

// Classify inspects the payload shape and picks a message kind. Maps are
// classified by well-known marker keys; anything unrecognized is a direct
// message.
func Classify(payload any) Kind {
	switch p := payload.(type) {
	case Envelope:
		return p.Kind
	case Task, *Task:
		return KindDirect
	case map[string]any:
		switch {
		case hasKey(p, "event_type"):
			return KindEvent
		case hasKey(p, "response_to"):
			return KindResponse
		case hasKey(p, "request"):
			return KindRequest
		case hasKey(p, "steps"):
			return KindCoordination
		case hasKey(p, "broadcast"):
			return KindBroadcast
		}
	}
	return KindDirect
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

// MarshalJSON emits the envelope wire shape used for logging and interop:
// {kind, sender, payload, timestamp, correlationRef?}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type wire struct {
		Kind           Kind      `json:"kind"`
		Sender         string    `json:"sender"`
		Payload        any       `json:"payload"`
		Timestamp      time.Time `json:"timestamp"`
		CorrelationRef string    `json:"correlationRef,omitempty"`
	}
	return json.Marshal(wire{
		Kind:           e.Kind,
		Sender:         e.Sender,
		Payload:        e.Payload,
		Timestamp:      e.Timestamp,
		CorrelationRef: e.CorrelationRef,
	})
}

// String returns a compact representation for log lines.
func (e Envelope) String() string {
	if e.CorrelationRef != "" {
		return fmt.Sprintf("Envelope{kind:%s, sender:%s, ref:%s}", e.Kind, e.Sender, e.CorrelationRef)
	}
	return fmt.Sprintf("Envelope{kind:%s, sender:%s}", e.Kind, e.Sender)
}
