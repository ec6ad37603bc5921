// Package message defines the envelope format and the router used for all
// orchestrator-to-worker communication. Envelopes are immutable once created;
// the router owns a request envelope until delivery, the worker owns it until
// it produces the response envelope.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies a participant in the message exchange.
type Role string

const (
	RoleOrchestrator  Role = "orchestrator"
	RoleUnderstanding Role = "understanding"
	RoleSearch        Role = "search"
	RoleSynthesis     Role = "synthesis"
	RoleGrouping      Role = "grouping"
)

// WorkerRoles lists every role that runs as a worker (everything but the
// orchestrator itself).
func WorkerRoles() []Role {
	return []Role{RoleUnderstanding, RoleSearch, RoleSynthesis, RoleGrouping}
}

// Kind identifies the message variant carried by an envelope.
type Kind string

const (
	KindUnderstandRequest  Kind = "understand_request"
	KindUnderstandResponse Kind = "understand_response"
	KindSearchRequest      Kind = "search_request"
	KindSearchResponse     Kind = "search_response"
	KindSynthesizeRequest  Kind = "synthesize_request"
	KindSynthesizeResponse Kind = "synthesize_response"
	KindGroupRequest       Kind = "group_request"
	KindGroupResponse      Kind = "group_response"
	KindError              Kind = "error"
	KindHeartbeat          Kind = "heartbeat"
)

// Envelope is the unit exchanged between the orchestrator and workers.
type Envelope struct {
	ID            string
	Sender        Role
	Recipient     Role
	Kind          Kind
	Payload       Payload
	CorrelationID string
	CreatedAt     time.Time
}

// NewEnvelope creates a request envelope. The payload determines the kind.
func NewEnvelope(sender, recipient Role, payload Payload, correlationID string) Envelope {
	return Envelope{
		ID:            uuid.NewString(),
		Sender:        sender,
		Recipient:     recipient,
		Kind:          payload.Kind(),
		Payload:       payload,
		CorrelationID: correlationID,
		CreatedAt:     time.Now(),
	}
}

// Reply creates the response envelope for a request, preserving the
// correlation id and swapping sender and recipient.
func (e Envelope) Reply(payload Payload) Envelope {
	return Envelope{
		ID:            uuid.NewString(),
		Sender:        e.Recipient,
		Recipient:     e.Sender,
		Kind:          payload.Kind(),
		Payload:       payload,
		CorrelationID: e.CorrelationID,
		CreatedAt:     time.Now(),
	}
}
