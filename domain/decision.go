package domain

import "github.com/google/uuid"

// DecisionKind is the outcome class of a validation or ingestion call.
type DecisionKind string

const (
	DecisionAccepted    DecisionKind = "ACCEPTED"
	DecisionRejected    DecisionKind = "REJECTED"
	DecisionNeedsReview DecisionKind = "NEEDS_REVIEW"
)

// Reason codes carried on decisions.
const (
	ReasonOK               = "OK"
	ReasonDuplicateIgnored = "DUPLICATE_IGNORED"

	ReasonPayloadMissing    = "ERR_PAYLOAD_MISSING"
	ReasonGuardFailed       = "ERR_GUARD_FAILED"
	ReasonSLAServerOnly     = "ERR_SLA_SERVER_ONLY"
	ReasonRBACDenied        = "ERR_RBAC_DENIED"
	ReasonInvalidTransition = "ERR_INVALID_TRANSITION"
	ReasonStateMismatch     = "ERR_STATE_MISMATCH"

	ReasonAmbiguousTime = "REV_AMBIGUOUS_TIME"
)

// Decision is the result of validating (and possibly ingesting) an envelope.
// Normalized is populated only on ACCEPTED and never serialized; EventID is
// set once the event has been appended.
type Decision struct {
	Decision   DecisionKind   `json:"decision"`
	ReasonCode string         `json:"reason_code"`
	EventID    uuid.UUID      `json:"event_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`

	Normalized *Event `json:"-"`
}

// Accepted reports whether the decision admits the event into the pipeline.
func (d Decision) Accepted() bool { return d.Decision == DecisionAccepted }

// Reject builds a REJECTED decision with the given reason code.
func Reject(reason string) Decision {
	return Decision{Decision: DecisionRejected, ReasonCode: reason}
}

// RejectWith builds a REJECTED decision carrying diagnostic details.
func RejectWith(reason string, details map[string]any) Decision {
	return Decision{Decision: DecisionRejected, ReasonCode: reason, Details: details}
}

// Accept builds an ACCEPTED decision wrapping the normalized event.
func Accept(ev *Event) Decision {
	return Decision{Decision: DecisionAccepted, ReasonCode: ReasonOK, Normalized: ev}
}
