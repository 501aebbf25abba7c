package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event-type names. The dotted prefix groups events into families:
// WORK_ORDER (lifecycle), WORK (execution), SLA (server signals),
// PART (material flow), EVIDENCE (attachments).
const (
	EventWorkOrderCreated   = "WORK_ORDER.CREATED"
	EventWorkOrderAssigned  = "WORK_ORDER.ASSIGNED"
	EventWorkOrderCancelled = "WORK_ORDER.CANCELLED"
	EventWorkOrderClosed    = "WORK_ORDER.CLOSED"

	EventWorkStarted       = "WORK.STARTED"
	EventWorkPaused        = "WORK.PAUSED"
	EventWorkResumed       = "WORK.RESUMED"
	EventWorkCompleted     = "WORK.COMPLETED"
	EventWorkDispatched    = "WORK.DISPATCHED"
	EventWorkArrivedOnSite = "WORK.ARRIVED_ON_SITE"

	EventSLAAtRisk         = "SLA.AT_RISK"
	EventSLARecovered      = "SLA.RECOVERED"
	EventSLABreached       = "SLA.BREACHED"
	EventSLABreachAccepted = "SLA.BREACH_ACCEPTED"

	EventPartReserved  = "PART.RESERVED"
	EventPartInstalled = "PART.INSTALLED"
	EventPartConsumed  = "PART.CONSUMED"

	EventEvidencePhotoAdded        = "EVIDENCE.PHOTO_ADDED"
	EventEvidenceDocumentAdded     = "EVIDENCE.DOCUMENT_ADDED"
	EventEvidenceSignatureCaptured = "EVIDENCE.SIGNATURE_CAPTURED"
)

// EntityTypeWorkOrder is the only entity type the core ingests.
const EntityTypeWorkOrder = "work_order"

// Source identifies the submission channel of an envelope.
type Source string

const (
	SourceWeb    Source = "web"
	SourceMobile Source = "mobile"
	SourceSystem Source = "system"
)

// IsSLAEvent reports whether the event type belongs to the SLA family.
func IsSLAEvent(eventType string) bool { return strings.HasPrefix(eventType, "SLA.") }

// IsPartEvent reports whether the event type belongs to the PART family.
func IsPartEvent(eventType string) bool { return strings.HasPrefix(eventType, "PART.") }

// IsEvidenceEvent reports whether the event type belongs to the EVIDENCE family.
func IsEvidenceEvent(eventType string) bool { return strings.HasPrefix(eventType, "EVIDENCE.") }

// Envelope is a submitted event before acceptance. Payload stays dynamic
// here; schema validation and DecodePayload turn it into a typed variant.
type Envelope struct {
	EventType         string         `json:"event_type"`
	EntityType        string         `json:"entity_type"`
	EntityID          string         `json:"entity_id"`
	Source            Source         `json:"source"`
	Payload           map[string]any `json:"payload"`
	CreatedAtReported string         `json:"created_at_reported,omitempty"`
	ClientEventID     string         `json:"client_event_id,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
	CausationID       string         `json:"causation_id,omitempty"`
	SchemaVersion     string         `json:"schema_version,omitempty"`
}

// AsMap returns the envelope as a generic document for schema validation.
func (e *Envelope) AsMap() map[string]any {
	doc := map[string]any{
		"event_type":  e.EventType,
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
		"source":      string(e.Source),
		"payload":     e.Payload,
	}
	if e.CreatedAtReported != "" {
		doc["created_at_reported"] = e.CreatedAtReported
	}
	if e.ClientEventID != "" {
		doc["client_event_id"] = e.ClientEventID
	}
	if e.IdempotencyKey != "" {
		doc["idempotency_key"] = e.IdempotencyKey
	}
	if e.CorrelationID != "" {
		doc["correlation_id"] = e.CorrelationID
	}
	if e.CausationID != "" {
		doc["causation_id"] = e.CausationID
	}
	if e.SchemaVersion != "" {
		doc["schema_version"] = e.SchemaVersion
	}
	return doc
}

// Event is an accepted, normalized event. EventID and CreatedAtSystem are
// assigned on append; EffectiveTime is assigned by the validator.
type Event struct {
	Envelope

	EventID         uuid.UUID
	EffectiveTime   time.Time
	CreatedAtSystem time.Time
	CreatedBy       string

	// Decoded is the typed payload variant for Envelope.Payload.
	Decoded Payload
}

// ReportedTime parses created_at_reported, promoting naive times to UTC.
// Returns the zero time when the field is absent or unparseable.
func (e *Envelope) ReportedTime() time.Time {
	t, _ := ParseTime(e.CreatedAtReported)
	return t
}

// ParseTime parses an RFC 3339 timestamp, accepting a missing zone offset by
// promoting the value to UTC. All pipeline comparisons happen in UTC.
func ParseTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
