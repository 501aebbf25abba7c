package domain

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed variant of an envelope payload. Concrete types carry
// the fields the pipeline acts on; fields the schema allows but the core does
// not interpret are preserved in Extra for forward compatibility.
type Payload interface {
	isPayload()
}

// CreatePayload is the payload of WORK_ORDER.CREATED.
type CreatePayload struct {
	ClientID    string
	AssetID     string
	Priority    Priority
	WorkType    string
	Description string
	ContractID  string
	Extra       map[string]any
}

// AssignPayload is the payload of WORK_ORDER.ASSIGNED.
type AssignPayload struct {
	EngineerID     string
	TeamID         string
	ScheduledStart string
	ScheduledEnd   string
	Extra          map[string]any
}

// StartPayload is the payload of WORK.STARTED.
type StartPayload struct {
	ActualStartReported string
	Comment             string
	Extra               map[string]any
}

// PausePayload is the payload of WORK.PAUSED.
type PausePayload struct {
	ReasonCode string
	Comment    string
	Extra      map[string]any
}

// CompletePayload is the payload of WORK.COMPLETED.
type CompletePayload struct {
	ActualEndReported string
	WorkSummary       string
	Symptoms          []string
	Causes            []string
	Actions           []string
	Extra             map[string]any
}

// CancelPayload is the payload of WORK_ORDER.CANCELLED.
type CancelPayload struct {
	ReasonCode string
	Comment    string
	Extra      map[string]any
}

// NotePayload covers the free-text events that carry no pipeline-relevant
// fields: WORK.RESUMED, WORK.DISPATCHED, WORK.ARRIVED_ON_SITE,
// WORK_ORDER.CLOSED and the SLA.* server signals.
type NotePayload struct {
	Comment string
	Extra   map[string]any
}

// PartPayload is the payload of the PART.* events.
type PartPayload struct {
	PartID   string
	Quantity float64
	Extra    map[string]any
}

// EvidencePayload is the payload of the EVIDENCE.* events. URL or
// SignatureURL carries the attachment location; everything else becomes meta.
type EvidencePayload struct {
	URL          string
	SignatureURL string
	Extra        map[string]any
}

func (*CreatePayload) isPayload()   {}
func (*AssignPayload) isPayload()   {}
func (*StartPayload) isPayload()    {}
func (*PausePayload) isPayload()    {}
func (*CompletePayload) isPayload() {}
func (*CancelPayload) isPayload()   {}
func (*NotePayload) isPayload()     {}
func (*PartPayload) isPayload()     {}
func (*EvidencePayload) isPayload() {}

// DecodePayload turns a schema-validated dynamic payload into its typed
// variant for the given event type. Unknown event types are an error; the
// schema registry rejects them before decoding is reached.
func DecodePayload(eventType string, raw map[string]any) (Payload, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	switch eventType {
	case EventWorkOrderCreated:
		return &CreatePayload{
			ClientID:    str(raw, "client_id"),
			AssetID:     str(raw, "asset_id"),
			Priority:    Priority(str(raw, "priority")),
			WorkType:    str(raw, "type"),
			Description: str(raw, "description"),
			ContractID:  str(raw, "contract_id"),
			Extra:       extra(raw, "client_id", "asset_id", "priority", "type", "description", "contract_id"),
		}, nil
	case EventWorkOrderAssigned:
		return &AssignPayload{
			EngineerID:     str(raw, "engineer_id"),
			TeamID:         str(raw, "team_id"),
			ScheduledStart: str(raw, "scheduled_start"),
			ScheduledEnd:   str(raw, "scheduled_end"),
			Extra:          extra(raw, "engineer_id", "team_id", "scheduled_start", "scheduled_end"),
		}, nil
	case EventWorkStarted:
		return &StartPayload{
			ActualStartReported: str(raw, "actual_start_reported"),
			Comment:             str(raw, "comment"),
			Extra:               extra(raw, "actual_start_reported", "comment"),
		}, nil
	case EventWorkPaused:
		return &PausePayload{
			ReasonCode: str(raw, "reason_code"),
			Comment:    str(raw, "comment"),
			Extra:      extra(raw, "reason_code", "comment"),
		}, nil
	case EventWorkCompleted:
		return &CompletePayload{
			ActualEndReported: str(raw, "actual_end_reported"),
			WorkSummary:       str(raw, "work_summary"),
			Symptoms:          strs(raw, "symptoms"),
			Causes:            strs(raw, "causes"),
			Actions:           strs(raw, "actions"),
			Extra:             extra(raw, "actual_end_reported", "work_summary", "symptoms", "causes", "actions"),
		}, nil
	case EventWorkOrderCancelled:
		return &CancelPayload{
			ReasonCode: str(raw, "reason_code"),
			Comment:    str(raw, "comment"),
			Extra:      extra(raw, "reason_code", "comment"),
		}, nil
	case EventWorkResumed, EventWorkDispatched, EventWorkArrivedOnSite, EventWorkOrderClosed,
		EventSLAAtRisk, EventSLARecovered, EventSLABreached, EventSLABreachAccepted:
		return &NotePayload{
			Comment: str(raw, "comment"),
			Extra:   extra(raw, "comment"),
		}, nil
	case EventPartReserved, EventPartInstalled, EventPartConsumed:
		return &PartPayload{
			PartID:   str(raw, "part_id"),
			Quantity: num(raw, "quantity"),
			Extra:    extra(raw, "part_id", "quantity"),
		}, nil
	case EventEvidencePhotoAdded, EventEvidenceDocumentAdded, EventEvidenceSignatureCaptured:
		return &EvidencePayload{
			URL:          str(raw, "url"),
			SignatureURL: str(raw, "signature_url"),
			Extra:        extra(raw, "url", "signature_url"),
		}, nil
	}
	return nil, fmt.Errorf("no payload variant for event type %q", eventType)
}

func str(raw map[string]any, key string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}

func strs(raw map[string]any, key string) []string {
	items, ok := raw[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func num(raw map[string]any, key string) float64 {
	switch v := raw[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func extra(raw map[string]any, known ...string) map[string]any {
	side := map[string]any{}
	for k, v := range raw {
		keep := true
		for _, name := range known {
			if k == name {
				keep = false
				break
			}
		}
		if keep {
			side[k] = v
		}
	}
	if len(side) == 0 {
		return nil
	}
	return side
}
