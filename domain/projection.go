package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkOrder is the current-state projection of a work order, derived from
// the event log. Version increments on every applied event.
type WorkOrder struct {
	WorkOrderID string
	ClientID    string
	AssetID     string
	Priority    Priority
	WorkType    string

	BusinessState  BusinessState
	ExecutionState ExecutionState
	SLAState       SLAState

	AssignedEngineerID string
	AssignedTeamID     string
	ScheduledStart     *time.Time
	ScheduledEnd       *time.Time

	ActualStartReported  *time.Time
	ActualEndReported    *time.Time
	ActualStartEffective *time.Time
	ActualEndEffective   *time.Time
	DowntimeMinutes      *int64

	LastEventID uuid.UUID
	LastEventAt time.Time
	Version     int64
}

// SLAView carries the per-work-order SLA deadlines and compliance state.
// Deadlines are write-once: once set they are never overwritten.
type SLAView struct {
	WorkOrderID        string
	ReactionDeadlineAt *time.Time
	RestoreDeadlineAt  *time.Time
	State              SLAState
	BreachedAt         *time.Time
	LastCalcAt         time.Time
}

// TimelineEntry is one append-only timeline row.
type TimelineEntry struct {
	WorkOrderID     string
	EventID         uuid.UUID
	EventType       string
	CreatedAtSystem time.Time
	CreatedBy       string
	Payload         map[string]any
}

// PartLine accumulates part quantities per (work order, part).
type PartLine struct {
	WorkOrderID  string
	PartID       string
	ReservedQty  float64
	InstalledQty float64
	ConsumedQty  float64
	LastEventAt  time.Time
}

// Evidence is one append-only evidence row.
type Evidence struct {
	EvidenceID   uuid.UUID
	WorkOrderID  string
	EvidenceType EvidenceType
	URL          string
	Meta         map[string]any
	CreatedAt    time.Time
	CreatedBy    string
}

// EngineerSlot is the engineer-board row for one engineer.
type EngineerSlot struct {
	EngineerID         string
	Status             EngineerStatus
	CurrentWorkOrderID string
	LastSeenAt         time.Time
}

// CatalogItem is a reference-catalog row. The validator only consults
// active items.
type CatalogItem struct {
	Catalog   string
	Code      string
	Title     string
	IsActive  bool
	SortOrder int
	Meta      map[string]any
}

// Contract overrides priority-default SLA durations when referenced by a
// create event.
type Contract struct {
	ContractID      string
	ClientID        string
	IsActive        bool
	ActiveFrom      *time.Time
	ActiveTo        *time.Time
	ReactionMinutes int
	RestoreMinutes  int
}

// ActiveAt reports whether the contract is active and inside its validity
// window at the given instant.
func (c *Contract) ActiveAt(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.ActiveFrom != nil && c.ActiveFrom.After(now) {
		return false
	}
	if c.ActiveTo != nil && c.ActiveTo.Before(now) {
		return false
	}
	return true
}
