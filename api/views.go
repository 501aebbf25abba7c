package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/csdp/fsmcore/domain"
	"github.com/csdp/fsmcore/store"
)

type workOrderView struct {
	WorkOrderID string `json:"work_order_id"`
	ClientID    string `json:"client_id"`
	AssetID     string `json:"asset_id"`
	Priority    string `json:"priority"`
	WorkType    string `json:"work_type"`

	BusinessState  string `json:"business_state"`
	ExecutionState string `json:"execution_state"`
	SLAState       string `json:"sla_state"`

	AssignedEngineerID string  `json:"assigned_engineer_id,omitempty"`
	AssignedTeamID     string  `json:"assigned_team_id,omitempty"`
	ScheduledStart     *string `json:"scheduled_start,omitempty"`
	ScheduledEnd       *string `json:"scheduled_end,omitempty"`

	ActualStartReported  *string `json:"actual_start_reported,omitempty"`
	ActualEndReported    *string `json:"actual_end_reported,omitempty"`
	ActualStartEffective *string `json:"actual_start_effective,omitempty"`
	ActualEndEffective   *string `json:"actual_end_effective,omitempty"`
	DowntimeMinutes      *int64  `json:"downtime_minutes,omitempty"`

	LastEventID uuid.UUID `json:"last_event_id"`
	LastEventAt string    `json:"last_event_at"`
	Version     int64     `json:"version"`
}

func workOrderToView(wo *domain.WorkOrder) workOrderView {
	return workOrderView{
		WorkOrderID:          wo.WorkOrderID,
		ClientID:             wo.ClientID,
		AssetID:              wo.AssetID,
		Priority:             string(wo.Priority),
		WorkType:             wo.WorkType,
		BusinessState:        string(wo.BusinessState),
		ExecutionState:       string(wo.ExecutionState),
		SLAState:             string(wo.SLAState),
		AssignedEngineerID:   wo.AssignedEngineerID,
		AssignedTeamID:       wo.AssignedTeamID,
		ScheduledStart:       timeString(wo.ScheduledStart),
		ScheduledEnd:         timeString(wo.ScheduledEnd),
		ActualStartReported:  timeString(wo.ActualStartReported),
		ActualEndReported:    timeString(wo.ActualEndReported),
		ActualStartEffective: timeString(wo.ActualStartEffective),
		ActualEndEffective:   timeString(wo.ActualEndEffective),
		DowntimeMinutes:      wo.DowntimeMinutes,
		LastEventID:          wo.LastEventID,
		LastEventAt:          wo.LastEventAt.UTC().Format(time.RFC3339Nano),
		Version:              wo.Version,
	}
}

type timelineView struct {
	EventID         uuid.UUID      `json:"event_id"`
	EventType       string         `json:"event_type"`
	CreatedAtSystem string         `json:"created_at_system"`
	CreatedBy       string         `json:"created_by,omitempty"`
	Payload         map[string]any `json:"payload"`
}

func timelineToView(entry *domain.TimelineEntry) timelineView {
	return timelineView{
		EventID:         entry.EventID,
		EventType:       entry.EventType,
		CreatedAtSystem: entry.CreatedAtSystem.UTC().Format(time.RFC3339Nano),
		CreatedBy:       entry.CreatedBy,
		Payload:         entry.Payload,
	}
}

type partView struct {
	PartID       string `json:"part_id"`
	ReservedQty  float64 `json:"reserved_qty"`
	InstalledQty float64 `json:"installed_qty"`
	ConsumedQty  float64 `json:"consumed_qty"`
	LastEventAt  string  `json:"last_event_at"`
}

func partToView(line *domain.PartLine) partView {
	return partView{
		PartID:       line.PartID,
		ReservedQty:  line.ReservedQty,
		InstalledQty: line.InstalledQty,
		ConsumedQty:  line.ConsumedQty,
		LastEventAt:  line.LastEventAt.UTC().Format(time.RFC3339Nano),
	}
}

type evidenceView struct {
	EvidenceID   uuid.UUID      `json:"evidence_id"`
	EvidenceType string         `json:"evidence_type"`
	URL          string         `json:"url,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	CreatedAt    string         `json:"created_at"`
	CreatedBy    string         `json:"created_by,omitempty"`
}

func evidenceToView(ev *domain.Evidence) evidenceView {
	return evidenceView{
		EvidenceID:   ev.EvidenceID,
		EvidenceType: string(ev.EvidenceType),
		URL:          ev.URL,
		Meta:         ev.Meta,
		CreatedAt:    ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		CreatedBy:    ev.CreatedBy,
	}
}

type engineerView struct {
	EngineerID         string `json:"engineer_id"`
	Status             string `json:"status"`
	CurrentWorkOrderID string `json:"current_work_order_id,omitempty"`
	LastSeenAt         string `json:"last_seen_at"`
}

func engineerToView(slot *domain.EngineerSlot) engineerView {
	return engineerView{
		EngineerID:         slot.EngineerID,
		Status:             string(slot.Status),
		CurrentWorkOrderID: slot.CurrentWorkOrderID,
		LastSeenAt:         slot.LastSeenAt.UTC().Format(time.RFC3339Nano),
	}
}

type slaViewResponse struct {
	WorkOrderID        string  `json:"work_order_id"`
	ReactionDeadlineAt *string `json:"reaction_deadline_at"`
	RestoreDeadlineAt  *string `json:"restore_deadline_at"`
	State              string  `json:"state"`
	BreachedAt         *string `json:"breached_at,omitempty"`
	LastCalcAt         string  `json:"last_calc_at"`
}

func slaToView(view *domain.SLAView) slaViewResponse {
	return slaViewResponse{
		WorkOrderID:        view.WorkOrderID,
		ReactionDeadlineAt: timeString(view.ReactionDeadlineAt),
		RestoreDeadlineAt:  timeString(view.RestoreDeadlineAt),
		State:              string(view.State),
		BreachedAt:         timeString(view.BreachedAt),
		LastCalcAt:         view.LastCalcAt.UTC().Format(time.RFC3339Nano),
	}
}

type catalogItemView struct {
	Code      string         `json:"code"`
	Title     string         `json:"title"`
	IsActive  bool           `json:"is_active"`
	SortOrder int            `json:"sort_order"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func catalogToView(item *domain.CatalogItem) catalogItemView {
	return catalogItemView{
		Code:      item.Code,
		Title:     item.Title,
		IsActive:  item.IsActive,
		SortOrder: item.SortOrder,
		Meta:      item.Meta,
	}
}

type kpiRowView struct {
	Day                  string   `json:"day"`
	ClientID             string   `json:"client_id"`
	ReactionAvgMinutes   *float64 `json:"reaction_avg_minutes"`
	MTTRAvgMinutes       *float64 `json:"mttr_avg_minutes"`
	SLACompliancePercent *float64 `json:"sla_compliance_percent"`
	WorkOrdersTotal      int      `json:"work_orders_total"`
}

func kpiRowToView(row *store.KPIRow) kpiRowView {
	return kpiRowView{
		Day:                  row.Day.UTC().Format("2006-01-02"),
		ClientID:             row.ClientID,
		ReactionAvgMinutes:   row.ReactionAvgMinutes,
		MTTRAvgMinutes:       row.MTTRAvgMinutes,
		SLACompliancePercent: row.SLACompliancePercent,
		WorkOrdersTotal:      row.WorkOrdersTotal,
	}
}

func timeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}
