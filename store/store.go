// Package store defines the persistence contracts of the ingestion core:
// the append-only event store and the projection store, both scoped to a
// transaction handed out by a DB. Implementations live in store/postgres
// (production) and store/memory (tests and the demo runner).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/csdp/fsmcore/domain"
)

// ErrNotFound is returned by lookups that find no row.
var ErrNotFound = errors.New("not found")

// DB hands out transactions. WithinEntityTx serializes concurrent calls for
// the same entity id; transactions for distinct entities may run in
// parallel. The function's error aborts the transaction.
type DB interface {
	WithinEntityTx(ctx context.Context, entityID string, fn func(tx Tx) error) error
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

// Tx is one transaction over both stores. All reads inside a transaction
// observe the writes made earlier in it.
type Tx interface {
	Events() EventStore
	Projections() ProjectionStore
	KPI() KPIStore
}

// EventStore is the append-only event log.
type EventStore interface {
	// Append inserts the event, assigning EventID and CreatedAtSystem on the
	// event. When the active idempotency key collides with a stored event,
	// the insert is rolled back to a savepoint and the prior event id is
	// returned with duplicate=true; the event argument is left unassigned.
	Append(ctx context.Context, ev *domain.Event) (uuid.UUID, bool, error)
	FetchByID(ctx context.Context, id uuid.UUID) (*domain.Event, error)
}

// WorkOrderUpdate is a partial update of the current-state projection. Nil
// fields are left untouched. Implementations bump version and last_event_at
// on every update.
type WorkOrderUpdate struct {
	BusinessState  *domain.BusinessState
	ExecutionState *domain.ExecutionState
	SLAState       *domain.SLAState

	AssignedEngineerID *string
	AssignedTeamID     *string
	ScheduledStart     *time.Time
	ScheduledEnd       *time.Time

	ActualStartReported  *time.Time
	ActualEndReported    *time.Time
	ActualStartEffective *time.Time
	ActualEndEffective   *time.Time
	DowntimeMinutes      *int64

	LastEventID uuid.UUID
}

// PartField selects which quantity a PART.* event accumulates.
type PartField string

const (
	PartReserved  PartField = "reserved_qty"
	PartInstalled PartField = "installed_qty"
	PartConsumed  PartField = "consumed_qty"
)

// WorkOrderFilter narrows ListWorkOrders. Cursor pages by work_order_id.
type WorkOrderFilter struct {
	BusinessState      domain.BusinessState
	AssignedEngineerID string
	AssetID            string
	Limit              int
	Cursor             string
}

// ProjectionStore reads and mutates the read models derived from the event
// log. Mutations are only invoked by the projection applier, inside the
// ingestion transaction.
type ProjectionStore interface {
	// WorkOrder returns the projection or ErrNotFound.
	WorkOrder(ctx context.Context, workOrderID string) (*domain.WorkOrder, error)
	InsertWorkOrder(ctx context.Context, ev *domain.Event, p *domain.CreatePayload) error
	UpdateWorkOrder(ctx context.Context, workOrderID string, u WorkOrderUpdate) error

	AppendTimeline(ctx context.Context, ev *domain.Event) error
	AccumulatePart(ctx context.Context, workOrderID, partID string, field PartField, qty float64) error
	InsertEvidence(ctx context.Context, ev *domain.Evidence) error
	UpsertEngineer(ctx context.Context, slot *domain.EngineerSlot) error

	SLAView(ctx context.Context, workOrderID string) (*domain.SLAView, error)
	// EnsureSLADeadlines upserts the SLA view, setting deadlines only where
	// they are still null (write-once).
	EnsureSLADeadlines(ctx context.Context, workOrderID string, reaction, restore time.Time) error
	SetSLAState(ctx context.Context, workOrderID string, state domain.SLAState) error
	// MarkSLABreached sets state=BREACHED and stamps breached_at unless it is
	// already set.
	MarkSLABreached(ctx context.Context, workOrderID string) error

	RefCodeActive(ctx context.Context, catalog, code string) (bool, error)
	// ContractByID returns the contract or ErrNotFound.
	ContractByID(ctx context.Context, contractID string) (*domain.Contract, error)

	ListWorkOrders(ctx context.Context, filter WorkOrderFilter) ([]domain.WorkOrder, error)
	Timeline(ctx context.Context, workOrderID string, limit int) ([]domain.TimelineEntry, error)
	Parts(ctx context.Context, workOrderID string) ([]domain.PartLine, error)
	Evidence(ctx context.Context, workOrderID string) ([]domain.Evidence, error)
	EngineerBoard(ctx context.Context) ([]domain.EngineerSlot, error)
	Catalog(ctx context.Context, catalog string, activeOnly bool) ([]domain.CatalogItem, error)
}

// KPIRow is one kpi_daily aggregate.
type KPIRow struct {
	Day                  time.Time
	ClientID             string
	ReactionAvgMinutes   *float64
	MTTRAvgMinutes       *float64
	SLACompliancePercent *float64
	WorkOrdersTotal      int
}

// KPIEvent is the slice of a stored event the KPI rebuild consumes.
type KPIEvent struct {
	EventType         string
	EntityID          string
	Payload           map[string]any
	CreatedAtSystem   time.Time
	CreatedAtReported *time.Time
}

// KPIStore backs the daily KPI rebuild batch and the KPI query.
type KPIStore interface {
	DeleteRange(ctx context.Context, from, to time.Time) error
	// FetchEvents returns lifecycle events in [from, to] by system date,
	// ordered by created_at_system.
	FetchEvents(ctx context.Context, from, to time.Time, eventTypes []string) ([]KPIEvent, error)
	// SLAStates returns the sla_view state per work order id.
	SLAStates(ctx context.Context, workOrderIDs []string) (map[string]domain.SLAState, error)
	InsertRows(ctx context.Context, rows []KPIRow) error
	ListRows(ctx context.Context, from, to *time.Time) ([]KPIRow, error)
}

// PartFieldFor maps a PART.* event type to the quantity it accumulates.
func PartFieldFor(eventType string) (PartField, bool) {
	switch eventType {
	case domain.EventPartReserved:
		return PartReserved, true
	case domain.EventPartInstalled:
		return PartInstalled, true
	case domain.EventPartConsumed:
		return PartConsumed, true
	}
	return "", false
}

// EvidenceTypeFor maps an EVIDENCE.* event type to the evidence type stored.
func EvidenceTypeFor(eventType string) (domain.EvidenceType, bool) {
	switch eventType {
	case domain.EventEvidencePhotoAdded:
		return domain.EvidencePhoto, true
	case domain.EventEvidenceDocumentAdded:
		return domain.EvidenceDocument, true
	case domain.EventEvidenceSignatureCaptured:
		return domain.EvidenceSignature, true
	}
	return "", false
}
