// Package applier folds accepted events into the read models: the
// current-state projection, the timeline, part accumulations, evidence rows,
// the engineer board, and the SLA view. Applying is deterministic; replaying
// the same event sequence yields the same projections.
package applier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/csdp/fsmcore/domain"
	"github.com/csdp/fsmcore/fsm"
	"github.com/csdp/fsmcore/store"
)

// Applier mutates projections through a transaction's projection store.
type Applier struct {
	now func() time.Time
}

// New builds an Applier. now may be nil, in which case time.Now is used.
func New(now func() time.Time) *Applier {
	if now == nil {
		now = time.Now
	}
	return &Applier{now: now}
}

// Apply folds one accepted event into the projections. The event must carry
// EventID, CreatedAtSystem, EffectiveTime and a decoded payload, all assigned
// by the validator and the event store.
func (a *Applier) Apply(ctx context.Context, proj store.ProjectionStore, ev *domain.Event) error {
	typed := ev.Decoded
	if typed == nil {
		var err error
		typed, err = domain.DecodePayload(ev.EventType, ev.Payload)
		if err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}

	wo, err := fetch(ctx, proj, ev.EntityID)
	if err != nil {
		return err
	}

	switch p := typed.(type) {
	case *domain.CreatePayload:
		if err := proj.InsertWorkOrder(ctx, ev, p); err != nil {
			return err
		}
		if wo, err = fetch(ctx, proj, ev.EntityID); err != nil {
			return err
		}
		if wo != nil {
			if err := a.ensureSLADeadlines(ctx, proj, wo, ev, p.ContractID); err != nil {
				return err
			}
		}

	case *domain.AssignPayload:
		planned := domain.BusinessPlanned
		u := store.WorkOrderUpdate{
			LastEventID:        ev.EventID,
			BusinessState:      &planned,
			AssignedEngineerID: &p.EngineerID,
			AssignedTeamID:     &p.TeamID,
		}
		if t, ok := domain.ParseTime(p.ScheduledStart); ok {
			u.ScheduledStart = &t
		}
		if t, ok := domain.ParseTime(p.ScheduledEnd); ok {
			u.ScheduledEnd = &t
		}
		if err := proj.UpdateWorkOrder(ctx, ev.EntityID, u); err != nil {
			return err
		}
		if wo, err = fetch(ctx, proj, ev.EntityID); err != nil {
			return err
		}
		if wo != nil {
			if err := a.ensureSLADeadlines(ctx, proj, wo, ev, ""); err != nil {
				return err
			}
		}

	case *domain.StartPayload:
		inProgress := domain.BusinessInProgress
		u := store.WorkOrderUpdate{
			LastEventID:   ev.EventID,
			BusinessState: &inProgress,
		}
		if t, ok := domain.ParseTime(firstNonEmpty(p.ActualStartReported, ev.CreatedAtReported)); ok {
			u.ActualStartReported = &t
		}
		eff := ev.EffectiveTime
		u.ActualStartEffective = &eff
		if wo != nil && (wo.ExecutionState == domain.ExecutionNotStarted || wo.ExecutionState == domain.ExecutionTravel) {
			work := domain.ExecutionWork
			u.ExecutionState = &work
		}
		if err := proj.UpdateWorkOrder(ctx, ev.EntityID, u); err != nil {
			return err
		}
		if err := a.checkDeadline(ctx, proj, ev.EntityID, eff, reactionDeadline); err != nil {
			return err
		}

	case *domain.PausePayload:
		onHold := domain.BusinessOnHold
		u := store.WorkOrderUpdate{LastEventID: ev.EventID, BusinessState: &onHold}
		// Execution state flips only out of WORK, and only for the waiting
		// reasons; other pause reasons keep the engineer formally at work.
		if wo != nil && wo.ExecutionState == domain.ExecutionWork {
			switch p.ReasonCode {
			case "PARTS":
				waiting := domain.ExecutionWaitingParts
				u.ExecutionState = &waiting
			case "CLIENT":
				waiting := domain.ExecutionWaitingClient
				u.ExecutionState = &waiting
			}
		}
		if err := proj.UpdateWorkOrder(ctx, ev.EntityID, u); err != nil {
			return err
		}

	case *domain.CompletePayload:
		completed := domain.BusinessCompleted
		finished := domain.ExecutionFinished
		u := store.WorkOrderUpdate{
			LastEventID:    ev.EventID,
			BusinessState:  &completed,
			ExecutionState: &finished,
		}
		if t, ok := domain.ParseTime(firstNonEmpty(p.ActualEndReported, ev.CreatedAtReported)); ok {
			u.ActualEndReported = &t
		}
		eff := ev.EffectiveTime
		u.ActualEndEffective = &eff
		if wo != nil && wo.ActualStartEffective != nil {
			minutes := int64(eff.Sub(*wo.ActualStartEffective).Minutes())
			u.DowntimeMinutes = &minutes
		}
		if err := proj.UpdateWorkOrder(ctx, ev.EntityID, u); err != nil {
			return err
		}
		if err := a.checkDeadline(ctx, proj, ev.EntityID, eff, restoreDeadline); err != nil {
			return err
		}

	case *domain.CancelPayload:
		cancelled := domain.BusinessCancelled
		if err := proj.UpdateWorkOrder(ctx, ev.EntityID, store.WorkOrderUpdate{
			LastEventID:   ev.EventID,
			BusinessState: &cancelled,
		}); err != nil {
			return err
		}

	case *domain.PartPayload:
		field, ok := store.PartFieldFor(ev.EventType)
		if !ok {
			return fmt.Errorf("no part field for event type %q", ev.EventType)
		}
		if err := proj.AccumulatePart(ctx, ev.EntityID, p.PartID, field, p.Quantity); err != nil {
			return err
		}

	case *domain.EvidencePayload:
		if err := a.insertEvidence(ctx, proj, ev, p); err != nil {
			return err
		}

	case *domain.NotePayload:
		if err := a.applyNoteEvent(ctx, proj, ev, wo); err != nil {
			return err
		}
	}

	if err := proj.AppendTimeline(ctx, ev); err != nil {
		return err
	}

	wo, err = fetch(ctx, proj, ev.EntityID)
	if err != nil {
		return err
	}
	if wo != nil && wo.AssignedEngineerID != "" {
		if err := proj.UpsertEngineer(ctx, &domain.EngineerSlot{
			EngineerID:         wo.AssignedEngineerID,
			Status:             EngineerStatusFor(wo.ExecutionState),
			CurrentWorkOrderID: wo.WorkOrderID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// applyNoteEvent covers the events that share the free-text payload:
// dispatch and arrival move the execution machine, resume and close move the
// business machine, and the SLA signals move the SLA view.
func (a *Applier) applyNoteEvent(ctx context.Context, proj store.ProjectionStore, ev *domain.Event, wo *domain.WorkOrder) error {
	switch ev.EventType {
	case domain.EventWorkDispatched:
		if wo != nil && wo.ExecutionState == domain.ExecutionNotStarted {
			travel := domain.ExecutionTravel
			return proj.UpdateWorkOrder(ctx, ev.EntityID, store.WorkOrderUpdate{
				LastEventID:    ev.EventID,
				ExecutionState: &travel,
			})
		}

	case domain.EventWorkArrivedOnSite:
		if wo != nil && wo.ExecutionState == domain.ExecutionTravel {
			work := domain.ExecutionWork
			return proj.UpdateWorkOrder(ctx, ev.EntityID, store.WorkOrderUpdate{
				LastEventID:    ev.EventID,
				ExecutionState: &work,
			})
		}

	case domain.EventWorkResumed:
		inProgress := domain.BusinessInProgress
		work := domain.ExecutionWork
		return proj.UpdateWorkOrder(ctx, ev.EntityID, store.WorkOrderUpdate{
			LastEventID:    ev.EventID,
			BusinessState:  &inProgress,
			ExecutionState: &work,
		})

	case domain.EventWorkOrderClosed:
		closed := domain.BusinessClosed
		return proj.UpdateWorkOrder(ctx, ev.EntityID, store.WorkOrderUpdate{
			LastEventID:   ev.EventID,
			BusinessState: &closed,
		})

	default:
		if state, ok := fsm.SLAStateForEvent(ev.EventType); ok {
			if err := proj.UpdateWorkOrder(ctx, ev.EntityID, store.WorkOrderUpdate{
				LastEventID: ev.EventID,
				SLAState:    &state,
			}); err != nil {
				return err
			}
			return proj.SetSLAState(ctx, ev.EntityID, state)
		}
	}
	return nil
}

func (a *Applier) insertEvidence(ctx context.Context, proj store.ProjectionStore, ev *domain.Event, p *domain.EvidencePayload) error {
	evType, ok := store.EvidenceTypeFor(ev.EventType)
	if !ok {
		return fmt.Errorf("no evidence type for event type %q", ev.EventType)
	}
	meta := map[string]any{}
	for k, v := range ev.Payload {
		if k == "url" || k == "signature_url" {
			continue
		}
		meta[k] = v
	}
	return proj.InsertEvidence(ctx, &domain.Evidence{
		WorkOrderID:  ev.EntityID,
		EvidenceType: evType,
		URL:          firstNonEmpty(p.URL, p.SignatureURL),
		Meta:         meta,
		CreatedBy:    ev.CreatedBy,
	})
}

// ensureSLADeadlines derives the deadlines and upserts them write-once. The
// windows come from the referenced contract when it defines them, otherwise
// from the priority defaults. The base is scheduled_start when the work order
// has one, otherwise the system time of the event.
func (a *Applier) ensureSLADeadlines(ctx context.Context, proj store.ProjectionStore, wo *domain.WorkOrder, ev *domain.Event, contractID string) error {
	reaction, restore := SLADurations(wo.Priority)
	if contractID != "" {
		contract, err := proj.ContractByID(ctx, contractID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if contract != nil && contract.ReactionMinutes > 0 && contract.RestoreMinutes > 0 {
			reaction = time.Duration(contract.ReactionMinutes) * time.Minute
			restore = time.Duration(contract.RestoreMinutes) * time.Minute
		}
	}

	base := ev.CreatedAtSystem
	if wo.ScheduledStart != nil {
		base = *wo.ScheduledStart
	}
	if base.IsZero() {
		base = a.now().UTC()
	}
	return proj.EnsureSLADeadlines(ctx, wo.WorkOrderID, base.Add(reaction), base.Add(restore))
}

type deadlineKind int

const (
	reactionDeadline deadlineKind = iota
	restoreDeadline
)

// checkDeadline marks the SLA view breached when the effective time of a
// start or completion lands past the corresponding deadline.
func (a *Applier) checkDeadline(ctx context.Context, proj store.ProjectionStore, workOrderID string, effective time.Time, kind deadlineKind) error {
	if effective.IsZero() {
		return nil
	}
	view, err := proj.SLAView(ctx, workOrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	deadline := view.ReactionDeadlineAt
	if kind == restoreDeadline {
		deadline = view.RestoreDeadlineAt
	}
	if deadline == nil || !effective.After(*deadline) {
		return nil
	}
	return proj.MarkSLABreached(ctx, workOrderID)
}

// SLADurations returns the reaction and restore windows for a priority.
// Unknown priorities fall back to the LOW windows.
func SLADurations(priority domain.Priority) (reaction, restore time.Duration) {
	switch priority {
	case domain.PriorityCritical:
		return 2 * time.Hour, 8 * time.Hour
	case domain.PriorityHigh:
		return 4 * time.Hour, 16 * time.Hour
	case domain.PriorityMedium:
		return 8 * time.Hour, 48 * time.Hour
	default:
		return 8 * time.Hour, 72 * time.Hour
	}
}

// EngineerStatusFor maps an execution state to the engineer-board status.
func EngineerStatusFor(state domain.ExecutionState) domain.EngineerStatus {
	switch state {
	case domain.ExecutionTravel:
		return domain.EngineerTravel
	case domain.ExecutionWork, domain.ExecutionWaitingParts, domain.ExecutionWaitingClient:
		return domain.EngineerWork
	default:
		return domain.EngineerAvailable
	}
}

func fetch(ctx context.Context, proj store.ProjectionStore, workOrderID string) (*domain.WorkOrder, error) {
	wo, err := proj.WorkOrder(ctx, workOrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch projection: %w", err)
	}
	return wo, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
