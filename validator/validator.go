// Package validator decides whether a submitted envelope may enter the event
// log. Layers run in a fixed order: envelope schema, payload schema, SLA
// source restriction, role rules, engineer binding, existence, time policy,
// catalog guards, then the state machines. The first failing layer decides.
package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/csdp/fsmcore/domain"
	"github.com/csdp/fsmcore/fsm"
	"github.com/csdp/fsmcore/schema"
	"github.com/csdp/fsmcore/store"
)

// Time policy bounds. Reported times further in the future than the skew
// allowance are rejected; mobile reports drifting more than the drift bound
// from server time are flagged for review.
const (
	maxFutureSkew  = 5 * time.Minute
	maxMobileDrift = 180 * time.Minute
)

// roleRules maps event type -> roles allowed to submit it. Event types
// absent from the table carry no role restriction.
var roleRules = map[string]map[domain.Role]struct{}{
	domain.EventWorkOrderCreated:   roles(domain.RoleDispatcher, domain.RoleAdmin, domain.RoleSystem),
	domain.EventWorkOrderAssigned:  roles(domain.RoleDispatcher, domain.RoleSystem, domain.RoleAdmin),
	domain.EventWorkOrderCancelled: roles(domain.RoleDispatcher, domain.RoleManager, domain.RoleAdmin),
	domain.EventWorkOrderClosed:    roles(domain.RoleDispatcher, domain.RoleEngineer, domain.RoleManager, domain.RoleAdmin, domain.RoleSystem),

	domain.EventWorkStarted:       roles(domain.RoleEngineer, domain.RoleDispatcher, domain.RoleAdmin),
	domain.EventWorkPaused:        roles(domain.RoleEngineer, domain.RoleDispatcher, domain.RoleAdmin),
	domain.EventWorkResumed:       roles(domain.RoleEngineer, domain.RoleDispatcher, domain.RoleAdmin),
	domain.EventWorkCompleted:     roles(domain.RoleEngineer, domain.RoleDispatcher, domain.RoleAdmin),
	domain.EventWorkDispatched:    roles(domain.RoleEngineer, domain.RoleDispatcher, domain.RoleAdmin),
	domain.EventWorkArrivedOnSite: roles(domain.RoleEngineer, domain.RoleDispatcher, domain.RoleAdmin),

	domain.EventPartReserved:  roles(domain.RoleDispatcher, domain.RoleAdmin, domain.RoleSystem),
	domain.EventPartInstalled: roles(domain.RoleEngineer, domain.RoleDispatcher, domain.RoleAdmin),
	domain.EventPartConsumed:  roles(domain.RoleDispatcher, domain.RoleAdmin, domain.RoleSystem),

	domain.EventEvidencePhotoAdded:        roles(domain.RoleEngineer, domain.RoleDispatcher, domain.RoleAdmin),
	domain.EventEvidenceDocumentAdded:     roles(domain.RoleEngineer, domain.RoleDispatcher, domain.RoleAdmin),
	domain.EventEvidenceSignatureCaptured: roles(domain.RoleEngineer, domain.RoleDispatcher, domain.RoleAdmin),
}

func roles(rs ...domain.Role) map[domain.Role]struct{} {
	set := make(map[domain.Role]struct{}, len(rs))
	for _, r := range rs {
		set[r] = struct{}{}
	}
	return set
}

// Snapshot is the read view the validator consults. The projection store of
// the ingestion transaction satisfies it, so validation sees the writes of
// earlier events in the same transaction.
type Snapshot interface {
	WorkOrder(ctx context.Context, workOrderID string) (*domain.WorkOrder, error)
	RefCodeActive(ctx context.Context, catalog, code string) (bool, error)
	ContractByID(ctx context.Context, contractID string) (*domain.Contract, error)
}

// Validator validates envelopes against the schema registry and the current
// projection state.
type Validator struct {
	schemas *schema.Registry
	now     func() time.Time
}

// New builds a Validator. now may be nil, in which case time.Now is used.
func New(schemas *schema.Registry, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{schemas: schemas, now: now}
}

// Validate runs all layers against the envelope. The returned error reports
// infrastructure failures only; every policy outcome, including rejections,
// arrives as a Decision.
func (v *Validator) Validate(ctx context.Context, snap Snapshot, env *domain.Envelope, actor domain.Actor) (domain.Decision, error) {
	if errs := v.schemas.ValidateEnvelope(env.AsMap()); len(errs) > 0 {
		return domain.RejectWith(domain.ReasonPayloadMissing, map[string]any{"errors": errs}), nil
	}

	payloadErrs, err := v.schemas.ValidatePayload(env.EventType, env.Payload)
	if err != nil {
		if errors.Is(err, schema.ErrUnknownEventType) {
			return domain.RejectWith(domain.ReasonGuardFailed, map[string]any{"error": err.Error()}), nil
		}
		return domain.Decision{}, fmt.Errorf("validate payload: %w", err)
	}
	if len(payloadErrs) > 0 {
		return domain.RejectWith(domain.ReasonPayloadMissing, map[string]any{"errors": payloadErrs}), nil
	}

	if domain.IsSLAEvent(env.EventType) && env.Source != domain.SourceSystem {
		return domain.Reject(domain.ReasonSLAServerOnly), nil
	}

	if allowed, restricted := roleRules[env.EventType]; restricted {
		if _, ok := allowed[actor.Role]; !ok {
			return domain.Reject(domain.ReasonRBACDenied), nil
		}
	}

	wo, err := v.fetchWorkOrder(ctx, snap, env.EntityID)
	if err != nil {
		return domain.Decision{}, err
	}

	// An engineer may only act on a work order bound to them.
	if actor.Role == domain.RoleEngineer && wo != nil {
		if wo.AssignedEngineerID == "" || wo.AssignedEngineerID != actor.ActorID {
			return domain.Reject(domain.ReasonRBACDenied), nil
		}
	}

	if env.EventType != domain.EventWorkOrderCreated && wo == nil {
		return domain.Reject(domain.ReasonInvalidTransition), nil
	}

	typed, err := domain.DecodePayload(env.EventType, env.Payload)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("decode payload: %w", err)
	}

	effective, timeDec := v.evalTimePolicy(env, typed, wo)
	if timeDec != nil {
		return *timeDec, nil
	}

	if dec, err := v.checkCatalogGuards(ctx, snap, env.EventType, typed); err != nil {
		return domain.Decision{}, err
	} else if dec != nil {
		return *dec, nil
	}

	if dec := validateTransitions(env.EventType, wo); dec != nil {
		return *dec, nil
	}

	ev := &domain.Event{
		Envelope:      *env,
		EffectiveTime: effective,
		CreatedBy:     actor.ActorID,
		Decoded:       typed,
	}
	return domain.Accept(ev), nil
}

func (v *Validator) fetchWorkOrder(ctx context.Context, snap Snapshot, workOrderID string) (*domain.WorkOrder, error) {
	wo, err := snap.WorkOrder(ctx, workOrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch projection: %w", err)
	}
	return wo, nil
}

// evalTimePolicy resolves the effective time of the event and enforces the
// skew and drift bounds. A nil decision means the time is acceptable.
func (v *Validator) evalTimePolicy(env *domain.Envelope, typed domain.Payload, wo *domain.WorkOrder) (time.Time, *domain.Decision) {
	now := v.now().UTC()

	reported := env.CreatedAtReported
	switch p := typed.(type) {
	case *domain.StartPayload:
		if p.ActualStartReported != "" {
			reported = p.ActualStartReported
		}
	case *domain.CompletePayload:
		if p.ActualEndReported != "" {
			reported = p.ActualEndReported
		}
	}

	tRep, haveRep := domain.ParseTime(reported)
	if haveRep && tRep.After(now.Add(maxFutureSkew)) {
		dec := domain.RejectWith(domain.ReasonGuardFailed, map[string]any{"reason": "future skew"})
		return time.Time{}, &dec
	}
	if haveRep && env.Source == domain.SourceMobile {
		drift := tRep.Sub(now)
		if drift < 0 {
			drift = -drift
		}
		if drift > maxMobileDrift {
			dec := domain.Decision{
				Decision:   domain.DecisionNeedsReview,
				ReasonCode: domain.ReasonAmbiguousTime,
				Details:    map[string]any{"effective_time": now.Format(time.RFC3339)},
			}
			return time.Time{}, &dec
		}
	}

	effective := now
	if haveRep {
		effective = tRep
	}

	if _, ok := typed.(*domain.CompletePayload); ok && wo != nil && wo.ActualStartEffective != nil {
		if effective.Before(*wo.ActualStartEffective) {
			dec := domain.RejectWith(domain.ReasonGuardFailed, map[string]any{"reason": "end before start"})
			return time.Time{}, &dec
		}
	}

	return effective, nil
}

// checkCatalogGuards validates payload codes against the reference catalogs
// and the contract referenced by a create event.
func (v *Validator) checkCatalogGuards(ctx context.Context, snap Snapshot, eventType string, typed domain.Payload) (*domain.Decision, error) {
	reject := func() *domain.Decision {
		dec := domain.Reject(domain.ReasonGuardFailed)
		return &dec
	}

	switch p := typed.(type) {
	case *domain.PausePayload:
		ok, err := snap.RefCodeActive(ctx, "WORK_PAUSE_REASON", p.ReasonCode)
		if err != nil {
			return nil, fmt.Errorf("check pause reason: %w", err)
		}
		if !ok {
			return reject(), nil
		}

	case *domain.CancelPayload:
		ok, err := snap.RefCodeActive(ctx, "CANCEL_REASON", p.ReasonCode)
		if err != nil {
			return nil, fmt.Errorf("check cancel reason: %w", err)
		}
		if !ok {
			return reject(), nil
		}

	case *domain.CompletePayload:
		for _, group := range []struct {
			catalog string
			codes   []string
		}{
			{"SYMPTOM", p.Symptoms},
			{"CAUSE", p.Causes},
			{"ACTION", p.Actions},
		} {
			for _, code := range group.codes {
				ok, err := snap.RefCodeActive(ctx, group.catalog, code)
				if err != nil {
					return nil, fmt.Errorf("check %s code: %w", group.catalog, err)
				}
				if !ok {
					return reject(), nil
				}
			}
		}

	case *domain.CreatePayload:
		if p.ContractID == "" {
			return nil, nil
		}
		contract, err := snap.ContractByID(ctx, p.ContractID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return reject(), nil
			}
			return nil, fmt.Errorf("fetch contract: %w", err)
		}
		if contract.ClientID != p.ClientID || !contract.ActiveAt(v.now().UTC()) {
			return reject(), nil
		}
	}
	return nil, nil
}

// validateTransitions checks the event against the three state machines and
// the composite invariant. A nil decision means the transition is legal.
// PART.* and EVIDENCE.* events do not transition any machine; they pass once
// the composite invariant holds.
func validateTransitions(eventType string, wo *domain.WorkOrder) *domain.Decision {
	reject := func(reason string) *domain.Decision {
		dec := domain.Reject(reason)
		return &dec
	}

	if eventType == domain.EventWorkOrderCreated {
		if wo != nil {
			return reject(domain.ReasonInvalidTransition)
		}
		return nil
	}

	if !fsm.CompositeOK(wo.BusinessState, wo.ExecutionState) {
		dec := domain.RejectWith(domain.ReasonStateMismatch, map[string]any{
			"business_state":  string(wo.BusinessState),
			"execution_state": string(wo.ExecutionState),
		})
		return &dec
	}

	if domain.IsSLAEvent(eventType) {
		if _, ok := fsm.SLATarget(wo.SLAState, eventType); !ok {
			return reject(domain.ReasonInvalidTransition)
		}
		return nil
	}

	if domain.IsPartEvent(eventType) || domain.IsEvidenceEvent(eventType) {
		return nil
	}

	if _, ok := fsm.BusinessTarget(wo.BusinessState, eventType); ok {
		if dec := checkCrossGuards(eventType, wo.BusinessState); dec != nil {
			return dec
		}
		return nil
	}

	if fsm.ExecutionAllows(wo.ExecutionState, eventType) {
		if dec := checkCrossGuards(eventType, wo.BusinessState); dec != nil {
			return dec
		}
		return nil
	}

	return reject(domain.ReasonInvalidTransition)
}

// checkCrossGuards couples execution events to the business states in which
// they are meaningful.
func checkCrossGuards(eventType string, business domain.BusinessState) *domain.Decision {
	bad := false
	switch eventType {
	case domain.EventWorkDispatched, domain.EventWorkArrivedOnSite:
		bad = business != domain.BusinessPlanned && business != domain.BusinessInProgress
	case domain.EventWorkStarted:
		bad = business != domain.BusinessPlanned
	case domain.EventWorkPaused:
		bad = business != domain.BusinessPlanned && business != domain.BusinessInProgress
	case domain.EventWorkResumed:
		bad = business != domain.BusinessOnHold
	case domain.EventWorkCompleted:
		bad = business != domain.BusinessInProgress
	}
	if bad {
		dec := domain.Reject(domain.ReasonInvalidTransition)
		return &dec
	}
	return nil
}
