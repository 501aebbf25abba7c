// Package fsm holds the three coupled state machines of a work order —
// business lifecycle, execution progress, SLA compliance — and the composite
// invariant that ties business and execution states together.
//
// The tables are data; policy guards that couple the machines live in the
// validator, which consults these tables before accepting a transition.
package fsm

import "github.com/csdp/fsmcore/domain"

// businessTransitions maps business state -> event type -> next state.
var businessTransitions = map[domain.BusinessState]map[string]domain.BusinessState{
	domain.BusinessNew: {
		domain.EventWorkOrderAssigned:  domain.BusinessPlanned,
		domain.EventWorkOrderCancelled: domain.BusinessCancelled,
	},
	domain.BusinessPlanned: {
		domain.EventWorkStarted:        domain.BusinessInProgress,
		domain.EventWorkPaused:         domain.BusinessOnHold,
		domain.EventWorkOrderCancelled: domain.BusinessCancelled,
	},
	domain.BusinessInProgress: {
		domain.EventWorkPaused:    domain.BusinessOnHold,
		domain.EventWorkCompleted: domain.BusinessCompleted,
	},
	domain.BusinessOnHold: {
		domain.EventWorkResumed: domain.BusinessInProgress,
	},
	domain.BusinessCompleted: {
		domain.EventWorkOrderClosed: domain.BusinessClosed,
	},
}

// executionAllowed maps execution state -> set of events allowed in it.
var executionAllowed = map[domain.ExecutionState]map[string]struct{}{
	domain.ExecutionNotStarted: {
		domain.EventWorkDispatched: {},
		domain.EventWorkStarted:    {},
	},
	domain.ExecutionTravel: {
		domain.EventWorkArrivedOnSite: {},
		domain.EventWorkStarted:       {},
	},
	domain.ExecutionWork: {
		domain.EventWorkPaused:    {},
		domain.EventWorkCompleted: {},
	},
	domain.ExecutionWaitingParts: {
		domain.EventWorkResumed: {},
	},
	domain.ExecutionWaitingClient: {
		domain.EventWorkResumed: {},
	},
	domain.ExecutionFinished: {},
}

// slaTransitions maps SLA state -> event type -> next state.
var slaTransitions = map[domain.SLAState]map[string]domain.SLAState{
	domain.SLAInSLA: {
		domain.EventSLAAtRisk:   domain.SLAAtRisk,
		domain.EventSLABreached: domain.SLABreached,
	},
	domain.SLAAtRisk: {
		domain.EventSLARecovered: domain.SLAInSLA,
		domain.EventSLABreached:  domain.SLABreached,
	},
	domain.SLABreached: {
		domain.EventSLABreachAccepted: domain.SLAAcceptedBreach,
	},
}

// compositeAllowed maps each business state to the execution states it may
// legally coexist with.
var compositeAllowed = map[domain.BusinessState]map[domain.ExecutionState]struct{}{
	domain.BusinessNew: {
		domain.ExecutionNotStarted: {},
	},
	domain.BusinessPlanned: {
		domain.ExecutionNotStarted: {},
		domain.ExecutionTravel:     {},
	},
	domain.BusinessInProgress: {
		domain.ExecutionTravel:        {},
		domain.ExecutionWork:          {},
		domain.ExecutionWaitingParts:  {},
		domain.ExecutionWaitingClient: {},
	},
	domain.BusinessOnHold: {
		domain.ExecutionWork:          {},
		domain.ExecutionWaitingParts:  {},
		domain.ExecutionWaitingClient: {},
	},
	domain.BusinessCompleted: {
		domain.ExecutionFinished: {},
	},
	domain.BusinessClosed: {
		domain.ExecutionFinished:   {},
		domain.ExecutionNotStarted: {},
	},
	domain.BusinessCancelled: {
		domain.ExecutionFinished:   {},
		domain.ExecutionNotStarted: {},
	},
}

// BusinessTarget looks up the business transition for an event, returning
// the target state and whether the transition exists.
func BusinessTarget(state domain.BusinessState, eventType string) (domain.BusinessState, bool) {
	target, ok := businessTransitions[state][eventType]
	return target, ok
}

// ExecutionAllows reports whether the event is permitted in the given
// execution state.
func ExecutionAllows(state domain.ExecutionState, eventType string) bool {
	_, ok := executionAllowed[state][eventType]
	return ok
}

// SLATarget looks up the SLA transition for an event, returning the target
// state and whether the transition exists.
func SLATarget(state domain.SLAState, eventType string) (domain.SLAState, bool) {
	target, ok := slaTransitions[state][eventType]
	return target, ok
}

// CompositeOK reports whether the business/execution pair satisfies the
// composite invariant.
func CompositeOK(business domain.BusinessState, execution domain.ExecutionState) bool {
	_, ok := compositeAllowed[business][execution]
	return ok
}

// SLAStateForEvent maps an SLA event type to the state it establishes.
func SLAStateForEvent(eventType string) (domain.SLAState, bool) {
	switch eventType {
	case domain.EventSLAAtRisk:
		return domain.SLAAtRisk, true
	case domain.EventSLARecovered:
		return domain.SLAInSLA, true
	case domain.EventSLABreached:
		return domain.SLABreached, true
	case domain.EventSLABreachAccepted:
		return domain.SLAAcceptedBreach, true
	}
	return "", false
}
