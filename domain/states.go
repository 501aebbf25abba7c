// Package domain defines the core types of the work-order event pipeline:
// event envelopes, typed payloads, projection rows, actors, and decisions.
package domain

// BusinessState is the customer-visible lifecycle state of a work order.
type BusinessState string

const (
	BusinessNew        BusinessState = "NEW"
	BusinessPlanned    BusinessState = "PLANNED"
	BusinessInProgress BusinessState = "IN_PROGRESS"
	BusinessOnHold     BusinessState = "ON_HOLD"
	BusinessCompleted  BusinessState = "COMPLETED"
	BusinessClosed     BusinessState = "CLOSED"
	BusinessCancelled  BusinessState = "CANCELLED"
)

// ExecutionState is the field-progress state of a work order.
type ExecutionState string

const (
	ExecutionNotStarted    ExecutionState = "NOT_STARTED"
	ExecutionTravel        ExecutionState = "TRAVEL"
	ExecutionWork          ExecutionState = "WORK"
	ExecutionWaitingParts  ExecutionState = "WAITING_PARTS"
	ExecutionWaitingClient ExecutionState = "WAITING_CLIENT"
	ExecutionFinished      ExecutionState = "FINISHED"
)

// SLAState is the contractual time-compliance indicator.
type SLAState string

const (
	SLAInSLA          SLAState = "IN_SLA"
	SLAAtRisk         SLAState = "AT_RISK"
	SLABreached       SLAState = "BREACHED"
	SLAAcceptedBreach SLAState = "ACCEPTED_BREACH"
)

// Priority orders work orders by urgency and selects default SLA durations.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// EngineerStatus is the engineer-board status derived from execution state.
type EngineerStatus string

const (
	EngineerAvailable EngineerStatus = "AVAILABLE"
	EngineerTravel    EngineerStatus = "TRAVEL"
	EngineerWork      EngineerStatus = "WORK"
)

// EvidenceType classifies evidence attachments.
type EvidenceType string

const (
	EvidencePhoto     EvidenceType = "PHOTO"
	EvidenceDocument  EvidenceType = "DOCUMENT"
	EvidenceSignature EvidenceType = "SIGNATURE"
)
