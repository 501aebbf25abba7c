package applier

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csdp/fsmcore/domain"
	"github.com/csdp/fsmcore/store"
	"github.com/csdp/fsmcore/store/memory"
)

var testNow = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func newHarness() (*memory.DB, *Applier) {
	db := memory.New(memory.WithNow(func() time.Time { return testNow }))
	return db, New(func() time.Time { return testNow })
}

func event(t *testing.T, eventType, entityID string, payload map[string]any, effective time.Time) *domain.Event {
	t.Helper()
	decoded, err := domain.DecodePayload(eventType, payload)
	require.NoError(t, err)
	return &domain.Event{
		Envelope: domain.Envelope{
			EventType:  eventType,
			EntityType: domain.EntityTypeWorkOrder,
			EntityID:   entityID,
			Source:     domain.SourceWeb,
			Payload:    payload,
		},
		EventID:         uuid.New(),
		EffectiveTime:   effective,
		CreatedAtSystem: testNow,
		CreatedBy:       "actor-1",
		Decoded:         decoded,
	}
}

func apply(t *testing.T, db *memory.DB, a *Applier, ev *domain.Event) {
	t.Helper()
	err := db.WithinEntityTx(context.Background(), ev.EntityID, func(tx store.Tx) error {
		return a.Apply(context.Background(), tx.Projections(), ev)
	})
	require.NoError(t, err)
}

func fetchWorkOrder(t *testing.T, db *memory.DB, id string) *domain.WorkOrder {
	t.Helper()
	var wo *domain.WorkOrder
	require.NoError(t, db.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		wo, err = tx.Projections().WorkOrder(context.Background(), id)
		return err
	}))
	return wo
}

func fetchSLAView(t *testing.T, db *memory.DB, id string) *domain.SLAView {
	t.Helper()
	var view *domain.SLAView
	require.NoError(t, db.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		view, err = tx.Projections().SLAView(context.Background(), id)
		return err
	}))
	return view
}

func createWorkOrder(t *testing.T, db *memory.DB, a *Applier, id string, priority domain.Priority) {
	t.Helper()
	apply(t, db, a, event(t, domain.EventWorkOrderCreated, id, map[string]any{
		"client_id": "c-1", "asset_id": "a-1",
		"priority": string(priority), "type": "REPAIR",
	}, testNow))
}

func TestApplyCreate(t *testing.T) {
	db, a := newHarness()
	createWorkOrder(t, db, a, "wo-1", domain.PriorityHigh)

	wo := fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.BusinessNew, wo.BusinessState)
	assert.Equal(t, domain.ExecutionNotStarted, wo.ExecutionState)
	assert.Equal(t, domain.SLAInSLA, wo.SLAState)
	assert.Equal(t, int64(1), wo.Version)

	view := fetchSLAView(t, db, "wo-1")
	require.NotNil(t, view.ReactionDeadlineAt)
	require.NotNil(t, view.RestoreDeadlineAt)
	assert.Equal(t, testNow.Add(4*time.Hour), *view.ReactionDeadlineAt)
	assert.Equal(t, testNow.Add(16*time.Hour), *view.RestoreDeadlineAt)
}

func TestApplyCreateContractDeadlines(t *testing.T) {
	db, a := newHarness()
	db.SeedContract(domain.Contract{
		ContractID:      "ct-1",
		ClientID:        "c-1",
		IsActive:        true,
		ReactionMinutes: 60,
		RestoreMinutes:  240,
	})

	apply(t, db, a, event(t, domain.EventWorkOrderCreated, "wo-1", map[string]any{
		"client_id": "c-1", "asset_id": "a-1",
		"priority": "HIGH", "type": "REPAIR",
		"contract_id": "ct-1",
	}, testNow))

	// Contract windows win over the HIGH priority defaults.
	view := fetchSLAView(t, db, "wo-1")
	require.NotNil(t, view.ReactionDeadlineAt)
	require.NotNil(t, view.RestoreDeadlineAt)
	assert.Equal(t, testNow.Add(time.Hour), *view.ReactionDeadlineAt)
	assert.Equal(t, testNow.Add(4*time.Hour), *view.RestoreDeadlineAt)
}

func TestApplyAssignKeepsDeadlines(t *testing.T) {
	db, a := newHarness()
	createWorkOrder(t, db, a, "wo-1", domain.PriorityCritical)

	before := fetchSLAView(t, db, "wo-1")
	apply(t, db, a, event(t, domain.EventWorkOrderAssigned, "wo-1", map[string]any{
		"engineer_id":     "e-1",
		"scheduled_start": testNow.Add(24 * time.Hour).Format(time.RFC3339),
	}, testNow))

	wo := fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.BusinessPlanned, wo.BusinessState)
	assert.Equal(t, "e-1", wo.AssignedEngineerID)
	require.NotNil(t, wo.ScheduledStart)
	assert.Equal(t, int64(2), wo.Version)

	// Deadlines were derived on create and never recomputed.
	after := fetchSLAView(t, db, "wo-1")
	assert.Equal(t, *before.ReactionDeadlineAt, *after.ReactionDeadlineAt)
	assert.Equal(t, *before.RestoreDeadlineAt, *after.RestoreDeadlineAt)
}

func TestApplyExecutionFlow(t *testing.T) {
	db, a := newHarness()
	createWorkOrder(t, db, a, "wo-1", domain.PriorityHigh)
	apply(t, db, a, event(t, domain.EventWorkOrderAssigned, "wo-1", map[string]any{"engineer_id": "e-1"}, testNow))

	apply(t, db, a, event(t, domain.EventWorkDispatched, "wo-1", map[string]any{}, testNow))
	wo := fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.ExecutionTravel, wo.ExecutionState)

	apply(t, db, a, event(t, domain.EventWorkArrivedOnSite, "wo-1", map[string]any{}, testNow))
	wo = fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.ExecutionWork, wo.ExecutionState)

	apply(t, db, a, event(t, domain.EventWorkStarted, "wo-1", map[string]any{}, testNow))
	wo = fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.BusinessInProgress, wo.BusinessState)
	assert.Equal(t, domain.ExecutionWork, wo.ExecutionState)
	require.NotNil(t, wo.ActualStartEffective)
	assert.Equal(t, testNow, *wo.ActualStartEffective)

	apply(t, db, a, event(t, domain.EventWorkPaused, "wo-1", map[string]any{"reason_code": "PARTS"}, testNow))
	wo = fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.BusinessOnHold, wo.BusinessState)
	assert.Equal(t, domain.ExecutionWaitingParts, wo.ExecutionState)

	apply(t, db, a, event(t, domain.EventWorkResumed, "wo-1", map[string]any{}, testNow))
	wo = fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.BusinessInProgress, wo.BusinessState)
	assert.Equal(t, domain.ExecutionWork, wo.ExecutionState)
}

func TestApplyPauseReasonKeepsWork(t *testing.T) {
	db, a := newHarness()
	createWorkOrder(t, db, a, "wo-1", domain.PriorityHigh)
	apply(t, db, a, event(t, domain.EventWorkOrderAssigned, "wo-1", map[string]any{"engineer_id": "e-1"}, testNow))
	apply(t, db, a, event(t, domain.EventWorkStarted, "wo-1", map[string]any{}, testNow))

	apply(t, db, a, event(t, domain.EventWorkPaused, "wo-1", map[string]any{"reason_code": "WEATHER"}, testNow))
	wo := fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.BusinessOnHold, wo.BusinessState)
	assert.Equal(t, domain.ExecutionWork, wo.ExecutionState)
}

func TestApplyCompleteComputesDowntime(t *testing.T) {
	db, a := newHarness()
	createWorkOrder(t, db, a, "wo-1", domain.PriorityHigh)
	apply(t, db, a, event(t, domain.EventWorkOrderAssigned, "wo-1", map[string]any{"engineer_id": "e-1"}, testNow))
	apply(t, db, a, event(t, domain.EventWorkStarted, "wo-1", map[string]any{}, testNow))

	end := testNow.Add(95 * time.Minute)
	apply(t, db, a, event(t, domain.EventWorkCompleted, "wo-1", map[string]any{"work_summary": "done"}, end))

	wo := fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.BusinessCompleted, wo.BusinessState)
	assert.Equal(t, domain.ExecutionFinished, wo.ExecutionState)
	require.NotNil(t, wo.DowntimeMinutes)
	assert.Equal(t, int64(95), *wo.DowntimeMinutes)
	require.NotNil(t, wo.ActualEndEffective)
	assert.Equal(t, end, *wo.ActualEndEffective)
}

func TestApplyCompletePastRestoreDeadlineBreaches(t *testing.T) {
	db, a := newHarness()
	createWorkOrder(t, db, a, "wo-1", domain.PriorityCritical)
	apply(t, db, a, event(t, domain.EventWorkOrderAssigned, "wo-1", map[string]any{"engineer_id": "e-1"}, testNow))
	apply(t, db, a, event(t, domain.EventWorkStarted, "wo-1", map[string]any{}, testNow))

	// CRITICAL restore window is 8h; complete after 9h.
	apply(t, db, a, event(t, domain.EventWorkCompleted, "wo-1", map[string]any{}, testNow.Add(9*time.Hour)))

	view := fetchSLAView(t, db, "wo-1")
	assert.Equal(t, domain.SLABreached, view.State)
	assert.NotNil(t, view.BreachedAt)
}

func TestApplyStartPastReactionDeadlineBreaches(t *testing.T) {
	db, a := newHarness()
	createWorkOrder(t, db, a, "wo-1", domain.PriorityCritical)
	apply(t, db, a, event(t, domain.EventWorkOrderAssigned, "wo-1", map[string]any{"engineer_id": "e-1"}, testNow))

	// CRITICAL reaction window is 2h; start after 3h.
	apply(t, db, a, event(t, domain.EventWorkStarted, "wo-1", map[string]any{}, testNow.Add(3*time.Hour)))

	view := fetchSLAView(t, db, "wo-1")
	assert.Equal(t, domain.SLABreached, view.State)
}

func TestApplySLASignal(t *testing.T) {
	db, a := newHarness()
	createWorkOrder(t, db, a, "wo-1", domain.PriorityHigh)

	apply(t, db, a, event(t, domain.EventSLAAtRisk, "wo-1", map[string]any{}, testNow))

	wo := fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.SLAAtRisk, wo.SLAState)
	view := fetchSLAView(t, db, "wo-1")
	assert.Equal(t, domain.SLAAtRisk, view.State)
}

func TestApplyPartsAccumulate(t *testing.T) {
	db, a := newHarness()
	createWorkOrder(t, db, a, "wo-1", domain.PriorityHigh)

	apply(t, db, a, event(t, domain.EventPartReserved, "wo-1", map[string]any{"part_id": "p-1", "quantity": float64(3)}, testNow))
	apply(t, db, a, event(t, domain.EventPartReserved, "wo-1", map[string]any{"part_id": "p-1", "quantity": float64(2)}, testNow))
	apply(t, db, a, event(t, domain.EventPartInstalled, "wo-1", map[string]any{"part_id": "p-1", "quantity": float64(4)}, testNow))

	var parts []domain.PartLine
	require.NoError(t, db.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		parts, err = tx.Projections().Parts(context.Background(), "wo-1")
		return err
	}))
	require.Len(t, parts, 1)
	assert.Equal(t, float64(5), parts[0].ReservedQty)
	assert.Equal(t, float64(4), parts[0].InstalledQty)
	assert.Equal(t, float64(0), parts[0].ConsumedQty)
}

func TestApplyEvidence(t *testing.T) {
	db, a := newHarness()
	createWorkOrder(t, db, a, "wo-1", domain.PriorityHigh)

	apply(t, db, a, event(t, domain.EventEvidenceSignatureCaptured, "wo-1", map[string]any{
		"signature_url": "https://files/sig.png",
		"signed_by":     "client rep",
	}, testNow))

	var rows []domain.Evidence
	require.NoError(t, db.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		rows, err = tx.Projections().Evidence(context.Background(), "wo-1")
		return err
	}))
	require.Len(t, rows, 1)
	assert.Equal(t, domain.EvidenceSignature, rows[0].EvidenceType)
	assert.Equal(t, "https://files/sig.png", rows[0].URL)
	assert.Equal(t, "client rep", rows[0].Meta["signed_by"])
	assert.Equal(t, "actor-1", rows[0].CreatedBy)
}

func TestApplyEngineerBoard(t *testing.T) {
	db, a := newHarness()
	createWorkOrder(t, db, a, "wo-1", domain.PriorityHigh)
	apply(t, db, a, event(t, domain.EventWorkOrderAssigned, "wo-1", map[string]any{"engineer_id": "e-1"}, testNow))
	apply(t, db, a, event(t, domain.EventWorkDispatched, "wo-1", map[string]any{}, testNow))

	var board []domain.EngineerSlot
	require.NoError(t, db.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		board, err = tx.Projections().EngineerBoard(context.Background())
		return err
	}))
	require.Len(t, board, 1)
	assert.Equal(t, domain.EngineerTravel, board[0].Status)
	assert.Equal(t, "wo-1", board[0].CurrentWorkOrderID)
}

func TestApplyTimeline(t *testing.T) {
	db, a := newHarness()
	createWorkOrder(t, db, a, "wo-1", domain.PriorityHigh)
	apply(t, db, a, event(t, domain.EventWorkOrderAssigned, "wo-1", map[string]any{"engineer_id": "e-1"}, testNow))

	var timeline []domain.TimelineEntry
	require.NoError(t, db.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		timeline, err = tx.Projections().Timeline(context.Background(), "wo-1", 0)
		return err
	}))
	require.Len(t, timeline, 2)
	assert.Equal(t, domain.EventWorkOrderCreated, timeline[0].EventType)
	assert.Equal(t, domain.EventWorkOrderAssigned, timeline[1].EventType)
}

func TestSLADurations(t *testing.T) {
	tests := []struct {
		priority domain.Priority
		reaction time.Duration
		restore  time.Duration
	}{
		{domain.PriorityCritical, 2 * time.Hour, 8 * time.Hour},
		{domain.PriorityHigh, 4 * time.Hour, 16 * time.Hour},
		{domain.PriorityMedium, 8 * time.Hour, 48 * time.Hour},
		{domain.PriorityLow, 8 * time.Hour, 72 * time.Hour},
		{domain.Priority("UNKNOWN"), 8 * time.Hour, 72 * time.Hour},
	}
	for _, tt := range tests {
		reaction, restore := SLADurations(tt.priority)
		assert.Equal(t, tt.reaction, reaction, string(tt.priority))
		assert.Equal(t, tt.restore, restore, string(tt.priority))
	}
}

func TestEngineerStatusFor(t *testing.T) {
	assert.Equal(t, domain.EngineerTravel, EngineerStatusFor(domain.ExecutionTravel))
	assert.Equal(t, domain.EngineerWork, EngineerStatusFor(domain.ExecutionWork))
	assert.Equal(t, domain.EngineerWork, EngineerStatusFor(domain.ExecutionWaitingParts))
	assert.Equal(t, domain.EngineerWork, EngineerStatusFor(domain.ExecutionWaitingClient))
	assert.Equal(t, domain.EngineerAvailable, EngineerStatusFor(domain.ExecutionFinished))
	assert.Equal(t, domain.EngineerAvailable, EngineerStatusFor(domain.ExecutionNotStarted))
}
