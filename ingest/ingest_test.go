package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csdp/fsmcore/applier"
	"github.com/csdp/fsmcore/domain"
	"github.com/csdp/fsmcore/schema"
	"github.com/csdp/fsmcore/store"
	"github.com/csdp/fsmcore/store/memory"
	"github.com/csdp/fsmcore/validator"
)

var testNow = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

type capturingPublisher struct {
	events []*domain.Event
}

func (p *capturingPublisher) PublishAccepted(ctx context.Context, ev *domain.Event) error {
	p.events = append(p.events, ev)
	return nil
}

func newPipeline(t *testing.T) (*Orchestrator, *memory.DB, *capturingPublisher) {
	t.Helper()
	db := memory.New(memory.WithNow(func() time.Time { return testNow }))
	for _, item := range []domain.CatalogItem{
		{Catalog: "WORK_PAUSE_REASON", Code: "PARTS", IsActive: true},
		{Catalog: "WORK_PAUSE_REASON", Code: "CLIENT", IsActive: true},
		{Catalog: "CANCEL_REASON", Code: "DUPLICATE", IsActive: true},
		{Catalog: "SYMPTOM", Code: "NOISE", IsActive: true},
		{Catalog: "CAUSE", Code: "WEAR", IsActive: true},
		{Catalog: "ACTION", Code: "REPLACE", IsActive: true},
	} {
		db.SeedCatalogItem(item)
	}

	reg, err := schema.NewRegistry(nil)
	require.NoError(t, err)

	now := func() time.Time { return testNow }
	pub := &capturingPublisher{}
	orch := NewOrchestrator(db,
		validator.New(reg, now),
		applier.New(now),
		WithPublisher(pub))
	return orch, db, pub
}

func envelope(eventType, entityID string, payload map[string]any) *domain.Envelope {
	return &domain.Envelope{
		EventType:  eventType,
		EntityType: domain.EntityTypeWorkOrder,
		EntityID:   entityID,
		Source:     domain.SourceWeb,
		Payload:    payload,
	}
}

var (
	dispatcher = domain.Actor{Role: domain.RoleDispatcher, ActorID: "d-1"}
	engineer   = domain.Actor{Role: domain.RoleEngineer, ActorID: "e-1"}
)

func ingest(t *testing.T, orch *Orchestrator, env *domain.Envelope, actor domain.Actor) domain.Decision {
	t.Helper()
	dec, err := orch.Ingest(context.Background(), env, actor)
	require.NoError(t, err)
	return dec
}

func mustAccept(t *testing.T, orch *Orchestrator, env *domain.Envelope, actor domain.Actor) domain.Decision {
	t.Helper()
	dec := ingest(t, orch, env, actor)
	require.Equal(t, domain.DecisionAccepted, dec.Decision, "reason: %s details: %v", dec.ReasonCode, dec.Details)
	require.Equal(t, domain.ReasonOK, dec.ReasonCode)
	return dec
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

func timelineLen(t *testing.T, db *memory.DB, id string) int {
	t.Helper()
	var n int
	require.NoError(t, db.WithinTx(context.Background(), func(tx store.Tx) error {
		entries, err := tx.Projections().Timeline(context.Background(), id, 0)
		n = len(entries)
		return err
	}))
	return n
}

func TestIngestFullLifecycle(t *testing.T) {
	orch, db, pub := newPipeline(t)

	mustAccept(t, orch, envelope(domain.EventWorkOrderCreated, "wo-1", map[string]any{
		"client_id": "c-1", "asset_id": "a-1", "priority": "HIGH", "type": "REPAIR",
	}), dispatcher)
	mustAccept(t, orch, envelope(domain.EventWorkOrderAssigned, "wo-1", map[string]any{
		"engineer_id": "e-1",
	}), dispatcher)
	mustAccept(t, orch, envelope(domain.EventWorkStarted, "wo-1", map[string]any{}), engineer)
	mustAccept(t, orch, envelope(domain.EventWorkPaused, "wo-1", map[string]any{
		"reason_code": "PARTS",
	}), engineer)
	mustAccept(t, orch, envelope(domain.EventPartInstalled, "wo-1", map[string]any{
		"part_id": "p-1", "quantity": float64(1),
	}), engineer)
	mustAccept(t, orch, envelope(domain.EventWorkResumed, "wo-1", map[string]any{}), engineer)
	mustAccept(t, orch, envelope(domain.EventWorkCompleted, "wo-1", map[string]any{
		"work_summary": "replaced bearing",
		"symptoms":     []any{"NOISE"},
		"causes":       []any{"WEAR"},
		"actions":      []any{"REPLACE"},
	}), engineer)
	mustAccept(t, orch, envelope(domain.EventWorkOrderClosed, "wo-1", map[string]any{}), dispatcher)

	wo := fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.BusinessClosed, wo.BusinessState)
	assert.Equal(t, domain.ExecutionFinished, wo.ExecutionState)
	// The part event does not touch the current-state row.
	assert.Equal(t, int64(7), wo.Version)
	assert.Equal(t, 8, timelineLen(t, db, "wo-1"))
	assert.Len(t, pub.events, 8)

	require.NoError(t, db.WithinTx(context.Background(), func(tx store.Tx) error {
		board, err := tx.Projections().EngineerBoard(context.Background())
		require.NoError(t, err)
		require.Len(t, board, 1)
		assert.Equal(t, domain.EngineerAvailable, board[0].Status)
		return nil
	}))
}

func TestIngestDispatchThenStart(t *testing.T) {
	orch, db, _ := newPipeline(t)

	mustAccept(t, orch, envelope(domain.EventWorkOrderCreated, "wo-1", map[string]any{
		"client_id": "c-1", "asset_id": "a-1", "priority": "HIGH", "type": "REPAIR",
	}), dispatcher)
	mustAccept(t, orch, envelope(domain.EventWorkOrderAssigned, "wo-1", map[string]any{
		"engineer_id": "e-1",
	}), dispatcher)
	mustAccept(t, orch, envelope(domain.EventWorkDispatched, "wo-1", map[string]any{}), engineer)

	wo := fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.BusinessPlanned, wo.BusinessState)
	assert.Equal(t, domain.ExecutionTravel, wo.ExecutionState)

	mustAccept(t, orch, envelope(domain.EventWorkStarted, "wo-1", map[string]any{}), engineer)
	wo = fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.BusinessInProgress, wo.BusinessState)
	assert.Equal(t, domain.ExecutionWork, wo.ExecutionState)
}

func TestIngestInvalidClose(t *testing.T) {
	orch, _, _ := newPipeline(t)

	mustAccept(t, orch, envelope(domain.EventWorkOrderCreated, "wo-1", map[string]any{
		"client_id": "c-1", "asset_id": "a-1", "priority": "HIGH", "type": "REPAIR",
	}), dispatcher)
	mustAccept(t, orch, envelope(domain.EventWorkOrderAssigned, "wo-1", map[string]any{
		"engineer_id": "e-1",
	}), dispatcher)

	dec := ingest(t, orch, envelope(domain.EventWorkOrderClosed, "wo-1", map[string]any{}), dispatcher)
	assert.Equal(t, domain.DecisionRejected, dec.Decision)
	assert.Equal(t, domain.ReasonInvalidTransition, dec.ReasonCode)
}

func TestIngestDuplicateIgnored(t *testing.T) {
	orch, db, pub := newPipeline(t)

	env := envelope(domain.EventWorkOrderCreated, "wo-1", map[string]any{
		"client_id": "c-1", "asset_id": "a-1", "priority": "LOW", "type": "INSPECTION",
	})
	env.ClientEventID = "cli-1"
	first := mustAccept(t, orch, env, dispatcher)

	replay := envelope(domain.EventWorkOrderAssigned, "wo-1", map[string]any{"engineer_id": "e-1"})
	replay.ClientEventID = "cli-1"
	second := ingest(t, orch, replay, dispatcher)

	assert.Equal(t, domain.DecisionAccepted, second.Decision)
	assert.Equal(t, domain.ReasonDuplicateIgnored, second.ReasonCode)
	assert.Equal(t, first.EventID, second.EventID)

	// The duplicate changed nothing and was not re-announced.
	wo := fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.BusinessNew, wo.BusinessState)
	assert.Equal(t, int64(1), wo.Version)
	assert.Equal(t, 1, timelineLen(t, db, "wo-1"))
	assert.Len(t, pub.events, 1)
}

func TestIngestIdempotencyKeyHeader(t *testing.T) {
	orch, _, _ := newPipeline(t)

	env := envelope(domain.EventWorkOrderCreated, "wo-1", map[string]any{
		"client_id": "c-1", "asset_id": "a-1", "priority": "LOW", "type": "INSPECTION",
	})
	env.IdempotencyKey = "idem-1"
	first := mustAccept(t, orch, env, dispatcher)

	replay := envelope(domain.EventWorkOrderCreated, "wo-1", map[string]any{
		"client_id": "c-1", "asset_id": "a-1", "priority": "LOW", "type": "INSPECTION",
	})
	replay.IdempotencyKey = "idem-1"
	second := ingest(t, orch, replay, dispatcher)

	assert.Equal(t, domain.ReasonDuplicateIgnored, second.ReasonCode)
	assert.Equal(t, first.EventID, second.EventID)
}

func TestIngestRejectionLeavesNoTrace(t *testing.T) {
	orch, db, pub := newPipeline(t)

	mustAccept(t, orch, envelope(domain.EventWorkOrderCreated, "wo-1", map[string]any{
		"client_id": "c-1", "asset_id": "a-1", "priority": "HIGH", "type": "REPAIR",
	}), dispatcher)

	dec := ingest(t, orch, envelope(domain.EventWorkStarted, "wo-1", map[string]any{}), dispatcher)
	assert.Equal(t, domain.DecisionRejected, dec.Decision)
	assert.Equal(t, domain.ReasonInvalidTransition, dec.ReasonCode)

	wo := fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.BusinessNew, wo.BusinessState)
	assert.Equal(t, int64(1), wo.Version)
	assert.Equal(t, 1, timelineLen(t, db, "wo-1"))
	assert.Len(t, pub.events, 1)
}

func TestIngestEngineerBindingEnforced(t *testing.T) {
	orch, _, _ := newPipeline(t)

	mustAccept(t, orch, envelope(domain.EventWorkOrderCreated, "wo-1", map[string]any{
		"client_id": "c-1", "asset_id": "a-1", "priority": "HIGH", "type": "REPAIR",
	}), dispatcher)
	mustAccept(t, orch, envelope(domain.EventWorkOrderAssigned, "wo-1", map[string]any{
		"engineer_id": "e-1",
	}), dispatcher)

	other := domain.Actor{Role: domain.RoleEngineer, ActorID: "e-99"}
	dec := ingest(t, orch, envelope(domain.EventWorkStarted, "wo-1", map[string]any{}), other)
	assert.Equal(t, domain.DecisionRejected, dec.Decision)
	assert.Equal(t, domain.ReasonRBACDenied, dec.ReasonCode)
}

func TestIngestCancellationPath(t *testing.T) {
	orch, db, _ := newPipeline(t)

	mustAccept(t, orch, envelope(domain.EventWorkOrderCreated, "wo-1", map[string]any{
		"client_id": "c-1", "asset_id": "a-1", "priority": "MEDIUM", "type": "REPAIR",
	}), dispatcher)
	mustAccept(t, orch, envelope(domain.EventWorkOrderCancelled, "wo-1", map[string]any{
		"reason_code": "DUPLICATE",
	}), dispatcher)

	wo := fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.BusinessCancelled, wo.BusinessState)
	assert.Equal(t, domain.ExecutionNotStarted, wo.ExecutionState)

	// Cancelled is terminal for the business machine.
	dec := ingest(t, orch, envelope(domain.EventWorkOrderAssigned, "wo-1", map[string]any{
		"engineer_id": "e-1",
	}), dispatcher)
	assert.Equal(t, domain.DecisionRejected, dec.Decision)
	assert.Equal(t, domain.ReasonInvalidTransition, dec.ReasonCode)
}

func TestIngestSLASignalsFromSystemOnly(t *testing.T) {
	orch, db, _ := newPipeline(t)

	mustAccept(t, orch, envelope(domain.EventWorkOrderCreated, "wo-1", map[string]any{
		"client_id": "c-1", "asset_id": "a-1", "priority": "HIGH", "type": "REPAIR",
	}), dispatcher)

	webSLA := envelope(domain.EventSLAAtRisk, "wo-1", map[string]any{})
	dec := ingest(t, orch, webSLA, dispatcher)
	assert.Equal(t, domain.ReasonSLAServerOnly, dec.ReasonCode)

	sysSLA := envelope(domain.EventSLAAtRisk, "wo-1", map[string]any{})
	sysSLA.Source = domain.SourceSystem
	mustAccept(t, orch, sysSLA, domain.Actor{Role: domain.RoleSystem})

	wo := fetchWorkOrder(t, db, "wo-1")
	assert.Equal(t, domain.SLAAtRisk, wo.SLAState)
}

func TestIngestNeedsReviewNotStored(t *testing.T) {
	orch, db, pub := newPipeline(t)

	mustAccept(t, orch, envelope(domain.EventWorkOrderCreated, "wo-1", map[string]any{
		"client_id": "c-1", "asset_id": "a-1", "priority": "HIGH", "type": "REPAIR",
	}), dispatcher)
	mustAccept(t, orch, envelope(domain.EventWorkOrderAssigned, "wo-1", map[string]any{
		"engineer_id": "e-1",
	}), dispatcher)

	env := envelope(domain.EventWorkStarted, "wo-1", map[string]any{
		"actual_start_reported": testNow.Add(-5 * time.Hour).Format(time.RFC3339),
	})
	env.Source = domain.SourceMobile
	dec := ingest(t, orch, env, engineer)
	assert.Equal(t, domain.DecisionNeedsReview, dec.Decision)
	assert.Equal(t, domain.ReasonAmbiguousTime, dec.ReasonCode)

	assert.Equal(t, 2, timelineLen(t, db, "wo-1"))
	assert.Len(t, pub.events, 2)
}
