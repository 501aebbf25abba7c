package kpi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csdp/fsmcore/domain"
	"github.com/csdp/fsmcore/store"
	"github.com/csdp/fsmcore/store/memory"
)

var day = time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

func appendEvent(t *testing.T, db *memory.DB, at time.Time, eventType, entityID string, payload map[string]any) {
	t.Helper()
	require.NoError(t, db.WithinEntityTx(context.Background(), entityID, func(tx store.Tx) error {
		ev := &domain.Event{
			Envelope: domain.Envelope{
				EventType:  eventType,
				EntityType: domain.EntityTypeWorkOrder,
				EntityID:   entityID,
				Source:     domain.SourceWeb,
				Payload:    payload,
			},
			EffectiveTime: at,
		}
		_, _, err := tx.Events().Append(context.Background(), ev)
		return err
	}))
}

func setSLAState(t *testing.T, db *memory.DB, id string, state domain.SLAState) {
	t.Helper()
	require.NoError(t, db.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.Projections().SetSLAState(context.Background(), id, state)
	}))
}

func TestRebuild(t *testing.T) {
	current := day.Add(9 * time.Hour)
	db := memory.New(memory.WithNow(func() time.Time { return current }))

	// wo-1: created 09:00, started 09:30, completed 11:30, in SLA.
	appendEvent(t, db, current, domain.EventWorkOrderCreated, "wo-1", map[string]any{
		"client_id": "c-1",
	})
	current = day.Add(9*time.Hour + 30*time.Minute)
	appendEvent(t, db, current, domain.EventWorkStarted, "wo-1", map[string]any{
		"actual_start_reported": current.Format(time.RFC3339),
	})
	current = day.Add(11*time.Hour + 30*time.Minute)
	appendEvent(t, db, current, domain.EventWorkCompleted, "wo-1", map[string]any{
		"actual_end_reported": current.Format(time.RFC3339),
	})
	setSLAState(t, db, "wo-1", domain.SLAInSLA)

	// wo-2: same client, created 10:00, started 11:30, breached, never completed.
	current = day.Add(10 * time.Hour)
	appendEvent(t, db, current, domain.EventWorkOrderCreated, "wo-2", map[string]any{
		"client_id": "c-1",
	})
	current = day.Add(11*time.Hour + 30*time.Minute)
	appendEvent(t, db, current, domain.EventWorkStarted, "wo-2", map[string]any{
		"actual_start_reported": current.Format(time.RFC3339),
	})
	setSLAState(t, db, "wo-2", domain.SLABreached)

	// wo-3: other client, created only.
	current = day.Add(12 * time.Hour)
	appendEvent(t, db, current, domain.EventWorkOrderCreated, "wo-3", map[string]any{
		"client_id": "c-2",
	})

	r := NewRebuilder(db, nil)
	require.NoError(t, r.Rebuild(context.Background(), day, day))

	var rows []store.KPIRow
	require.NoError(t, db.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		rows, err = tx.KPI().ListRows(context.Background(), nil, nil)
		return err
	}))
	require.Len(t, rows, 2)

	c1 := rows[0]
	assert.Equal(t, "c-1", c1.ClientID)
	assert.Equal(t, day, c1.Day)
	assert.Equal(t, 2, c1.WorkOrdersTotal)
	require.NotNil(t, c1.ReactionAvgMinutes)
	// wo-1 reacted in 30m, wo-2 in 90m.
	assert.InDelta(t, 60.0, *c1.ReactionAvgMinutes, 0.01)
	require.NotNil(t, c1.MTTRAvgMinutes)
	assert.InDelta(t, 120.0, *c1.MTTRAvgMinutes, 0.01)
	require.NotNil(t, c1.SLACompliancePercent)
	assert.InDelta(t, 50.0, *c1.SLACompliancePercent, 0.01)

	c2 := rows[1]
	assert.Equal(t, "c-2", c2.ClientID)
	assert.Equal(t, 1, c2.WorkOrdersTotal)
	assert.Nil(t, c2.ReactionAvgMinutes)
	assert.Nil(t, c2.MTTRAvgMinutes)
	require.NotNil(t, c2.SLACompliancePercent)
	// No SLA view counts as non-compliant.
	assert.InDelta(t, 0.0, *c2.SLACompliancePercent, 0.01)
}

func TestRebuildIsIdempotent(t *testing.T) {
	db := memory.New(memory.WithNow(func() time.Time { return day.Add(9 * time.Hour) }))
	appendEvent(t, db, day.Add(9*time.Hour), domain.EventWorkOrderCreated, "wo-1", map[string]any{
		"client_id": "c-1",
	})

	r := NewRebuilder(db, nil)
	require.NoError(t, r.Rebuild(context.Background(), day, day))
	require.NoError(t, r.Rebuild(context.Background(), day, day))

	var rows []store.KPIRow
	require.NoError(t, db.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		rows, err = tx.KPI().ListRows(context.Background(), nil, nil)
		return err
	}))
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].WorkOrdersTotal)
}

func TestRebuildRejectsInvertedRange(t *testing.T) {
	db := memory.New()
	r := NewRebuilder(db, nil)
	err := r.Rebuild(context.Background(), day.AddDate(0, 0, 1), day)
	assert.Error(t, err)
}
