package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csdp/fsmcore/domain"
)

func validEnvelope() map[string]any {
	return map[string]any{
		"event_type":  "WORK_ORDER.CREATED",
		"entity_type": "work_order",
		"entity_id":   "wo-1",
		"source":      "web",
		"payload":     map[string]any{},
	}
}

func TestValidateEnvelope(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		assert.Empty(t, reg.ValidateEnvelope(validEnvelope()))
	})

	t.Run("missing required fields", func(t *testing.T) {
		doc := validEnvelope()
		delete(doc, "entity_id")
		delete(doc, "payload")
		errs := reg.ValidateEnvelope(doc)
		assert.NotEmpty(t, errs)
	})

	t.Run("bad source", func(t *testing.T) {
		doc := validEnvelope()
		doc["source"] = "fax"
		assert.NotEmpty(t, reg.ValidateEnvelope(doc))
	})

	t.Run("wrong entity type", func(t *testing.T) {
		doc := validEnvelope()
		doc["entity_type"] = "invoice"
		assert.NotEmpty(t, reg.ValidateEnvelope(doc))
	})

	t.Run("event type shape", func(t *testing.T) {
		doc := validEnvelope()
		doc["event_type"] = "created"
		assert.NotEmpty(t, reg.ValidateEnvelope(doc))
	})
}

func TestValidatePayload(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	tests := []struct {
		name      string
		eventType string
		payload   map[string]any
		wantErrs  bool
	}{
		{
			name:      "created valid",
			eventType: domain.EventWorkOrderCreated,
			payload: map[string]any{
				"client_id": "c-1", "asset_id": "a-1",
				"priority": "CRITICAL", "type": "EMERGENCY_REPAIR",
			},
		},
		{
			name:      "created missing priority",
			eventType: domain.EventWorkOrderCreated,
			payload:   map[string]any{"client_id": "c-1", "asset_id": "a-1", "type": "X"},
			wantErrs:  true,
		},
		{
			name:      "created bad priority",
			eventType: domain.EventWorkOrderCreated,
			payload: map[string]any{
				"client_id": "c-1", "asset_id": "a-1",
				"priority": "URGENT", "type": "X",
			},
			wantErrs: true,
		},
		{
			name:      "assigned valid",
			eventType: domain.EventWorkOrderAssigned,
			payload:   map[string]any{"engineer_id": "e-1"},
		},
		{
			name:      "assigned missing engineer",
			eventType: domain.EventWorkOrderAssigned,
			payload:   map[string]any{"team_id": "t-1"},
			wantErrs:  true,
		},
		{
			name:      "paused requires reason",
			eventType: domain.EventWorkPaused,
			payload:   map[string]any{"comment": "waiting"},
			wantErrs:  true,
		},
		{
			name:      "paused valid",
			eventType: domain.EventWorkPaused,
			payload:   map[string]any{"reason_code": "PARTS"},
		},
		{
			name:      "part requires positive quantity",
			eventType: domain.EventPartReserved,
			payload:   map[string]any{"part_id": "p-1", "quantity": float64(0)},
			wantErrs:  true,
		},
		{
			name:      "part valid",
			eventType: domain.EventPartInstalled,
			payload:   map[string]any{"part_id": "p-1", "quantity": float64(2)},
		},
		{
			name:      "signature requires signature_url",
			eventType: domain.EventEvidenceSignatureCaptured,
			payload:   map[string]any{"url": "https://x/y.png"},
			wantErrs:  true,
		},
		{
			name:      "completed with catalogs",
			eventType: domain.EventWorkCompleted,
			payload: map[string]any{
				"work_summary": "done",
				"symptoms":     []any{"NOISE"},
				"causes":       []any{"WEAR"},
				"actions":      []any{"REPLACE"},
			},
		},
		{
			name:      "sla note payload",
			eventType: domain.EventSLABreached,
			payload:   map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs, err := reg.ValidatePayload(tt.eventType, tt.payload)
			require.NoError(t, err)
			if tt.wantErrs {
				assert.NotEmpty(t, errs)
			} else {
				assert.Empty(t, errs)
			}
		})
	}

	t.Run("unknown event type", func(t *testing.T) {
		_, err := reg.ValidatePayload("WORK.TELEPORTED", map[string]any{})
		assert.ErrorIs(t, err, ErrUnknownEventType)
	})
}

func TestKnownEventTypes(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	types := reg.KnownEventTypes()
	assert.Contains(t, types, domain.EventWorkOrderCreated)
	assert.Contains(t, types, domain.EventSLABreachAccepted)
	assert.Len(t, types, 17)
}

func TestDirOverride(t *testing.T) {
	dir := t.TempDir()
	// Override the created payload schema with one that also requires a
	// description.
	override := `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["client_id", "asset_id", "priority", "type", "description"]
	}`
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "events"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events", "work_order.created.schema.json"), []byte(override), 0o644))

	reg, err := NewRegistryFromDir(dir, nil)
	require.NoError(t, err)

	errs, err := reg.ValidatePayload(domain.EventWorkOrderCreated, map[string]any{
		"client_id": "c-1", "asset_id": "a-1", "priority": "LOW", "type": "X",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, errs, "override should add the description requirement")

	// Envelope schema still comes from the embedded copy.
	assert.Empty(t, reg.ValidateEnvelope(validEnvelope()))
}
