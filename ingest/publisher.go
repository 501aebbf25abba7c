package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/csdp/fsmcore/domain"
)

// Publisher announces accepted events after the ingestion transaction has
// committed.
type Publisher interface {
	PublishAccepted(ctx context.Context, ev *domain.Event) error
}

// DefaultEventStream is the JetStream stream holding the accepted-event feed.
const DefaultEventStream = "WORK_ORDER_EVENTS"

// DefaultSubjectPrefix prefixes feed subjects; the full subject is
// <prefix>.<entity_id>.
const DefaultSubjectPrefix = "workorder.events"

// acceptedEvent is the wire shape of a feed message.
type acceptedEvent struct {
	EventID         uuid.UUID      `json:"event_id"`
	EventType       string         `json:"event_type"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	Source          string         `json:"source"`
	Payload         map[string]any `json:"payload"`
	EffectiveTime   time.Time      `json:"effective_time"`
	CreatedAtSystem time.Time      `json:"created_at_system"`
	CreatedBy       string         `json:"created_by,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	CausationID     string         `json:"causation_id,omitempty"`
}

// JetStreamPublisher publishes accepted events to a JetStream subject per
// work order.
type JetStreamPublisher struct {
	js            jetstream.JetStream
	subjectPrefix string
}

// NewJetStreamPublisher ensures the event stream exists and returns a
// publisher on it.
func NewJetStreamPublisher(ctx context.Context, nc *nats.Conn, streamName, subjectPrefix string) (*JetStreamPublisher, error) {
	if streamName == "" {
		streamName = DefaultEventStream
	}
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}
	return &JetStreamPublisher{js: js, subjectPrefix: subjectPrefix}, nil
}

// PublishAccepted sends the event to <prefix>.<entity_id>.
func (p *JetStreamPublisher) PublishAccepted(ctx context.Context, ev *domain.Event) error {
	data, err := json.Marshal(acceptedEvent{
		EventID:         ev.EventID,
		EventType:       ev.EventType,
		EntityType:      ev.EntityType,
		EntityID:        ev.EntityID,
		Source:          string(ev.Source),
		Payload:         ev.Payload,
		EffectiveTime:   ev.EffectiveTime,
		CreatedAtSystem: ev.CreatedAtSystem,
		CreatedBy:       ev.CreatedBy,
		CorrelationID:   ev.CorrelationID,
		CausationID:     ev.CausationID,
	})
	if err != nil {
		return fmt.Errorf("marshal feed message: %w", err)
	}
	subject := p.subjectPrefix + "." + ev.EntityID
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
