// Package ingest orchestrates event intake: validate, append, project, all
// inside one per-entity transaction. Accepted events are additionally
// announced on JetStream after the transaction commits.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/csdp/fsmcore/applier"
	"github.com/csdp/fsmcore/domain"
	"github.com/csdp/fsmcore/store"
	"github.com/csdp/fsmcore/validator"
)

// Orchestrator runs the ingestion pipeline for one envelope at a time.
type Orchestrator struct {
	db        store.DB
	validator *validator.Validator
	applier   *applier.Applier
	publisher Publisher
	metrics   *Metrics
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher announces accepted events after commit.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithMetrics records decision counters and ingest latency.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(db store.DB, v *validator.Validator, a *applier.Applier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		db:        db,
		validator: v,
		applier:   a,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Ingest validates the envelope and, when accepted, appends it to the event
// store and folds it into the projections. Rejections and review flags are
// returned as decisions; the error reports infrastructure failures only.
//
// The whole pipeline runs inside one transaction holding the per-entity
// lock, so either the event lands with all its projection updates or nothing
// does. A duplicate by idempotency key resolves to the stored event id and
// skips projection entirely.
func (o *Orchestrator) Ingest(ctx context.Context, env *domain.Envelope, actor domain.Actor) (domain.Decision, error) {
	start := time.Now()

	var dec domain.Decision
	err := o.db.WithinEntityTx(ctx, env.EntityID, func(tx store.Tx) error {
		var err error
		dec, err = o.validator.Validate(ctx, tx.Projections(), env, actor)
		if err != nil {
			return err
		}
		if !dec.Accepted() {
			return nil
		}

		ev := dec.Normalized
		id, duplicate, err := tx.Events().Append(ctx, ev)
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		if duplicate {
			dec = domain.Decision{
				Decision:   domain.DecisionAccepted,
				ReasonCode: domain.ReasonDuplicateIgnored,
				EventID:    id,
			}
			return nil
		}

		dec.EventID = id
		if err := o.applier.Apply(ctx, tx.Projections(), ev); err != nil {
			return fmt.Errorf("apply event: %w", err)
		}
		return nil
	})
	if err != nil {
		if o.metrics != nil {
			o.metrics.failures.Inc()
		}
		return domain.Decision{}, err
	}

	if o.metrics != nil {
		o.metrics.decisions.WithLabelValues(string(dec.Decision), dec.ReasonCode).Inc()
		o.metrics.duration.Observe(time.Since(start).Seconds())
	}

	switch {
	case dec.ReasonCode == domain.ReasonOK:
		o.logger.Info("event accepted",
			"event_type", env.EventType,
			"entity_id", env.EntityID,
			"event_id", dec.EventID)
	case dec.ReasonCode == domain.ReasonDuplicateIgnored:
		o.logger.Info("duplicate event ignored",
			"event_type", env.EventType,
			"entity_id", env.EntityID,
			"event_id", dec.EventID)
	default:
		o.logger.Info("event not accepted",
			"event_type", env.EventType,
			"entity_id", env.EntityID,
			"decision", dec.Decision,
			"reason_code", dec.ReasonCode)
	}

	if dec.ReasonCode == domain.ReasonOK && o.publisher != nil {
		if perr := o.publisher.PublishAccepted(ctx, dec.Normalized); perr != nil {
			// The event is committed; the feed is best effort.
			o.logger.Error("failed to publish accepted event",
				"event_id", dec.EventID,
				"error", perr)
			if o.metrics != nil {
				o.metrics.publishErrors.Inc()
			}
		}
	}
	return dec, nil
}
