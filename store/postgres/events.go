package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/csdp/fsmcore/domain"
	"github.com/csdp/fsmcore/store"
)

const uniqueViolation = "23505"

type eventStore struct {
	tx pgx.Tx
}

// Append inserts the event inside a savepoint. The unique indexes on
// (entity_id, client_event_id) and (entity_id, idempotency_key) are the
// source of truth for duplicates: no pre-read, the insert either lands or
// collides. On collision the savepoint is rolled back and the stored event
// id is resolved.
func (s *eventStore) Append(ctx context.Context, ev *domain.Event) (uuid.UUID, bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("marshal payload: %w", err)
	}

	sp, err := s.tx.Begin(ctx)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("begin savepoint: %w", err)
	}

	var (
		id        uuid.UUID
		createdAt time.Time
	)
	err = sp.QueryRow(ctx, `
		INSERT INTO event_store (
			entity_type, entity_id, event_type, payload, source,
			created_at_reported, effective_time,
			client_event_id, idempotency_key,
			correlation_id, causation_id, schema_version, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING event_id, created_at_system`,
		ev.EntityType, ev.EntityID, ev.EventType, payload, string(ev.Source),
		nullTimeFromString(ev.CreatedAtReported), ev.EffectiveTime,
		nullString(ev.ClientEventID), nullString(ev.IdempotencyKey),
		nullString(ev.CorrelationID), nullString(ev.CausationID),
		nullString(ev.SchemaVersion), nullString(ev.CreatedBy),
	).Scan(&id, &createdAt)
	if err == nil {
		if err := sp.Commit(ctx); err != nil {
			return uuid.Nil, false, fmt.Errorf("release savepoint: %w", err)
		}
		ev.EventID = id
		ev.CreatedAtSystem = createdAt.UTC()
		return id, false, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		_ = sp.Rollback(ctx)
		return uuid.Nil, false, fmt.Errorf("insert event: %w", err)
	}
	if err := sp.Rollback(ctx); err != nil {
		return uuid.Nil, false, fmt.Errorf("rollback savepoint: %w", err)
	}

	prior, err := s.resolvePrior(ctx, ev)
	if err != nil {
		return uuid.Nil, false, err
	}
	return prior, true, nil
}

func (s *eventStore) resolvePrior(ctx context.Context, ev *domain.Event) (uuid.UUID, error) {
	var (
		query string
		key   string
	)
	switch {
	case ev.ClientEventID != "":
		query = `SELECT event_id FROM event_store WHERE entity_id = $1 AND client_event_id = $2`
		key = ev.ClientEventID
	case ev.IdempotencyKey != "":
		query = `SELECT event_id FROM event_store WHERE entity_id = $1 AND idempotency_key = $2`
		key = ev.IdempotencyKey
	default:
		return uuid.Nil, errors.New("duplicate insert without idempotency key")
	}

	var id uuid.UUID
	if err := s.tx.QueryRow(ctx, query, ev.EntityID, key).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, errors.New("duplicate detected but prior event not found")
		}
		return uuid.Nil, fmt.Errorf("resolve prior event: %w", err)
	}
	return id, nil
}

func (s *eventStore) FetchByID(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	var (
		ev         domain.Event
		payload    []byte
		reported   *time.Time
		effective  *time.Time
		source     string
		clientID   *string
		idemKey    *string
		corrID     *string
		causID     *string
		schemaVer  *string
		createdBy  *string
		createdSys time.Time
	)
	err := s.tx.QueryRow(ctx, `
		SELECT event_id, entity_type, entity_id, event_type, payload, source,
		       created_at_reported, created_at_system, effective_time,
		       client_event_id, idempotency_key, correlation_id, causation_id,
		       schema_version, created_by
		FROM event_store WHERE event_id = $1`, id).Scan(
		&ev.EventID, &ev.EntityType, &ev.EntityID, &ev.EventType, &payload, &source,
		&reported, &createdSys, &effective,
		&clientID, &idemKey, &corrID, &causID,
		&schemaVer, &createdBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("fetch event %s: %w", id, err)
	}

	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	ev.Source = domain.Source(source)
	ev.CreatedAtSystem = createdSys.UTC()
	if reported != nil {
		ev.CreatedAtReported = reported.UTC().Format(time.RFC3339Nano)
	}
	if effective != nil {
		ev.EffectiveTime = effective.UTC()
	}
	ev.ClientEventID = deref(clientID)
	ev.IdempotencyKey = deref(idemKey)
	ev.CorrelationID = deref(corrID)
	ev.CausationID = deref(causID)
	ev.SchemaVersion = deref(schemaVer)
	ev.CreatedBy = deref(createdBy)
	return &ev, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTimeFromString(s string) *time.Time {
	t, ok := domain.ParseTime(s)
	if !ok {
		return nil
	}
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
