package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/csdp/fsmcore/domain"
	"github.com/csdp/fsmcore/store"
)

type projectionStore struct {
	tx pgx.Tx
}

const workOrderColumns = `
	work_order_id, client_id, asset_id, priority, work_type,
	business_state, execution_state, sla_state,
	assigned_engineer_id, assigned_team_id, scheduled_start, scheduled_end,
	actual_start_reported, actual_end_reported,
	actual_start_effective, actual_end_effective,
	downtime_minutes, last_event_id, last_event_at, version`

func (s *projectionStore) WorkOrder(ctx context.Context, workOrderID string) (*domain.WorkOrder, error) {
	row := s.tx.QueryRow(ctx,
		`SELECT `+workOrderColumns+` FROM work_orders_current WHERE work_order_id = $1`,
		workOrderID)
	wo, err := scanWorkOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("fetch work order %s: %w", workOrderID, err)
	}
	return wo, nil
}

func (s *projectionStore) InsertWorkOrder(ctx context.Context, ev *domain.Event, p *domain.CreatePayload) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO work_orders_current (
			work_order_id, client_id, asset_id, priority, work_type,
			business_state, execution_state, sla_state,
			last_event_id, last_event_at, version
		) VALUES ($1, $2, $3, $4, $5, 'NEW', 'NOT_STARTED', 'IN_SLA', $6, now(), 1)`,
		ev.EntityID, p.ClientID, p.AssetID, string(p.Priority), p.WorkType, ev.EventID)
	if err != nil {
		return fmt.Errorf("insert work order %s: %w", ev.EntityID, err)
	}
	return nil
}

func (s *projectionStore) UpdateWorkOrder(ctx context.Context, workOrderID string, u store.WorkOrderUpdate) error {
	sets := []string{"last_event_at = now()", "version = version + 1"}
	args := []any{workOrderID}

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.LastEventID != uuid.Nil {
		add("last_event_id", u.LastEventID)
	}
	if u.BusinessState != nil {
		add("business_state", string(*u.BusinessState))
	}
	if u.ExecutionState != nil {
		add("execution_state", string(*u.ExecutionState))
	}
	if u.SLAState != nil {
		add("sla_state", string(*u.SLAState))
	}
	if u.AssignedEngineerID != nil {
		add("assigned_engineer_id", nullString(*u.AssignedEngineerID))
	}
	if u.AssignedTeamID != nil {
		add("assigned_team_id", nullString(*u.AssignedTeamID))
	}
	if u.ScheduledStart != nil {
		add("scheduled_start", *u.ScheduledStart)
	}
	if u.ScheduledEnd != nil {
		add("scheduled_end", *u.ScheduledEnd)
	}
	if u.ActualStartReported != nil {
		add("actual_start_reported", *u.ActualStartReported)
	}
	if u.ActualEndReported != nil {
		add("actual_end_reported", *u.ActualEndReported)
	}
	if u.ActualStartEffective != nil {
		add("actual_start_effective", *u.ActualStartEffective)
	}
	if u.ActualEndEffective != nil {
		add("actual_end_effective", *u.ActualEndEffective)
	}
	if u.DowntimeMinutes != nil {
		add("downtime_minutes", *u.DowntimeMinutes)
	}

	query := fmt.Sprintf(
		`UPDATE work_orders_current SET %s WHERE work_order_id = $1`,
		strings.Join(sets, ", "))
	tag, err := s.tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update work order %s: %w", workOrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *projectionStore) AppendTimeline(ctx context.Context, ev *domain.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal timeline payload: %w", err)
	}
	_, err = s.tx.Exec(ctx, `
		INSERT INTO work_order_timeline (work_order_id, event_id, event_type, created_at_system, created_by, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.EntityID, ev.EventID, ev.EventType, ev.CreatedAtSystem, nullString(ev.CreatedBy), payload)
	if err != nil {
		return fmt.Errorf("append timeline for %s: %w", ev.EntityID, err)
	}
	return nil
}

func (s *projectionStore) AccumulatePart(ctx context.Context, workOrderID, partID string, field store.PartField, qty float64) error {
	// field comes from the PartField enum, never from input.
	query := fmt.Sprintf(`
		INSERT INTO work_order_parts (work_order_id, part_id, %[1]s, last_event_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (work_order_id, part_id)
		DO UPDATE SET %[1]s = work_order_parts.%[1]s + EXCLUDED.%[1]s,
		              last_event_at = now()`, string(field))
	if _, err := s.tx.Exec(ctx, query, workOrderID, partID, qty); err != nil {
		return fmt.Errorf("accumulate part %s on %s: %w", partID, workOrderID, err)
	}
	return nil
}

func (s *projectionStore) InsertEvidence(ctx context.Context, ev *domain.Evidence) error {
	meta, err := json.Marshal(ev.Meta)
	if err != nil {
		return fmt.Errorf("marshal evidence meta: %w", err)
	}
	_, err = s.tx.Exec(ctx, `
		INSERT INTO work_order_evidence (work_order_id, evidence_type, url, meta, created_at, created_by)
		VALUES ($1, $2, $3, $4, now(), $5)`,
		ev.WorkOrderID, string(ev.EvidenceType), nullString(ev.URL), meta, nullString(ev.CreatedBy))
	if err != nil {
		return fmt.Errorf("insert evidence for %s: %w", ev.WorkOrderID, err)
	}
	return nil
}

func (s *projectionStore) UpsertEngineer(ctx context.Context, slot *domain.EngineerSlot) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO engineer_board (engineer_id, status, current_work_order_id, last_seen_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (engineer_id)
		DO UPDATE SET status = EXCLUDED.status,
		              current_work_order_id = EXCLUDED.current_work_order_id,
		              last_seen_at = EXCLUDED.last_seen_at`,
		slot.EngineerID, string(slot.Status), slot.CurrentWorkOrderID)
	if err != nil {
		return fmt.Errorf("upsert engineer %s: %w", slot.EngineerID, err)
	}
	return nil
}

func (s *projectionStore) SLAView(ctx context.Context, workOrderID string) (*domain.SLAView, error) {
	var view domain.SLAView
	var state string
	err := s.tx.QueryRow(ctx, `
		SELECT work_order_id, reaction_deadline_at, restore_deadline_at, state, breached_at, last_calc_at
		FROM sla_view WHERE work_order_id = $1`, workOrderID).Scan(
		&view.WorkOrderID, &view.ReactionDeadlineAt, &view.RestoreDeadlineAt,
		&state, &view.BreachedAt, &view.LastCalcAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("fetch sla view %s: %w", workOrderID, err)
	}
	view.State = domain.SLAState(state)
	return &view, nil
}

func (s *projectionStore) EnsureSLADeadlines(ctx context.Context, workOrderID string, reaction, restore time.Time) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO sla_view (work_order_id, reaction_deadline_at, restore_deadline_at, state, last_calc_at)
		VALUES ($1, $2, $3, 'IN_SLA', now())
		ON CONFLICT (work_order_id)
		DO UPDATE SET reaction_deadline_at = COALESCE(sla_view.reaction_deadline_at, EXCLUDED.reaction_deadline_at),
		              restore_deadline_at = COALESCE(sla_view.restore_deadline_at, EXCLUDED.restore_deadline_at),
		              last_calc_at = EXCLUDED.last_calc_at`,
		workOrderID, reaction, restore)
	if err != nil {
		return fmt.Errorf("ensure sla deadlines for %s: %w", workOrderID, err)
	}
	return nil
}

func (s *projectionStore) SetSLAState(ctx context.Context, workOrderID string, state domain.SLAState) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO sla_view (work_order_id, state, last_calc_at)
		VALUES ($1, $2, now())
		ON CONFLICT (work_order_id)
		DO UPDATE SET state = EXCLUDED.state,
		              last_calc_at = EXCLUDED.last_calc_at`,
		workOrderID, string(state))
	if err != nil {
		return fmt.Errorf("set sla state for %s: %w", workOrderID, err)
	}
	return nil
}

func (s *projectionStore) MarkSLABreached(ctx context.Context, workOrderID string) error {
	_, err := s.tx.Exec(ctx, `
		UPDATE sla_view
		SET state = 'BREACHED',
		    breached_at = COALESCE(breached_at, now()),
		    last_calc_at = now()
		WHERE work_order_id = $1`, workOrderID)
	if err != nil {
		return fmt.Errorf("mark sla breached for %s: %w", workOrderID, err)
	}
	return nil
}

func (s *projectionStore) RefCodeActive(ctx context.Context, catalog, code string) (bool, error) {
	var one int
	err := s.tx.QueryRow(ctx, `
		SELECT 1 FROM ref_catalog_items
		WHERE catalog = $1 AND code = $2 AND is_active = TRUE`, catalog, code).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lookup ref code %s/%s: %w", catalog, code, err)
	}
	return true, nil
}

func (s *projectionStore) ContractByID(ctx context.Context, contractID string) (*domain.Contract, error) {
	var c domain.Contract
	err := s.tx.QueryRow(ctx, `
		SELECT contract_id, client_id, is_active, active_from, active_to, reaction_minutes, restore_minutes
		FROM contracts WHERE contract_id = $1`, contractID).Scan(
		&c.ContractID, &c.ClientID, &c.IsActive, &c.ActiveFrom, &c.ActiveTo,
		&c.ReactionMinutes, &c.RestoreMinutes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("fetch contract %s: %w", contractID, err)
	}
	return &c, nil
}

func (s *projectionStore) ListWorkOrders(ctx context.Context, filter store.WorkOrderFilter) ([]domain.WorkOrder, error) {
	clauses := []string{}
	args := []any{}
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.BusinessState != "" {
		add("business_state = $%d", string(filter.BusinessState))
	}
	if filter.AssignedEngineerID != "" {
		add("assigned_engineer_id = $%d", filter.AssignedEngineerID)
	}
	if filter.AssetID != "" {
		add("asset_id = $%d", filter.AssetID)
	}
	if filter.Cursor != "" {
		add("work_order_id > $%d", filter.Cursor)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM work_orders_current %s ORDER BY work_order_id LIMIT $%d`,
		workOrderColumns, where, len(args))
	rows, err := s.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work orders: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work order: %w", err)
		}
		out = append(out, *wo)
	}
	return out, rows.Err()
}

func (s *projectionStore) Timeline(ctx context.Context, workOrderID string, limit int) ([]domain.TimelineEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.tx.Query(ctx, `
		SELECT work_order_id, event_id, event_type, created_at_system, created_by, payload
		FROM work_order_timeline
		WHERE work_order_id = $1
		ORDER BY created_at_system, event_id
		LIMIT $2`, workOrderID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch timeline for %s: %w", workOrderID, err)
	}
	defer rows.Close()

	var out []domain.TimelineEntry
	for rows.Next() {
		var (
			entry     domain.TimelineEntry
			createdBy *string
			payload   []byte
		)
		if err := rows.Scan(&entry.WorkOrderID, &entry.EventID, &entry.EventType,
			&entry.CreatedAtSystem, &createdBy, &payload); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}
		entry.CreatedBy = deref(createdBy)
		if err := json.Unmarshal(payload, &entry.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal timeline payload: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *projectionStore) Parts(ctx context.Context, workOrderID string) ([]domain.PartLine, error) {
	rows, err := s.tx.Query(ctx, `
		SELECT work_order_id, part_id, reserved_qty, installed_qty, consumed_qty, last_event_at
		FROM work_order_parts
		WHERE work_order_id = $1
		ORDER BY part_id`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("fetch parts for %s: %w", workOrderID, err)
	}
	defer rows.Close()

	var out []domain.PartLine
	for rows.Next() {
		var line domain.PartLine
		if err := rows.Scan(&line.WorkOrderID, &line.PartID,
			&line.ReservedQty, &line.InstalledQty, &line.ConsumedQty, &line.LastEventAt); err != nil {
			return nil, fmt.Errorf("scan part row: %w", err)
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func (s *projectionStore) Evidence(ctx context.Context, workOrderID string) ([]domain.Evidence, error) {
	rows, err := s.tx.Query(ctx, `
		SELECT evidence_id, work_order_id, evidence_type, url, meta, created_at, created_by
		FROM work_order_evidence
		WHERE work_order_id = $1
		ORDER BY created_at, evidence_id`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("fetch evidence for %s: %w", workOrderID, err)
	}
	defer rows.Close()

	var out []domain.Evidence
	for rows.Next() {
		var (
			ev        domain.Evidence
			evType    string
			url       *string
			createdBy *string
			meta      []byte
		)
		if err := rows.Scan(&ev.EvidenceID, &ev.WorkOrderID, &evType, &url, &meta, &ev.CreatedAt, &createdBy); err != nil {
			return nil, fmt.Errorf("scan evidence row: %w", err)
		}
		ev.EvidenceType = domain.EvidenceType(evType)
		ev.URL = deref(url)
		ev.CreatedBy = deref(createdBy)
		if err := json.Unmarshal(meta, &ev.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal evidence meta: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *projectionStore) EngineerBoard(ctx context.Context) ([]domain.EngineerSlot, error) {
	rows, err := s.tx.Query(ctx, `
		SELECT engineer_id, status, current_work_order_id, last_seen_at
		FROM engineer_board ORDER BY engineer_id`)
	if err != nil {
		return nil, fmt.Errorf("fetch engineer board: %w", err)
	}
	defer rows.Close()

	var out []domain.EngineerSlot
	for rows.Next() {
		var (
			slot    domain.EngineerSlot
			status  string
			current *string
		)
		if err := rows.Scan(&slot.EngineerID, &status, &current, &slot.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan engineer row: %w", err)
		}
		slot.Status = domain.EngineerStatus(status)
		slot.CurrentWorkOrderID = deref(current)
		out = append(out, slot)
	}
	return out, rows.Err()
}

func (s *projectionStore) Catalog(ctx context.Context, catalog string, activeOnly bool) ([]domain.CatalogItem, error) {
	query := `
		SELECT catalog, code, title, is_active, sort_order, meta
		FROM ref_catalog_items
		WHERE catalog = $1`
	if activeOnly {
		query += ` AND is_active = TRUE`
	}
	query += ` ORDER BY sort_order, code`

	rows, err := s.tx.Query(ctx, query, catalog)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog %s: %w", catalog, err)
	}
	defer rows.Close()

	var out []domain.CatalogItem
	for rows.Next() {
		var (
			item domain.CatalogItem
			meta []byte
		)
		if err := rows.Scan(&item.Catalog, &item.Code, &item.Title, &item.IsActive, &item.SortOrder, &meta); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &item.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal catalog meta: %w", err)
			}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// scanWorkOrder reads one work_orders_current row in workOrderColumns order.
func scanWorkOrder(row pgx.Row) (*domain.WorkOrder, error) {
	var (
		wo        domain.WorkOrder
		priority  string
		business  string
		execution string
		sla       string
		engineer  *string
		team      *string
	)
	err := row.Scan(
		&wo.WorkOrderID, &wo.ClientID, &wo.AssetID, &priority, &wo.WorkType,
		&business, &execution, &sla,
		&engineer, &team, &wo.ScheduledStart, &wo.ScheduledEnd,
		&wo.ActualStartReported, &wo.ActualEndReported,
		&wo.ActualStartEffective, &wo.ActualEndEffective,
		&wo.DowntimeMinutes, &wo.LastEventID, &wo.LastEventAt, &wo.Version,
	)
	if err != nil {
		return nil, err
	}
	wo.Priority = domain.Priority(priority)
	wo.BusinessState = domain.BusinessState(business)
	wo.ExecutionState = domain.ExecutionState(execution)
	wo.SLAState = domain.SLAState(sla)
	wo.AssignedEngineerID = deref(engineer)
	wo.AssignedTeamID = deref(team)
	return &wo, nil
}
