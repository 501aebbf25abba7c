package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/csdp/fsmcore/domain"
	"github.com/csdp/fsmcore/store"
)

type kpiStore struct {
	tx pgx.Tx
}

func (s *kpiStore) DeleteRange(ctx context.Context, from, to time.Time) error {
	if _, err := s.tx.Exec(ctx,
		`DELETE FROM kpi_daily WHERE day >= $1 AND day <= $2`, from, to); err != nil {
		return fmt.Errorf("delete kpi range: %w", err)
	}
	return nil
}

func (s *kpiStore) FetchEvents(ctx context.Context, from, to time.Time, eventTypes []string) ([]store.KPIEvent, error) {
	rows, err := s.tx.Query(ctx, `
		SELECT event_type, entity_id, payload, created_at_system, created_at_reported
		FROM event_store
		WHERE created_at_system >= $1 AND created_at_system < $2
		  AND event_type = ANY($3)
		ORDER BY created_at_system`, from, to, eventTypes)
	if err != nil {
		return nil, fmt.Errorf("fetch kpi events: %w", err)
	}
	defer rows.Close()

	var out []store.KPIEvent
	for rows.Next() {
		var (
			ev      store.KPIEvent
			payload []byte
		)
		if err := rows.Scan(&ev.EventType, &ev.EntityID, &payload, &ev.CreatedAtSystem, &ev.CreatedAtReported); err != nil {
			return nil, fmt.Errorf("scan kpi event: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal kpi payload: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *kpiStore) SLAStates(ctx context.Context, workOrderIDs []string) (map[string]domain.SLAState, error) {
	if len(workOrderIDs) == 0 {
		return map[string]domain.SLAState{}, nil
	}
	rows, err := s.tx.Query(ctx,
		`SELECT work_order_id, state FROM sla_view WHERE work_order_id = ANY($1)`, workOrderIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch sla states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.SLAState, len(workOrderIDs))
	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return nil, fmt.Errorf("scan sla state: %w", err)
		}
		out[id] = domain.SLAState(state)
	}
	return out, rows.Err()
}

func (s *kpiStore) InsertRows(ctx context.Context, rows []store.KPIRow) error {
	for _, row := range rows {
		_, err := s.tx.Exec(ctx, `
			INSERT INTO kpi_daily (day, client_id, reaction_avg_minutes, mttr_avg_minutes, sla_compliance_percent, work_orders_total)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (day, client_id)
			DO UPDATE SET reaction_avg_minutes = EXCLUDED.reaction_avg_minutes,
			              mttr_avg_minutes = EXCLUDED.mttr_avg_minutes,
			              sla_compliance_percent = EXCLUDED.sla_compliance_percent,
			              work_orders_total = EXCLUDED.work_orders_total`,
			row.Day, row.ClientID, row.ReactionAvgMinutes, row.MTTRAvgMinutes,
			row.SLACompliancePercent, row.WorkOrdersTotal)
		if err != nil {
			return fmt.Errorf("insert kpi row %s/%s: %w", row.Day.Format("2006-01-02"), row.ClientID, err)
		}
	}
	return nil
}

func (s *kpiStore) ListRows(ctx context.Context, from, to *time.Time) ([]store.KPIRow, error) {
	query := `
		SELECT day, client_id, reaction_avg_minutes, mttr_avg_minutes, sla_compliance_percent, work_orders_total
		FROM kpi_daily`
	clauses := []string{}
	args := []any{}
	if from != nil {
		args = append(args, *from)
		clauses = append(clauses, fmt.Sprintf("day >= $%d", len(args)))
	}
	if to != nil {
		args = append(args, *to)
		clauses = append(clauses, fmt.Sprintf("day <= $%d", len(args)))
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY day, client_id"

	rows, err := s.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list kpi rows: %w", err)
	}
	defer rows.Close()

	var out []store.KPIRow
	for rows.Next() {
		var row store.KPIRow
		if err := rows.Scan(&row.Day, &row.ClientID, &row.ReactionAvgMinutes,
			&row.MTTRAvgMinutes, &row.SLACompliancePercent, &row.WorkOrdersTotal); err != nil {
			return nil, fmt.Errorf("scan kpi row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
