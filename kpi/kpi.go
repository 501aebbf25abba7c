// Package kpi rebuilds the kpi_daily aggregates from the event log. The
// rebuild is a batch job over a day range: it derives per-work-order
// reaction and repair times from the lifecycle events and joins the SLA view
// for the compliance share.
package kpi

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/csdp/fsmcore/domain"
	"github.com/csdp/fsmcore/store"
)

var lifecycleEventTypes = []string{
	domain.EventWorkOrderCreated,
	domain.EventWorkStarted,
	domain.EventWorkCompleted,
}

// Rebuilder recomputes kpi_daily rows.
type Rebuilder struct {
	db     store.DB
	logger *slog.Logger
}

// NewRebuilder builds a Rebuilder. logger may be nil.
func NewRebuilder(db store.DB, logger *slog.Logger) *Rebuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{db: db, logger: logger}
}

// Rebuild deletes and recomputes the aggregates for the inclusive day range
// [from, to]. Days are taken in UTC.
func (r *Rebuilder) Rebuild(ctx context.Context, from, to time.Time) error {
	from = truncateDay(from)
	to = truncateDay(to)
	if to.Before(from) {
		return fmt.Errorf("invalid range: %s after %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}

	return r.db.WithinTx(ctx, func(tx store.Tx) error {
		kpiStore := tx.KPI()
		if err := kpiStore.DeleteRange(ctx, from, to); err != nil {
			return err
		}

		events, err := kpiStore.FetchEvents(ctx, from, to.AddDate(0, 0, 1), lifecycleEventTypes)
		if err != nil {
			return err
		}

		records := collectRecords(events)
		states, err := slaStatesByKey(ctx, kpiStore, records)
		if err != nil {
			return err
		}

		rows := aggregate(records, states)
		if err := kpiStore.InsertRows(ctx, rows); err != nil {
			return err
		}

		r.logger.Info("kpi rebuild complete",
			"from", from.Format("2006-01-02"),
			"to", to.Format("2006-01-02"),
			"events", len(events),
			"rows", len(rows))
		return nil
	})
}

// record tracks the lifecycle timestamps of one work order inside the range.
type record struct {
	workOrderID string
	clientID    string
	day         time.Time
	created     *time.Time
	started     *time.Time
	completed   *time.Time
}

func collectRecords(events []store.KPIEvent) []*record {
	byID := map[string]*record{}
	var order []string

	for i := range events {
		ev := &events[i]
		rec, ok := byID[ev.EntityID]
		if !ok {
			rec = &record{
				workOrderID: ev.EntityID,
				day:         truncateDay(ev.CreatedAtSystem),
			}
			byID[ev.EntityID] = rec
			order = append(order, ev.EntityID)
		}
		eff := effectiveTime(ev)
		switch ev.EventType {
		case domain.EventWorkOrderCreated:
			rec.created = &eff
			if c, ok := ev.Payload["client_id"].(string); ok {
				rec.clientID = c
			}
			rec.day = truncateDay(ev.CreatedAtSystem)
		case domain.EventWorkStarted:
			rec.started = &eff
		case domain.EventWorkCompleted:
			rec.completed = &eff
		}
	}

	out := make([]*record, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// effectiveTime prefers the reported actual time in the payload, then the
// envelope's reported time, then the system time.
func effectiveTime(ev *store.KPIEvent) time.Time {
	key := ""
	switch ev.EventType {
	case domain.EventWorkStarted:
		key = "actual_start_reported"
	case domain.EventWorkCompleted:
		key = "actual_end_reported"
	}
	if key != "" {
		if raw, ok := ev.Payload[key].(string); ok {
			if t, ok := domain.ParseTime(raw); ok {
				return t
			}
		}
	}
	if ev.CreatedAtReported != nil {
		return *ev.CreatedAtReported
	}
	return ev.CreatedAtSystem
}

type aggKey struct {
	day      time.Time
	clientID string
}

func slaStatesByKey(ctx context.Context, kpiStore store.KPIStore, records []*record) (map[aggKey][]domain.SLAState, error) {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.workOrderID)
	}
	byID, err := kpiStore.SLAStates(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := map[aggKey][]domain.SLAState{}
	for _, rec := range records {
		key := aggKey{day: rec.day, clientID: rec.clientID}
		out[key] = append(out[key], byID[rec.workOrderID])
	}
	return out, nil
}

func aggregate(records []*record, states map[aggKey][]domain.SLAState) []store.KPIRow {
	type acc struct {
		reactionSum   float64
		reactionCount int
		mttrSum       float64
		mttrCount     int
		workOrders    int
	}
	accs := map[aggKey]*acc{}

	for _, rec := range records {
		key := aggKey{day: rec.day, clientID: rec.clientID}
		a, ok := accs[key]
		if !ok {
			a = &acc{}
			accs[key] = a
		}
		a.workOrders++
		if rec.created != nil && rec.started != nil {
			a.reactionSum += rec.started.Sub(*rec.created).Minutes()
			a.reactionCount++
		}
		if rec.started != nil && rec.completed != nil {
			a.mttrSum += rec.completed.Sub(*rec.started).Minutes()
			a.mttrCount++
		}
	}

	rows := make([]store.KPIRow, 0, len(accs))
	for key, a := range accs {
		row := store.KPIRow{
			Day:             key.day,
			ClientID:        key.clientID,
			WorkOrdersTotal: a.workOrders,
		}
		if a.reactionCount > 0 {
			avg := a.reactionSum / float64(a.reactionCount)
			row.ReactionAvgMinutes = &avg
		}
		if a.mttrCount > 0 {
			avg := a.mttrSum / float64(a.mttrCount)
			row.MTTRAvgMinutes = &avg
		}
		if pct := slaPercent(states[key]); pct != nil {
			row.SLACompliancePercent = pct
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Day.Equal(rows[j].Day) {
			return rows[i].Day.Before(rows[j].Day)
		}
		return rows[i].ClientID < rows[j].ClientID
	})
	return rows
}

// slaPercent is the share of work orders whose SLA view is known and not
// BREACHED. Work orders without an SLA view count against compliance.
func slaPercent(states []domain.SLAState) *float64 {
	if len(states) == 0 {
		return nil
	}
	compliant := 0
	for _, state := range states {
		if state != "" && state != domain.SLABreached {
			compliant++
		}
	}
	pct := float64(compliant) / float64(len(states)) * 100
	return &pct
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
