// Package memory implements the store contracts in process memory. It backs
// the test suites and the demo runner; transactional semantics come from a
// copy-on-begin snapshot that is restored when the transaction function
// returns an error.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/csdp/fsmcore/domain"
	"github.com/csdp/fsmcore/store"
)

// DB is the in-memory store.DB implementation. A single mutex serializes all
// transactions, which trivially satisfies the per-entity ordering contract.
type DB struct {
	mu    chan struct{}
	now   func() time.Time
	state *state
}

type state struct {
	events      []domain.Event
	byClientID  map[string]uuid.UUID
	byIdemKey   map[string]uuid.UUID
	workOrders  map[string]domain.WorkOrder
	timeline    []domain.TimelineEntry
	parts       map[string]domain.PartLine
	evidence    []domain.Evidence
	engineers   map[string]domain.EngineerSlot
	slaViews    map[string]domain.SLAView
	catalogs    map[string]domain.CatalogItem
	contracts   map[string]domain.Contract
	kpi         map[string]store.KPIRow
	evidenceSeq int
}

func newState() *state {
	return &state{
		byClientID: map[string]uuid.UUID{},
		byIdemKey:  map[string]uuid.UUID{},
		workOrders: map[string]domain.WorkOrder{},
		parts:      map[string]domain.PartLine{},
		engineers:  map[string]domain.EngineerSlot{},
		slaViews:   map[string]domain.SLAView{},
		catalogs:   map[string]domain.CatalogItem{},
		contracts:  map[string]domain.Contract{},
		kpi:        map[string]store.KPIRow{},
	}
}

func (s *state) clone() *state {
	c := &state{
		events:      append([]domain.Event(nil), s.events...),
		byClientID:  make(map[string]uuid.UUID, len(s.byClientID)),
		byIdemKey:   make(map[string]uuid.UUID, len(s.byIdemKey)),
		workOrders:  make(map[string]domain.WorkOrder, len(s.workOrders)),
		timeline:    append([]domain.TimelineEntry(nil), s.timeline...),
		parts:       make(map[string]domain.PartLine, len(s.parts)),
		evidence:    append([]domain.Evidence(nil), s.evidence...),
		engineers:   make(map[string]domain.EngineerSlot, len(s.engineers)),
		slaViews:    make(map[string]domain.SLAView, len(s.slaViews)),
		catalogs:    make(map[string]domain.CatalogItem, len(s.catalogs)),
		contracts:   make(map[string]domain.Contract, len(s.contracts)),
		kpi:         make(map[string]store.KPIRow, len(s.kpi)),
		evidenceSeq: s.evidenceSeq,
	}
	for k, v := range s.byClientID {
		c.byClientID[k] = v
	}
	for k, v := range s.byIdemKey {
		c.byIdemKey[k] = v
	}
	for k, v := range s.workOrders {
		c.workOrders[k] = v
	}
	for k, v := range s.parts {
		c.parts[k] = v
	}
	for k, v := range s.engineers {
		c.engineers[k] = v
	}
	for k, v := range s.slaViews {
		c.slaViews[k] = v
	}
	for k, v := range s.catalogs {
		c.catalogs[k] = v
	}
	for k, v := range s.contracts {
		c.contracts[k] = v
	}
	for k, v := range s.kpi {
		c.kpi[k] = v
	}
	return c
}

// Option configures a DB.
type Option func(*DB)

// WithNow injects the clock used for system timestamps.
func WithNow(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// New returns an empty in-memory DB.
func New(opts ...Option) *DB {
	db := &DB{
		mu:    make(chan struct{}, 1),
		now:   time.Now,
		state: newState(),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

func (db *DB) lock(ctx context.Context) error {
	select {
	case db.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (db *DB) unlock() { <-db.mu }

// WithinEntityTx runs fn under the global lock; all entities share it, which
// over-satisfies the per-entity serialization contract.
func (db *DB) WithinEntityTx(ctx context.Context, entityID string, fn func(tx store.Tx) error) error {
	return db.WithinTx(ctx, fn)
}

// WithinTx snapshots the state, runs fn, and restores the snapshot when fn
// returns an error.
func (db *DB) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := db.lock(ctx); err != nil {
		return err
	}
	defer db.unlock()

	snapshot := db.state.clone()
	if err := fn(&memTx{db: db}); err != nil {
		db.state = snapshot
		return err
	}
	return nil
}

// Close is a no-op.
func (db *DB) Close() {}

// SeedCatalogItem installs a reference catalog row outside any transaction.
func (db *DB) SeedCatalogItem(item domain.CatalogItem) {
	db.mu <- struct{}{}
	defer db.unlock()
	db.state.catalogs[catalogKey(item.Catalog, item.Code)] = item
}

// SeedContract installs a contract outside any transaction.
func (db *DB) SeedContract(c domain.Contract) {
	db.mu <- struct{}{}
	defer db.unlock()
	db.state.contracts[c.ContractID] = c
}

type memTx struct {
	db *DB
}

func (t *memTx) Events() store.EventStore           { return &eventStore{db: t.db} }
func (t *memTx) Projections() store.ProjectionStore { return &projectionStore{db: t.db} }
func (t *memTx) KPI() store.KPIStore                { return &kpiStore{db: t.db} }

func idemKey(entityID, key string) string { return entityID + "\x00" + key }

func catalogKey(catalog, code string) string { return catalog + "\x00" + code }

type eventStore struct {
	db *DB
}

func (s *eventStore) Append(ctx context.Context, ev *domain.Event) (uuid.UUID, bool, error) {
	st := s.db.state
	if ev.ClientEventID != "" {
		if prior, ok := st.byClientID[idemKey(ev.EntityID, ev.ClientEventID)]; ok {
			return prior, true, nil
		}
	}
	if ev.IdempotencyKey != "" {
		if prior, ok := st.byIdemKey[idemKey(ev.EntityID, ev.IdempotencyKey)]; ok {
			return prior, true, nil
		}
	}

	ev.EventID = uuid.New()
	ev.CreatedAtSystem = s.db.now().UTC()
	st.events = append(st.events, *ev)
	if ev.ClientEventID != "" {
		st.byClientID[idemKey(ev.EntityID, ev.ClientEventID)] = ev.EventID
	}
	if ev.IdempotencyKey != "" {
		st.byIdemKey[idemKey(ev.EntityID, ev.IdempotencyKey)] = ev.EventID
	}
	return ev.EventID, false, nil
}

func (s *eventStore) FetchByID(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	for i := range s.db.state.events {
		if s.db.state.events[i].EventID == id {
			ev := s.db.state.events[i]
			return &ev, nil
		}
	}
	return nil, store.ErrNotFound
}

type projectionStore struct {
	db *DB
}

func (s *projectionStore) WorkOrder(ctx context.Context, workOrderID string) (*domain.WorkOrder, error) {
	wo, ok := s.db.state.workOrders[workOrderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &wo, nil
}

func (s *projectionStore) InsertWorkOrder(ctx context.Context, ev *domain.Event, p *domain.CreatePayload) error {
	s.db.state.workOrders[ev.EntityID] = domain.WorkOrder{
		WorkOrderID:    ev.EntityID,
		ClientID:       p.ClientID,
		AssetID:        p.AssetID,
		Priority:       p.Priority,
		WorkType:       p.WorkType,
		BusinessState:  domain.BusinessNew,
		ExecutionState: domain.ExecutionNotStarted,
		SLAState:       domain.SLAInSLA,
		LastEventID:    ev.EventID,
		LastEventAt:    s.db.now().UTC(),
		Version:        1,
	}
	return nil
}

func (s *projectionStore) UpdateWorkOrder(ctx context.Context, workOrderID string, u store.WorkOrderUpdate) error {
	wo, ok := s.db.state.workOrders[workOrderID]
	if !ok {
		return store.ErrNotFound
	}
	if u.LastEventID != uuid.Nil {
		wo.LastEventID = u.LastEventID
	}
	if u.BusinessState != nil {
		wo.BusinessState = *u.BusinessState
	}
	if u.ExecutionState != nil {
		wo.ExecutionState = *u.ExecutionState
	}
	if u.SLAState != nil {
		wo.SLAState = *u.SLAState
	}
	if u.AssignedEngineerID != nil {
		wo.AssignedEngineerID = *u.AssignedEngineerID
	}
	if u.AssignedTeamID != nil {
		wo.AssignedTeamID = *u.AssignedTeamID
	}
	if u.ScheduledStart != nil {
		t := *u.ScheduledStart
		wo.ScheduledStart = &t
	}
	if u.ScheduledEnd != nil {
		t := *u.ScheduledEnd
		wo.ScheduledEnd = &t
	}
	if u.ActualStartReported != nil {
		t := *u.ActualStartReported
		wo.ActualStartReported = &t
	}
	if u.ActualEndReported != nil {
		t := *u.ActualEndReported
		wo.ActualEndReported = &t
	}
	if u.ActualStartEffective != nil {
		t := *u.ActualStartEffective
		wo.ActualStartEffective = &t
	}
	if u.ActualEndEffective != nil {
		t := *u.ActualEndEffective
		wo.ActualEndEffective = &t
	}
	if u.DowntimeMinutes != nil {
		m := *u.DowntimeMinutes
		wo.DowntimeMinutes = &m
	}
	wo.LastEventAt = s.db.now().UTC()
	wo.Version++
	s.db.state.workOrders[workOrderID] = wo
	return nil
}

func (s *projectionStore) AppendTimeline(ctx context.Context, ev *domain.Event) error {
	s.db.state.timeline = append(s.db.state.timeline, domain.TimelineEntry{
		WorkOrderID:     ev.EntityID,
		EventID:         ev.EventID,
		EventType:       ev.EventType,
		CreatedAtSystem: ev.CreatedAtSystem,
		CreatedBy:       ev.CreatedBy,
		Payload:         ev.Payload,
	})
	return nil
}

func (s *projectionStore) AccumulatePart(ctx context.Context, workOrderID, partID string, field store.PartField, qty float64) error {
	key := workOrderID + "\x00" + partID
	line, ok := s.db.state.parts[key]
	if !ok {
		line = domain.PartLine{WorkOrderID: workOrderID, PartID: partID}
	}
	switch field {
	case store.PartReserved:
		line.ReservedQty += qty
	case store.PartInstalled:
		line.InstalledQty += qty
	case store.PartConsumed:
		line.ConsumedQty += qty
	default:
		return errors.New("unknown part field " + string(field))
	}
	line.LastEventAt = s.db.now().UTC()
	s.db.state.parts[key] = line
	return nil
}

func (s *projectionStore) InsertEvidence(ctx context.Context, ev *domain.Evidence) error {
	row := *ev
	row.EvidenceID = uuid.New()
	row.CreatedAt = s.db.now().UTC()
	s.db.state.evidence = append(s.db.state.evidence, row)
	s.db.state.evidenceSeq++
	return nil
}

func (s *projectionStore) UpsertEngineer(ctx context.Context, slot *domain.EngineerSlot) error {
	row := *slot
	row.LastSeenAt = s.db.now().UTC()
	s.db.state.engineers[slot.EngineerID] = row
	return nil
}

func (s *projectionStore) SLAView(ctx context.Context, workOrderID string) (*domain.SLAView, error) {
	view, ok := s.db.state.slaViews[workOrderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &view, nil
}

func (s *projectionStore) EnsureSLADeadlines(ctx context.Context, workOrderID string, reaction, restore time.Time) error {
	view, ok := s.db.state.slaViews[workOrderID]
	if !ok {
		view = domain.SLAView{WorkOrderID: workOrderID, State: domain.SLAInSLA}
	}
	if view.ReactionDeadlineAt == nil {
		t := reaction
		view.ReactionDeadlineAt = &t
	}
	if view.RestoreDeadlineAt == nil {
		t := restore
		view.RestoreDeadlineAt = &t
	}
	view.LastCalcAt = s.db.now().UTC()
	s.db.state.slaViews[workOrderID] = view
	return nil
}

func (s *projectionStore) SetSLAState(ctx context.Context, workOrderID string, state domain.SLAState) error {
	view, ok := s.db.state.slaViews[workOrderID]
	if !ok {
		view = domain.SLAView{WorkOrderID: workOrderID}
	}
	view.State = state
	view.LastCalcAt = s.db.now().UTC()
	s.db.state.slaViews[workOrderID] = view
	return nil
}

func (s *projectionStore) MarkSLABreached(ctx context.Context, workOrderID string) error {
	view, ok := s.db.state.slaViews[workOrderID]
	if !ok {
		view = domain.SLAView{WorkOrderID: workOrderID}
	}
	view.State = domain.SLABreached
	if view.BreachedAt == nil {
		t := s.db.now().UTC()
		view.BreachedAt = &t
	}
	view.LastCalcAt = s.db.now().UTC()
	s.db.state.slaViews[workOrderID] = view
	return nil
}

func (s *projectionStore) RefCodeActive(ctx context.Context, catalog, code string) (bool, error) {
	item, ok := s.db.state.catalogs[catalogKey(catalog, code)]
	return ok && item.IsActive, nil
}

func (s *projectionStore) ContractByID(ctx context.Context, contractID string) (*domain.Contract, error) {
	c, ok := s.db.state.contracts[contractID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *projectionStore) ListWorkOrders(ctx context.Context, filter store.WorkOrderFilter) ([]domain.WorkOrder, error) {
	ids := make([]string, 0, len(s.db.state.workOrders))
	for id := range s.db.state.workOrders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []domain.WorkOrder
	for _, id := range ids {
		if filter.Cursor != "" && id <= filter.Cursor {
			continue
		}
		wo := s.db.state.workOrders[id]
		if filter.BusinessState != "" && wo.BusinessState != filter.BusinessState {
			continue
		}
		if filter.AssignedEngineerID != "" && wo.AssignedEngineerID != filter.AssignedEngineerID {
			continue
		}
		if filter.AssetID != "" && wo.AssetID != filter.AssetID {
			continue
		}
		out = append(out, wo)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *projectionStore) Timeline(ctx context.Context, workOrderID string, limit int) ([]domain.TimelineEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	var out []domain.TimelineEntry
	for _, entry := range s.db.state.timeline {
		if entry.WorkOrderID != workOrderID {
			continue
		}
		out = append(out, entry)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *projectionStore) Parts(ctx context.Context, workOrderID string) ([]domain.PartLine, error) {
	var out []domain.PartLine
	for _, line := range s.db.state.parts {
		if line.WorkOrderID == workOrderID {
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartID < out[j].PartID })
	return out, nil
}

func (s *projectionStore) Evidence(ctx context.Context, workOrderID string) ([]domain.Evidence, error) {
	var out []domain.Evidence
	for _, ev := range s.db.state.evidence {
		if ev.WorkOrderID == workOrderID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *projectionStore) EngineerBoard(ctx context.Context) ([]domain.EngineerSlot, error) {
	out := make([]domain.EngineerSlot, 0, len(s.db.state.engineers))
	for _, slot := range s.db.state.engineers {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EngineerID < out[j].EngineerID })
	return out, nil
}

func (s *projectionStore) Catalog(ctx context.Context, catalog string, activeOnly bool) ([]domain.CatalogItem, error) {
	var out []domain.CatalogItem
	for _, item := range s.db.state.catalogs {
		if item.Catalog != catalog {
			continue
		}
		if activeOnly && !item.IsActive {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

type kpiStore struct {
	db *DB
}

func kpiKey(day time.Time, clientID string) string {
	return day.Format("2006-01-02") + "\x00" + clientID
}

func (s *kpiStore) DeleteRange(ctx context.Context, from, to time.Time) error {
	for key, row := range s.db.state.kpi {
		if !row.Day.Before(from) && !row.Day.After(to) {
			delete(s.db.state.kpi, key)
		}
	}
	return nil
}

func (s *kpiStore) FetchEvents(ctx context.Context, from, to time.Time, eventTypes []string) ([]store.KPIEvent, error) {
	wanted := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		wanted[t] = true
	}
	var out []store.KPIEvent
	for i := range s.db.state.events {
		ev := &s.db.state.events[i]
		if !wanted[ev.EventType] {
			continue
		}
		if ev.CreatedAtSystem.Before(from) || !ev.CreatedAtSystem.Before(to) {
			continue
		}
		kev := store.KPIEvent{
			EventType:       ev.EventType,
			EntityID:        ev.EntityID,
			Payload:         ev.Payload,
			CreatedAtSystem: ev.CreatedAtSystem,
		}
		if t, ok := domain.ParseTime(ev.CreatedAtReported); ok {
			kev.CreatedAtReported = &t
		}
		out = append(out, kev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtSystem.Before(out[j].CreatedAtSystem) })
	return out, nil
}

func (s *kpiStore) SLAStates(ctx context.Context, workOrderIDs []string) (map[string]domain.SLAState, error) {
	out := make(map[string]domain.SLAState, len(workOrderIDs))
	for _, id := range workOrderIDs {
		if view, ok := s.db.state.slaViews[id]; ok {
			out[id] = view.State
		}
	}
	return out, nil
}

func (s *kpiStore) InsertRows(ctx context.Context, rows []store.KPIRow) error {
	for _, row := range rows {
		s.db.state.kpi[kpiKey(row.Day, row.ClientID)] = row
	}
	return nil
}

func (s *kpiStore) ListRows(ctx context.Context, from, to *time.Time) ([]store.KPIRow, error) {
	var out []store.KPIRow
	for _, row := range s.db.state.kpi {
		if from != nil && row.Day.Before(*from) {
			continue
		}
		if to != nil && row.Day.After(*to) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		return strings.Compare(out[i].ClientID, out[j].ClientID) < 0
	})
	return out, nil
}
