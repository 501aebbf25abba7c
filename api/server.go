// Package api exposes the ingestion pipeline and the read models over HTTP.
// Authentication happens upstream; the caller's resolved role and actor id
// arrive as headers.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/csdp/fsmcore/domain"
	"github.com/csdp/fsmcore/ingest"
	"github.com/csdp/fsmcore/store"
)

// Headers carrying the submission identity and idempotency key.
const (
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderRole           = "X-Role"
	HeaderActorID        = "X-Actor-Id"
)

// Server routes HTTP traffic to the orchestrator and the projection reads.
type Server struct {
	db     store.DB
	orch   *ingest.Orchestrator
	logger *slog.Logger
}

// NewServer builds a Server. logger may be nil.
func NewServer(db store.DB, orch *ingest.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{db: db, orch: orch, logger: logger}
}

// Router assembles the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/v1/events", s.handlePostEvent)

	r.Route("/v1/work-orders", func(r chi.Router) {
		r.Get("/", s.handleListWorkOrders)
		r.Get("/{workOrderID}", s.handleGetWorkOrder)
		r.Get("/{workOrderID}/timeline", s.handleGetTimeline)
		r.Get("/{workOrderID}/parts", s.handleGetParts)
		r.Get("/{workOrderID}/evidence", s.handleGetEvidence)
	})

	r.Get("/v1/engineers/board", s.handleEngineerBoard)
	r.Get("/v1/sla/{workOrderID}", s.handleGetSLA)
	r.Get("/v1/ref/{catalog}", s.handleGetCatalog)
	r.Get("/v1/kpi", s.handleGetKPI)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

type decisionResponse struct {
	Decision   string         `json:"decision"`
	ReasonCode string         `json:"reason_code"`
	EventID    string         `json:"event_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	var env domain.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if key := r.Header.Get(HeaderIdempotencyKey); key != "" && env.IdempotencyKey == "" {
		env.IdempotencyKey = key
	}
	role := r.Header.Get(HeaderRole)
	if role == "" {
		role = string(domain.RoleSystem)
	}
	actor := domain.Actor{Role: domain.Role(role), ActorID: r.Header.Get(HeaderActorID)}

	dec, err := s.orch.Ingest(r.Context(), &env, actor)
	if err != nil {
		s.logger.Error("ingest failed",
			"event_type", env.EventType,
			"entity_id", env.EntityID,
			"error", err)
		s.writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}

	resp := decisionResponse{
		Decision:   string(dec.Decision),
		ReasonCode: dec.ReasonCode,
		Details:    dec.Details,
	}
	if dec.EventID != uuid.Nil {
		resp.EventID = dec.EventID.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListWorkOrders(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkOrderFilter{
		BusinessState:      domain.BusinessState(r.URL.Query().Get("business_state")),
		AssignedEngineerID: r.URL.Query().Get("assigned_engineer_id"),
		AssetID:            r.URL.Query().Get("asset_id"),
		Cursor:             r.URL.Query().Get("cursor"),
		Limit:              queryInt(r, "limit", 50, 200),
	}

	var items []workOrderView
	err := s.db.WithinTx(r.Context(), func(tx store.Tx) error {
		rows, err := tx.Projections().ListWorkOrders(r.Context(), filter)
		if err != nil {
			return err
		}
		items = make([]workOrderView, 0, len(rows))
		for i := range rows {
			items = append(items, workOrderToView(&rows[i]))
		}
		return nil
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	nextCursor := ""
	if len(items) == filter.Limit {
		nextCursor = items[len(items)-1].WorkOrderID
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"next_cursor": nextCursor,
	})
}

func (s *Server) handleGetWorkOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workOrderID")
	var view workOrderView
	err := s.db.WithinTx(r.Context(), func(tx store.Tx) error {
		wo, err := tx.Projections().WorkOrder(r.Context(), id)
		if err != nil {
			return err
		}
		view = workOrderToView(wo)
		return nil
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workOrderID")
	limit := queryInt(r, "limit", 200, 500)

	var items []timelineView
	err := s.db.WithinTx(r.Context(), func(tx store.Tx) error {
		entries, err := tx.Projections().Timeline(r.Context(), id, limit)
		if err != nil {
			return err
		}
		items = make([]timelineView, 0, len(entries))
		for i := range entries {
			items = append(items, timelineToView(&entries[i]))
		}
		return nil
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"work_order_id": id,
		"events":        items,
	})
}

func (s *Server) handleGetParts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workOrderID")
	var items []partView
	err := s.db.WithinTx(r.Context(), func(tx store.Tx) error {
		lines, err := tx.Projections().Parts(r.Context(), id)
		if err != nil {
			return err
		}
		items = make([]partView, 0, len(lines))
		for i := range lines {
			items = append(items, partToView(&lines[i]))
		}
		return nil
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"work_order_id": id,
		"items":         items,
	})
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workOrderID")
	var items []evidenceView
	err := s.db.WithinTx(r.Context(), func(tx store.Tx) error {
		rows, err := tx.Projections().Evidence(r.Context(), id)
		if err != nil {
			return err
		}
		items = make([]evidenceView, 0, len(rows))
		for i := range rows {
			items = append(items, evidenceToView(&rows[i]))
		}
		return nil
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"work_order_id": id,
		"items":         items,
	})
}

func (s *Server) handleEngineerBoard(w http.ResponseWriter, r *http.Request) {
	var items []engineerView
	err := s.db.WithinTx(r.Context(), func(tx store.Tx) error {
		board, err := tx.Projections().EngineerBoard(r.Context())
		if err != nil {
			return err
		}
		items = make([]engineerView, 0, len(board))
		for i := range board {
			items = append(items, engineerToView(&board[i]))
		}
		return nil
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetSLA(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workOrderID")
	var view slaViewResponse
	err := s.db.WithinTx(r.Context(), func(tx store.Tx) error {
		row, err := tx.Projections().SLAView(r.Context(), id)
		if err != nil {
			return err
		}
		view = slaToView(row)
		return nil
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	catalog := chi.URLParam(r, "catalog")
	activeOnly := true
	if raw := r.URL.Query().Get("active"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			activeOnly = v
		}
	}

	var items []catalogItemView
	err := s.db.WithinTx(r.Context(), func(tx store.Tx) error {
		rows, err := tx.Projections().Catalog(r.Context(), catalog, activeOnly)
		if err != nil {
			return err
		}
		items = make([]catalogItemView, 0, len(rows))
		for i := range rows {
			items = append(items, catalogToView(&rows[i]))
		}
		return nil
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"catalog": catalog,
		"items":   items,
	})
}

func (s *Server) handleGetKPI(w http.ResponseWriter, r *http.Request) {
	from := queryDate(r, "period_from")
	to := queryDate(r, "period_to")

	var rows []store.KPIRow
	err := s.db.WithinTx(r.Context(), func(tx store.Tx) error {
		var err error
		rows, err = tx.KPI().ListRows(r.Context(), from, to)
		return err
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	items := make([]kpiRowView, 0, len(rows))
	for i := range rows {
		items = append(items, kpiRowToView(&rows[i]))
	}
	summary := summarizeKPI(rows)
	summary["items"] = items
	if from != nil {
		summary["period_from"] = from.Format("2006-01-02")
	}
	if to != nil {
		summary["period_to"] = to.Format("2006-01-02")
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// summarizeKPI averages the per-day-per-client rows into one headline block.
func summarizeKPI(rows []store.KPIRow) map[string]any {
	out := map[string]any{
		"reaction_time_avg_minutes": nil,
		"mttr_avg_minutes":          nil,
		"sla_compliance_percent":    nil,
		"work_orders_total":         0,
	}
	if len(rows) == 0 {
		return out
	}

	total := 0
	var reactionSum, mttrSum, slaSum float64
	var reactionN, mttrN, slaN int
	for _, row := range rows {
		total += row.WorkOrdersTotal
		if row.ReactionAvgMinutes != nil {
			reactionSum += *row.ReactionAvgMinutes
			reactionN++
		}
		if row.MTTRAvgMinutes != nil {
			mttrSum += *row.MTTRAvgMinutes
			mttrN++
		}
		if row.SLACompliancePercent != nil {
			slaSum += *row.SLACompliancePercent
			slaN++
		}
	}
	out["work_orders_total"] = total
	if reactionN > 0 {
		out["reaction_time_avg_minutes"] = reactionSum / float64(reactionN)
	}
	if mttrN > 0 {
		out["mttr_avg_minutes"] = mttrSum / float64(mttrN)
	}
	if slaN > 0 {
		out["sla_compliance_percent"] = slaSum / float64(slaN)
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error("read failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func queryDate(r *http.Request, name string) *time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return &t
	}
	if t, ok := domain.ParseTime(raw); ok {
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return &day
	}
	return nil
}
