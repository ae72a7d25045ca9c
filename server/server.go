// Package server exposes the compensation engine over HTTP. Presentation
// concerns stay here; the engine knows nothing about the wire format.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"sigmacore/engine"
	"sigmacore/ledger"
	"sigmacore/registry"
	"sigmacore/storage"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine             *engine.Engine
	Store              *storage.Store
	Log                *slog.Logger
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Server wires the HTTP routes to the engine.
type Server struct {
	engine *engine.Engine
	store  *storage.Store
	log    *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router with idempotency and rate-limit
// middleware.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = int(cfg.RateLimitPerSecond) * 2
	}
	srv := &Server{
		engine: cfg.Engine,
		store:  cfg.Store,
		log:    cfg.Log,
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter(cfg Config) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return withRateLimit(limiter, next) })
	r.Use(func(next http.Handler) http.Handler { return withIdempotency(s.store, next) })

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/plans/{plan}/root", s.bootstrapPlan)
		api.Post("/members", s.enrollMember)
		api.Get("/members/{id}", s.getMember)
		api.Post("/members/{id}/status", s.setMemberStatus)
		api.Get("/members/{id}/balance", s.getBalance)
		api.Get("/members/{id}/team", s.getTeamCounts)
		api.Get("/members/{id}/ledger", s.getLedger)
		api.Post("/members/{id}/purchases", s.recordPurchase)
		api.Post("/cycle-events/{id}/reverse", s.reverseCycleEvent)
	})

	return otelhttp.NewHandler(r, "sigmacore.http")
}

type enrollRequest struct {
	SponsorID string `json:"sponsor_id"`
	PlanID    string `json:"plan_id"`
}

type slotPayload struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id,omitempty"`
	Position int     `json:"position"`
	Depth    int     `json:"depth"`
}

type cycleEventPayload struct {
	ID          string `json:"id"`
	MemberID    string `json:"member_id"`
	Level       int    `json:"level"`
	Sequence    int    `json:"sequence"`
	AmountCents int64  `json:"amount_cents"`
}

type enrollResponse struct {
	MemberID string              `json:"member_id"`
	Slot     slotPayload         `json:"slot"`
	Cycles   []cycleEventPayload `json:"cycles,omitempty"`
}

func (s *Server) enrollMember(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sponsorID, err := uuid.Parse(req.SponsorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sponsor id")
		return
	}
	result, err := s.engine.EnrollMember(r.Context(), sponsorID, req.PlanID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enrollResultPayload(result))
}

func (s *Server) bootstrapPlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "plan")
	result, err := s.engine.BootstrapPlan(r.Context(), planID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enrollResultPayload(result))
}

func enrollResultPayload(result *engine.EnrollResult) enrollResponse {
	resp := enrollResponse{
		MemberID: result.Member.ID.String(),
		Slot: slotPayload{
			ID:       result.Slot.ID.String(),
			Position: result.Slot.Position,
			Depth:    result.Slot.Depth,
		},
	}
	if result.Slot.ParentID != nil {
		parent := result.Slot.ParentID.String()
		resp.Slot.ParentID = &parent
	}
	for _, evt := range result.Events {
		resp.Cycles = append(resp.Cycles, cycleEventPayload{
			ID:          evt.ID.String(),
			MemberID:    evt.MemberID.String(),
			Level:       evt.Level,
			Sequence:    evt.Sequence,
			AmountCents: evt.AmountCents,
		})
	}
	return resp
}

func (s *Server) getMember(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	member, err := s.engine.GetMember(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	payload := map[string]any{
		"id":         member.ID.String(),
		"status":     string(member.Status),
		"created_at": member.CreatedAt.UTC().Format(time.RFC3339),
	}
	if member.SponsorID != nil {
		payload["sponsor_id"] = member.SponsorID.String()
	}
	writeJSON(w, http.StatusOK, payload)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) setMemberStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	member, err := s.engine.SetMemberStatus(r.Context(), id, registry.Status(req.Status))
	if err != nil {
		if errors.Is(err, registry.ErrInvalidStatus) {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     member.ID.String(),
		"status": string(member.Status),
	})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	balance, err := s.engine.GetBalance(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"member_id":     id.String(),
		"balance_cents": balance,
	})
}

func (s *Server) getTeamCounts(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	counts, err := s.engine.GetTeamCounts(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"member_id":         id.String(),
		"personal_recruits": counts.PersonalRecruits,
		"total_downline":    counts.TotalDownline,
	})
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	entries, err := s.engine.LedgerEntries(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, ledgerEntryPayload(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"member_id": id.String(),
		"entries":   payload,
	})
}

type purchaseRequest struct {
	PlanID      string `json:"plan_id"`
	AmountCents int64  `json:"amount_cents"`
}

func (s *Server) recordPurchase(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.engine.RecordPurchase(r.Context(), id, req.PlanID, req.AmountCents)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	payload := map[string]any{
		"member_id":           id.String(),
		"activated_positions": result.ActivatedPositions,
		"remainder_cents":     result.RemainderCents,
	}
	if result.Slot != nil {
		payload["slot_id"] = result.Slot.ID.String()
	}
	writeJSON(w, http.StatusOK, payload)
}

type reverseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) reverseCycleEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req reverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	entries, err := s.engine.ReverseCycleEvent(r.Context(), id, req.Reason)
	if err != nil {
		if errors.Is(err, ledger.ErrNothingToReverse) {
			writeError(w, http.StatusUnprocessableEntity, "nothing payable to reverse")
			return
		}
		s.writeEngineError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, ledgerEntryPayload(entry))
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entries": payload})
}

func ledgerEntryPayload(entry *ledger.Entry) map[string]any {
	payload := map[string]any{
		"id":           entry.ID.String(),
		"amount_cents": entry.AmountCents,
		"status":       string(entry.Status),
		"reason":       entry.Reason,
		"created_at":   entry.CreatedAt.UTC().Format(time.RFC3339),
	}
	if entry.CycleEventID != nil {
		payload["cycle_event_id"] = entry.CycleEventID.String()
	}
	return payload
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// writeEngineError maps the engine taxonomy onto HTTP statuses. Retryable
// conflicts surface as 409 so callers know to retry; invariant violations are
// 500 because they indicate corrupted state, never caller error.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := engine.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case engine.CodeNotFound:
		status = http.StatusNotFound
	case engine.CodeCapacityExceeded:
		status = http.StatusUnprocessableEntity
	case engine.CodeConflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err.Error())
	}
	writeError(w, status, string(code))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
