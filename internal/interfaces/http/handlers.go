package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantfolio/advisor/internal/accounts"
	"github.com/quantfolio/advisor/internal/audit"
	"github.com/quantfolio/advisor/internal/compliance"
	"github.com/quantfolio/advisor/internal/identity"
	"github.com/quantfolio/advisor/internal/portfolio"
	"github.com/quantfolio/advisor/internal/saga"
	"github.com/quantfolio/advisor/internal/tax"
	"github.com/quantfolio/advisor/internal/washsale"
	"github.com/quantfolio/advisor/internal/workflow"
)

// Handlers implements every API endpoint over the workflow service and
// its collaborators.
type Handlers struct {
	svc          *workflow.Service
	recorder     audit.Recorder
	agents       *identity.Registry
	accounts     *accounts.Store
	metrics      *MetricsRegistry
	defaultAgent identity.AgentIdentity
	upgrader     websocket.Upgrader
	startTime    time.Time
	version      string
}

// NewHandlers wires the endpoint handlers. The default agent is used for
// requests that carry no X-Agent-ID header.
func NewHandlers(svc *workflow.Service, recorder audit.Recorder, agents *identity.Registry, store *accounts.Store, metrics *MetricsRegistry, defaultAgent identity.AgentIdentity, version string) *Handlers {
	return &Handlers{
		svc:          svc,
		recorder:     recorder,
		agents:       agents,
		accounts:     store,
		metrics:      metrics,
		defaultAgent: defaultAgent,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
		version:   version,
	}
}

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error     string             `json:"error"`
	Message   string             `json:"message"`
	Code      string             `json:"code"`
	RequestID string             `json:"request_id,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Rules     []audit.RuleResult `json:"rules,omitempty"`
}

type sagaAccepted struct {
	SagaID string      `json:"sagaId"`
	Status saga.Status `json:"status"`
}

type rebalanceBody struct {
	PortfolioID      string             `json:"portfolio_id,omitempty"`
	TargetAllocation map[string]float64 `json:"targetAllocation"`
	IdempotencyKey   string             `json:"idempotency_key,omitempty"`
}

type harvestBody struct {
	PortfolioID      string              `json:"portfolio_id,omitempty"`
	TaxLots          []portfolio.TaxLot  `json:"taxLots,omitempty"`
	MinLossThreshold float64             `json:"minLossThreshold,omitempty"`
	RecentPurchases  []washsale.Purchase `json:"recent_purchases,omitempty"`
	IdempotencyKey   string              `json:"idempotency_key,omitempty"`
}

// StartRebalance handles POST /sagas/rebalance.
func (h *Handlers) StartRebalance(w http.ResponseWriter, r *http.Request) {
	var body rebalanceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "malformed_body", "request body is not valid JSON")
		return
	}
	agent, ok := h.agentFor(w, r)
	if !ok {
		return
	}
	portfolioID, snapshot, ok := h.snapshotFor(w, r, body.PortfolioID)
	if !ok {
		return
	}

	exec, err := h.svc.StartRebalance(r.Context(), workflow.RebalanceRequest{
		PortfolioID:    portfolioID,
		Snapshot:       snapshot,
		Targets:        body.TargetAllocation,
		Agent:          agent,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, sagaAccepted{SagaID: exec.ID, Status: exec.Status})
}

// StartHarvest handles POST /sagas/tax-loss-harvest.
func (h *Handlers) StartHarvest(w http.ResponseWriter, r *http.Request) {
	var body harvestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "malformed_body", "request body is not valid JSON")
		return
	}
	agent, ok := h.agentFor(w, r)
	if !ok {
		return
	}
	portfolioID, snapshot, ok := h.snapshotFor(w, r, body.PortfolioID)
	if !ok {
		return
	}

	lots := body.TaxLots
	if len(lots) == 0 {
		lots = h.accounts.Lots(portfolioID)
	}
	purchases := body.RecentPurchases
	if len(purchases) == 0 {
		purchases = h.accounts.Purchases(portfolioID)
	}

	exec, err := h.svc.StartHarvest(r.Context(), workflow.HarvestRequest{
		PortfolioID:      portfolioID,
		Snapshot:         snapshot,
		Lots:             lots,
		RecentPurchases:  purchases,
		Agent:            agent,
		IdempotencyKey:   body.IdempotencyKey,
		MinLossThreshold: body.MinLossThreshold,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, sagaAccepted{SagaID: exec.ID, Status: exec.Status})
}

// SagaStatus handles GET /sagas/{id}/status.
func (h *Handlers) SagaStatus(w http.ResponseWriter, r *http.Request) {
	exec, err := h.svc.Orchestrator().Status(mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, exec)
}

// ListSagas handles GET /sagas with limit/offset paging, newest first.
func (h *Handlers) ListSagas(w http.ResponseWriter, r *http.Request) {
	execs := h.svc.Orchestrator().List()
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].CreatedAt.After(execs[j].CreatedAt)
	})

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)
	if offset > len(execs) {
		offset = len(execs)
	}
	end := offset + limit
	if end > len(execs) {
		end = len(execs)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sagas": execs[offset:end],
		"total": len(execs),
	})
}

// CancelSaga handles POST /sagas/{id}/cancel.
func (h *Handlers) CancelSaga(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	requested, err := h.svc.Orchestrator().Cancel(id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sagaId":          id,
		"cancelRequested": requested,
	})
}

// ComplianceCheck handles GET /compliance/check?asset=A&asset=B.
func (h *Handlers) ComplianceCheck(w http.ResponseWriter, r *http.Request) {
	assets := r.URL.Query()["asset"]
	if len(assets) != 2 || assets[0] == "" || assets[1] == "" {
		h.writeError(w, r, http.StatusBadRequest, "bad_query", "exactly two non-empty asset parameters are required")
		return
	}

	detector := h.svc.Detector()
	identical := detector.IsSubstantiallyIdentical(assets[0], assets[1])

	resp := struct {
		SubstantiallyIdentical bool   `json:"substantiallyIdentical"`
		Family                 string `json:"family,omitempty"`
	}{SubstantiallyIdentical: identical}
	if identical {
		if family, ok := detector.FamilyOf(assets[0]); ok {
			resp.Family = family
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Opportunities handles GET /tax-loss-harvest/opportunities?minThreshold=N.
// An absent minThreshold uses the configured floor; an explicit 0 keeps
// every losing lot.
func (h *Handlers) Opportunities(w http.ResponseWriter, r *http.Request) {
	minThreshold := -1.0
	if r.URL.Query().Has("minThreshold") {
		minThreshold = queryFloat(r, "minThreshold", 0)
		if minThreshold < 0 {
			h.writeError(w, r, http.StatusBadRequest, "bad_query", "minThreshold must not be negative")
			return
		}
	}
	portfolioID := r.URL.Query().Get("portfolio")
	if portfolioID == "" {
		portfolioID = accounts.DefaultPortfolioID
	}

	lots := h.accounts.Lots(portfolioID)
	candidates, impact := h.svc.Opportunities(lots, h.accounts.Purchases(portfolioID), time.Now().UTC(), minThreshold)
	if candidates == nil {
		candidates = []portfolio.TaxLot{}
	}
	h.writeJSON(w, http.StatusOK, struct {
		Lots   []portfolio.TaxLot `json:"lots"`
		Impact tax.Impact         `json:"impact"`
	}{Lots: candidates, Impact: impact})
}

// AuditTransactions handles GET /audit/transactions/{sagaId}: the saga's
// audit trail ascending by timestamp, pageable by cursor_time/cursor_id.
func (h *Handlers) AuditTransactions(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{
		SagaID:   mux.Vars(r)["sagaId"],
		CursorID: r.URL.Query().Get("cursor_id"),
		Limit:    queryInt(r, "limit", 0),
	}
	if raw := r.URL.Query().Get("cursor_time"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "bad_query", "cursor_time must be RFC 3339")
			return
		}
		filter.CursorTime = t
	}

	events, err := h.recorder.Query(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "audit_query_failed", err.Error())
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	h.writeJSON(w, http.StatusOK, events)
}

// AuditReport handles GET /audit/report?from&to. The range defaults to
// the trailing 24 hours.
func (h *Handlers) AuditReport(w http.ResponseWriter, r *http.Request) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "bad_query", "from must be RFC 3339")
			return
		}
		from = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "bad_query", "to must be RFC 3339")
			return
		}
		to = t
	}
	if to.Before(from) {
		h.writeError(w, r, http.StatusBadRequest, "bad_query", "to precedes from")
		return
	}

	report, err := audit.BuildReport(r.Context(), h.recorder, audit.Filter{From: from, To: to})
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "audit_query_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Uptime         string    `json:"uptime"`
	Version        string    `json:"version"`
	ActiveSagas    int       `json:"active_sagas"`
	TrackedTickers int       `json:"tracked_tickers"`
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	var active int
	for _, exec := range h.svc.Orchestrator().List() {
		if !exec.Status.Terminal() {
			active++
		}
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "healthy",
		Timestamp:      time.Now().UTC(),
		Uptime:         time.Since(h.startTime).Round(time.Second).String(),
		Version:        h.version,
		ActiveSagas:    active,
		TrackedTickers: len(h.svc.Detector().Tickers()),
	})
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found", "the requested endpoint does not exist")
}

// agentFor resolves the acting agent from the X-Agent-ID header, falling
// back to the configured default. Unknown IDs are rejected.
func (h *Handlers) agentFor(w http.ResponseWriter, r *http.Request) (identity.AgentIdentity, bool) {
	agentID := r.Header.Get("X-Agent-ID")
	if agentID == "" {
		return h.defaultAgent, true
	}
	agent, ok := h.agents.Get(agentID)
	if !ok {
		h.writeError(w, r, http.StatusForbidden, "unknown_agent", "agent "+agentID+" is not registered")
		return identity.AgentIdentity{}, false
	}
	return agent, true
}

// snapshotFor loads the portfolio snapshot a saga will run against.
func (h *Handlers) snapshotFor(w http.ResponseWriter, r *http.Request, portfolioID string) (string, portfolio.Snapshot, bool) {
	if portfolioID == "" {
		portfolioID = accounts.DefaultPortfolioID
	}
	snapshot, ok := h.accounts.Snapshot(portfolioID)
	if !ok {
		h.writeError(w, r, http.StatusBadRequest, "unknown_portfolio", "no snapshot for portfolio "+portfolioID)
		return "", portfolio.Snapshot{}, false
	}
	return portfolioID, snapshot, true
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation   *saga.ValidationError
		violation    *compliance.Violation
		notFound     *saga.NotFoundError
		irrevocable  *saga.IrrevocableStateError
		misconfigure *saga.ConfigurationError
	)
	switch {
	case errors.As(err, &validation):
		h.writeError(w, r, http.StatusBadRequest, "validation_failed", validation.Reason)
	case errors.As(err, &violation):
		h.writeErrorWithRules(w, r, http.StatusUnprocessableEntity, "compliance_violation", violation.Error(), violation.Rules)
	case errors.As(err, &notFound):
		h.writeError(w, r, http.StatusNotFound, "saga_not_found", err.Error())
	case errors.As(err, &irrevocable):
		h.writeError(w, r, http.StatusConflict, "irrevocable_state", err.Error())
	case errors.As(err, &misconfigure):
		h.writeError(w, r, http.StatusInternalServerError, "workflow_misconfigured", err.Error())
	default:
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("encoding response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeErrorWithRules(w, r, status, code, message, nil)
}

func (h *Handlers) writeErrorWithRules(w http.ResponseWriter, r *http.Request, status int, code, message string, rules []audit.RuleResult) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now().UTC(),
		Rules:     rules,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func queryFloat(r *http.Request, key string, fallback float64) float64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}
