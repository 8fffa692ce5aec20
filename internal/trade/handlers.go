package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/auth"
	"github.com/atmx/escrow-engine/internal/model"
)

// Handlers exposes the engine over HTTP.
type Handlers struct {
	engine *Engine
}

// NewHandlers creates the HTTP handlers for e.
func NewHandlers(e *Engine) *Handlers {
	return &Handlers{engine: e}
}

// Routes mounts every endpoint on r. r is expected to sit under /api/v1
// with the auth middleware applied.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/market", h.GetMarket)
	r.Put("/market/oracle", h.UpdateOracle)
	r.Post("/market/toggle", h.ToggleTrading)
	r.Put("/market/min-trade-quantity", h.SetMinTradeQuantity)

	r.Get("/commodities", h.ListCommodities)
	r.Get("/commodities/{id}", h.GetCommodity)
	r.Put("/commodities/{id}", h.RegisterCommodity)

	r.Post("/escrow/deposit", h.Deposit)
	r.Post("/escrow/withdraw", h.Withdraw)

	r.Post("/positions", h.ExecuteTrade)
	r.Delete("/positions/{positionID}", h.ClosePosition)

	r.Get("/traders/{trader}/escrow", h.GetEscrow)
	r.Get("/traders/{trader}/ledger", h.GetLedger)
	r.Get("/traders/{trader}/positions", h.ListPositions)
	r.Get("/traders/{trader}/positions/{positionID}", h.GetPosition)
}

// --- Request/Response types ---

// OracleRequest is the JSON body for PUT /market/oracle.
type OracleRequest struct {
	Address string `json:"address"`
}

// MinTradeQuantityRequest is the JSON body for PUT /market/min-trade-quantity.
type MinTradeQuantityRequest struct {
	Quantity uint64 `json:"quantity"`
}

// RegisterCommodityRequest is the JSON body for PUT /commodities/{id}.
type RegisterCommodityRequest struct {
	Quantity uint64          `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// AmountRequest is the JSON body for escrow deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// TradeRequest is the JSON body for POST /positions.
type TradeRequest struct {
	CommodityID uint64 `json:"commodity_id"`
	Quantity    uint64 `json:"quantity"`
	PositionID  uint64 `json:"position_id"`
}

// BalanceResponse is returned by GET /traders/{trader}/escrow.
type BalanceResponse struct {
	Trader  string          `json:"trader"`
	Balance decimal.Decimal `json:"balance"`
}

// --- Market control ---

// GetMarket handles GET /api/v1/market
func (h *Handlers) GetMarket(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.MarketState(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// UpdateOracle handles PUT /api/v1/market/oracle
func (h *Handlers) UpdateOracle(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req OracleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Address == "" {
		writeBadRequest(w, "address is required")
		return
	}
	state, err := h.engine.UpdateOracleAddress(r.Context(), caller, req.Address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ToggleTrading handles POST /api/v1/market/toggle
func (h *Handlers) ToggleTrading(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	state, err := h.engine.ToggleTrading(r.Context(), caller)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// SetMinTradeQuantity handles PUT /api/v1/market/min-trade-quantity
func (h *Handlers) SetMinTradeQuantity(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req MinTradeQuantityRequest
	if !decode(w, r, &req) {
		return
	}
	state, err := h.engine.SetMinTradeQuantity(r.Context(), caller, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// --- Commodities ---

// ListCommodities handles GET /api/v1/commodities
func (h *Handlers) ListCommodities(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListCommodities(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Commodity{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetCommodity handles GET /api/v1/commodities/{id}
func (h *Handlers) GetCommodity(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	c, err := h.engine.GetCommodity(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// RegisterCommodity handles PUT /api/v1/commodities/{id}
func (h *Handlers) RegisterCommodity(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	var req RegisterCommodityRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.engine.RegisterCommodity(r.Context(), caller, id, req.Quantity, req.Price)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- Escrow ---

// Deposit handles POST /api/v1/escrow/deposit
func (h *Handlers) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := h.engine.Deposit(r.Context(), caller, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Withdraw handles POST /api/v1/escrow/withdraw
func (h *Handlers) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := h.engine.Withdraw(r.Context(), caller, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetEscrow handles GET /api/v1/traders/{trader}/escrow
func (h *Handlers) GetEscrow(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")
	bal, err := h.engine.EscrowBalance(r.Context(), trader)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Trader: trader, Balance: bal})
}

// GetLedger handles GET /api/v1/traders/{trader}/ledger
func (h *Handlers) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.EscrowHistory(r.Context(), chi.URLParam(r, "trader"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Positions ---

// ExecuteTrade handles POST /api/v1/positions
func (h *Handlers) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	pos, err := h.engine.ExecuteTrade(r.Context(), caller, req.CommodityID, req.Quantity, req.PositionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// ClosePosition handles DELETE /api/v1/positions/{positionID}
func (h *Handlers) ClosePosition(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	pid, ok := uintParam(w, r, "positionID")
	if !ok {
		return
	}
	s, err := h.engine.ClosePosition(r.Context(), caller, pid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// GetPosition handles GET /api/v1/traders/{trader}/positions/{positionID}
func (h *Handlers) GetPosition(w http.ResponseWriter, r *http.Request) {
	pid, ok := uintParam(w, r, "positionID")
	if !ok {
		return
	}
	pos, err := h.engine.GetPosition(r.Context(), chi.URLParam(r, "trader"), pid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ListPositions handles GET /api/v1/traders/{trader}/positions
func (h *Handlers) ListPositions(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListPositions(r.Context(), chi.URLParam(r, "trader"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Position{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- helpers ---

func requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, ok := auth.Caller(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{
			Error:  "caller identity required",
			Code:   "Unauthorized",
			Reason: "Unauthorized",
		})
		return "", false
	}
	return caller, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid request body")
		return false
	}
	return true
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid "+name)
		return 0, false
	}
	return v, true
}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message})
}

// writeError maps an engine error to a JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Code: model.Kind(err), Reason: model.Reason(err)}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		body.Error = "internal error"
	} else {
		slog.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "reason", body.Reason, "err", err)
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrPositionNotFound),
		errors.Is(err, model.ErrCommodityNotFound),
		errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidTradeQuantity),
		errors.Is(err, model.ErrInvalidCommodityPrice),
		errors.Is(err, model.ErrInvalidAmount):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInsufficientEscrowBalance),
		errors.Is(err, model.ErrTradingDisabled),
		errors.Is(err, model.ErrPositionExists),
		errors.Is(err, model.ErrAlreadyInitialized),
		errors.Is(err, model.ErrNotInitialized):
		return http.StatusConflict
	case errors.Is(err, model.ErrEscrowTransactionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
