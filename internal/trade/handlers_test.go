package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/auth"
	"github.com/atmx/escrow-engine/internal/custody"
	"github.com/atmx/escrow-engine/internal/escrow"
	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/store"
	"github.com/atmx/escrow-engine/internal/trade"
)

// newTestRouter creates an initialized engine behind a chi router with
// development-mode auth.
func newTestRouter(t *testing.T) (*custody.SimulatedBank, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	bank := custody.NewSimulatedBank(decimal.Zero)
	e := trade.NewEngine(ms, escrow.NewLedger(ms, bank, vault), nil)
	if _, err := e.Initialize(context.Background(), admin, 10); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.New(nil).Handler)
		trade.NewHandlers(e).Routes(r)
	})
	return bank, r
}

func call(t *testing.T, router chi.Router, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(auth.PrincipalHeader, caller)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return e
}

// seed funds alice and registers commodity 1 at 10 through the API.
func seed(t *testing.T, bank *custody.SimulatedBank, router chi.Router) {
	t.Helper()
	bank.Fund(trader, d("1000"))
	w := call(t, router, "POST", "/api/v1/escrow/deposit", trader, trade.AmountRequest{Amount: d("1000")})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = call(t, router, "PUT", "/api/v1/commodities/1", admin, trade.RegisterCommodityRequest{Quantity: 500, Price: d("10")})
	if w.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHTTP_OpenAndClosePosition(t *testing.T) {
	bank, router := newTestRouter(t)
	seed(t, bank, router)

	w := call(t, router, "POST", "/api/v1/positions", trader, trade.TradeRequest{CommodityID: 1, Quantity: 100, PositionID: 1})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var pos model.Position
	json.Unmarshal(w.Body.Bytes(), &pos)
	if !pos.EntryPrice.Equal(d("10")) || pos.Quantity != 100 {
		t.Errorf("unexpected position %+v", pos)
	}

	w = call(t, router, "GET", "/api/v1/traders/alice/escrow", "", nil)
	var bal trade.BalanceResponse
	json.Unmarshal(w.Body.Bytes(), &bal)
	if !bal.Balance.IsZero() {
		t.Errorf("expected zero balance after open, got %s", bal.Balance)
	}

	w = call(t, router, "GET", "/api/v1/traders/alice/positions/1", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for open position, got %d", w.Code)
	}

	w = call(t, router, "DELETE", "/api/v1/positions/1", trader, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on close, got %d: %s", w.Code, w.Body.String())
	}
	var s model.Settlement
	json.Unmarshal(w.Body.Bytes(), &s)
	if !s.Credited.Equal(d("1000")) || !s.BalanceAfter.Equal(d("1000")) {
		t.Errorf("unexpected settlement %+v", s)
	}

	w = call(t, router, "GET", "/api/v1/traders/alice/positions/1", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after close, got %d", w.Code)
	}

	w = call(t, router, "GET", "/api/v1/traders/alice/ledger", "", nil)
	var entries []model.LedgerEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(entries))
	}
	if entries[1].Kind != model.EntryTradeOpen || entries[2].Kind != model.EntryTradeClose {
		t.Errorf("unexpected ledger kinds %s, %s", entries[1].Kind, entries[2].Kind)
	}
}

func TestHTTP_ErrorMapping(t *testing.T) {
	bank, router := newTestRouter(t)
	seed(t, bank, router)

	tests := []struct {
		name   string
		method string
		path   string
		caller string
		body   any
		status int
		code   string
		reason string
	}{
		{"below minimum", "POST", "/api/v1/positions", trader, trade.TradeRequest{CommodityID: 1, Quantity: 5, PositionID: 1},
			http.StatusUnprocessableEntity, "InvalidTradeQuantity", "InvalidTradeQuantity"},
		{"unknown commodity", "POST", "/api/v1/positions", trader, trade.TradeRequest{CommodityID: 9, Quantity: 50, PositionID: 1},
			http.StatusNotFound, "InvalidCommodityPrice", "CommodityNotFound"},
		{"insufficient escrow", "POST", "/api/v1/positions", trader, trade.TradeRequest{CommodityID: 1, Quantity: 101, PositionID: 1},
			http.StatusConflict, "InsufficientEscrowBalance", "InsufficientEscrowBalance"},
		{"close missing", "DELETE", "/api/v1/positions/77", trader, nil,
			http.StatusNotFound, "InvalidTradeQuantity", "PositionNotFound"},
		{"withdraw too much", "POST", "/api/v1/escrow/withdraw", trader, trade.AmountRequest{Amount: d("5000")},
			http.StatusConflict, "InsufficientEscrowBalance", "InsufficientEscrowBalance"},
		{"deposit zero", "POST", "/api/v1/escrow/deposit", trader, trade.AmountRequest{Amount: decimal.Zero},
			http.StatusUnprocessableEntity, "InvalidAmount", "InvalidAmount"},
		{"deposit without funds", "POST", "/api/v1/escrow/deposit", "bob", trade.AmountRequest{Amount: d("1")},
			http.StatusBadGateway, "EscrowTransactionFailed", "EscrowTransactionFailed"},
		{"toggle by trader", "POST", "/api/v1/market/toggle", trader, nil,
			http.StatusForbidden, "Unauthorized", "Unauthorized"},
		{"register zero price", "PUT", "/api/v1/commodities/2", admin, trade.RegisterCommodityRequest{Quantity: 50, Price: decimal.Zero},
			http.StatusUnprocessableEntity, "InvalidCommodityPrice", "InvalidCommodityPrice"},
		{"anonymous trade", "POST", "/api/v1/positions", "", trade.TradeRequest{CommodityID: 1, Quantity: 50, PositionID: 1},
			http.StatusUnauthorized, "Unauthorized", "Unauthorized"},
		{"missing balance", "GET", "/api/v1/traders/nobody/escrow", "", nil,
			http.StatusNotFound, "NotFound", "NotFound"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := call(t, router, tt.method, tt.path, tt.caller, tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			e := decodeError(t, w)
			if e.Code != tt.code || e.Reason != tt.reason {
				t.Errorf("expected code=%s reason=%s, got code=%s reason=%s", tt.code, tt.reason, e.Code, e.Reason)
			}
			if e.Error == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestHTTP_DuplicatePositionRejected(t *testing.T) {
	bank, router := newTestRouter(t)
	seed(t, bank, router)

	req := trade.TradeRequest{CommodityID: 1, Quantity: 10, PositionID: 3}
	if w := call(t, router, "POST", "/api/v1/positions", trader, req); w.Code != http.StatusCreated {
		t.Fatalf("first open: expected 201, got %d", w.Code)
	}
	w := call(t, router, "POST", "/api/v1/positions", trader, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if e := decodeError(t, w); e.Reason != "PositionExists" {
		t.Errorf("expected PositionExists, got %s", e.Reason)
	}
}

func TestHTTP_MarketControl(t *testing.T) {
	bank, router := newTestRouter(t)
	seed(t, bank, router)

	w := call(t, router, "POST", "/api/v1/market/toggle", admin, nil)
	var state model.MarketState
	json.Unmarshal(w.Body.Bytes(), &state)
	if w.Code != http.StatusOK || state.TradingEnabled {
		t.Fatalf("expected trading disabled, got %d %+v", w.Code, state)
	}

	w = call(t, router, "POST", "/api/v1/positions", trader, trade.TradeRequest{CommodityID: 1, Quantity: 10, PositionID: 1})
	if w.Code != http.StatusConflict || decodeError(t, w).Code != "TradingDisabled" {
		t.Errorf("expected TradingDisabled, got %d: %s", w.Code, w.Body.String())
	}

	w = call(t, router, "PUT", "/api/v1/market/oracle", admin, trade.OracleRequest{Address: "oracle-2"})
	if w.Code != http.StatusOK {
		t.Fatalf("oracle: expected 200, got %d", w.Code)
	}
	w = call(t, router, "PUT", "/api/v1/market/oracle", admin, trade.OracleRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty oracle: expected 400, got %d", w.Code)
	}

	w = call(t, router, "PUT", "/api/v1/market/min-trade-quantity", admin, trade.MinTradeQuantityRequest{Quantity: 2})
	if w.Code != http.StatusOK {
		t.Fatalf("min qty: expected 200, got %d", w.Code)
	}

	w = call(t, router, "GET", "/api/v1/market", "", nil)
	json.Unmarshal(w.Body.Bytes(), &state)
	if state.OracleAddress != "oracle-2" || state.MinTradeQuantity != 2 || state.TradingEnabled {
		t.Errorf("unexpected market state %+v", state)
	}
}

func TestHTTP_ListEndpointsReturnEmptyArrays(t *testing.T) {
	_, router := newTestRouter(t)
	for _, path := range []string{
		"/api/v1/commodities",
		"/api/v1/traders/alice/positions",
		"/api/v1/traders/alice/ledger",
	} {
		w := call(t, router, "GET", path, "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
		}
		if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
			t.Errorf("%s: expected [], got %s", path, got)
		}
	}
}

func TestHTTP_BadInput(t *testing.T) {
	_, router := newTestRouter(t)

	w := call(t, router, "GET", "/api/v1/commodities/abc", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric id, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/api/v1/positions", bytes.NewReader([]byte("{not json")))
	req.Header.Set(auth.PrincipalHeader, trader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}
}
