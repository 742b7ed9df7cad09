package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/fees"
	"github.com/minevest/share-engine/internal/intake"
	"github.com/minevest/share-engine/internal/lock"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/pricing"
	"github.com/minevest/share-engine/internal/settlement"
	"github.com/minevest/share-engine/internal/shareledger"
	"github.com/minevest/share-engine/internal/store"
	"github.com/minevest/share-engine/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newTestEnv creates a Service over an in-memory engine with one share
// "gold" of 10000 shares at 1000 USD, and a chi router.
func newTestEnv(t *testing.T) (*settlement.Engine, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	locks := lock.NewManager(time.Second)

	alloc, err := fees.NewAllocator(fees.Rules{
		FeeSplit: map[model.Fund]decimal.Decimal{
			model.FundAdmin: d("25"), model.FundBuyback: d("25"),
			model.FundProject: d("25"), model.FundExpenses: d("25"),
		},
		ProceedsSplit: map[model.Fund]decimal.Decimal{
			model.FundAdmin: d("10"), model.FundBuyback: d("20"),
			model.FundProject: d("60"), model.FundExpenses: d("10"),
		},
		FeeRates: map[model.OrderKind]decimal.Decimal{model.KindBuy: d("1")},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	prices := pricing.NewController(ms, locks, pricing.Config{TolerancePct: d("5")}, nil)
	rates, err := pricing.NewRates(map[string]decimal.Decimal{"USD": d("1")})
	if err != nil {
		t.Fatal(err)
	}
	policy := intake.Policy{
		DefaultAccountType: "standard",
		AccountTypes:       map[string]intake.AccountType{"standard": {MinOrder: 50}},
		BookingTTL:         24 * time.Hour,
	}

	e := settlement.New(settlement.Deps{
		Store:     ms,
		Locks:     locks,
		Shares:    shareledger.New(nil),
		Wallets:   wallet.NewLedger(ms, locks, nil),
		Fees:      alloc,
		Validator: intake.NewValidator(policy, prices, alloc, rates, nil),
		Queue:     intake.NewQueue(nil),
		Prices:    prices,
		Rates:     rates,
	})
	if _, err := e.CreateShare(context.Background(), "gold", "Gold Mine A", "USD", 10000, d("1000")); err != nil {
		t.Fatalf("failed to seed share: %v", err)
	}

	svc := NewService(e)
	svc.backoff = time.Millisecond
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return e, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v (%s)", err, w.Body.String())
	}
	return v
}

func deposit(t *testing.T, router chi.Router, user, amount string) {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/users/"+user+"/wallets/USD/deposit", AmountRequest{Amount: d(amount)})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitOrder_Buy(t *testing.T) {
	_, router := newTestEnv(t)
	deposit(t, router, "alice", "100000")

	w := do(t, router, "POST", "/api/v1/orders", intake.Request{
		Kind: model.KindBuy, UserID: "alice", ShareID: "gold", Quantity: 60,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	o := decodeBody[model.Order](t, w)
	if o.Status != model.OrderCompleted || o.Quantity != 60 {
		t.Errorf("order = %+v", o)
	}
	if !o.FeeAmount.Equal(d("600")) {
		t.Errorf("fee = %s, want 600", o.FeeAmount)
	}

	w = do(t, router, "GET", "/api/v1/users/alice/holdings/gold", nil)
	h := decodeBody[model.UserHolding](t, w)
	if h.Quantity != 60 {
		t.Errorf("holding quantity = %d, want 60", h.Quantity)
	}

	w = do(t, router, "GET", "/api/v1/users/alice/wallets/USD", nil)
	v := decodeBody[settlement.WalletView](t, w)
	if !v.Balance.Equal(d("39400")) {
		t.Errorf("balance = %s, want 39400", v.Balance)
	}
}

func TestSubmitOrder_ErrorMapping(t *testing.T) {
	_, router := newTestEnv(t)
	deposit(t, router, "bob", "1000")

	tests := []struct {
		name   string
		req    intake.Request
		status int
		rule   string
	}{
		{"below minimum", intake.Request{Kind: model.KindBuy, UserID: "bob", ShareID: "gold", Quantity: 10}, http.StatusBadRequest, model.RuleMinimum},
		{"insufficient funds", intake.Request{Kind: model.KindBuy, UserID: "bob", ShareID: "gold", Quantity: 50}, http.StatusConflict, model.RuleBalance},
		{"no holding to sell", intake.Request{Kind: model.KindSell, UserID: "bob", ShareID: "gold", Quantity: 5}, http.StatusConflict, model.RuleHolding},
		{"unknown share", intake.Request{Kind: model.KindBuy, UserID: "bob", ShareID: "nope", Quantity: 50}, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/orders", tt.req)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			body := decodeBody[errorBody](t, w)
			if body.Rule != tt.rule {
				t.Errorf("rule = %q, want %q", body.Rule, tt.rule)
			}
		})
	}
}

func TestSubmitOrder_InvalidBody(t *testing.T) {
	_, router := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/orders", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHaltedMarketRejectsOrders(t *testing.T) {
	_, router := newTestEnv(t)
	deposit(t, router, "carol", "100000")

	w := do(t, router, "PUT", "/api/v1/market/global", MarketStateRequest{Halted: true, Reason: "maintenance"})
	if w.Code != http.StatusOK {
		t.Fatalf("halt: %d %s", w.Code, w.Body.String())
	}
	w = do(t, router, "POST", "/api/v1/orders", intake.Request{
		Kind: model.KindBuy, UserID: "carol", ShareID: "gold", Quantity: 50,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while halted, got %d: %s", w.Code, w.Body.String())
	}

	do(t, router, "PUT", "/api/v1/market/global", MarketStateRequest{Halted: false})
	w = do(t, router, "POST", "/api/v1/orders", intake.Request{
		Kind: model.KindBuy, UserID: "carol", ShareID: "gold", Quantity: 50,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 after resume, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSellQueueAndBatch(t *testing.T) {
	_, router := newTestEnv(t)
	deposit(t, router, "dave", "100000")
	do(t, router, "POST", "/api/v1/orders", intake.Request{Kind: model.KindBuy, UserID: "dave", ShareID: "gold", Quantity: 60})

	w := do(t, router, "POST", "/api/v1/orders", intake.Request{Kind: model.KindSell, UserID: "dave", ShareID: "gold", Quantity: 10})
	if w.Code != http.StatusCreated {
		t.Fatalf("sell: %d %s", w.Code, w.Body.String())
	}
	sellOrder := decodeBody[model.Order](t, w)
	if sellOrder.Status != model.OrderQueued || sellOrder.FIFOPosition != 1 {
		t.Errorf("sell order = %+v", sellOrder)
	}

	w = do(t, router, "GET", "/api/v1/shares/gold/queue", nil)
	if q := decodeBody[[]model.Order](t, w); len(q) != 1 {
		t.Fatalf("queue length = %d", len(q))
	}

	// The buy put 20% of 60000 plus a quarter of the fee into the buyback fund.
	w = do(t, router, "POST", "/api/v1/shares/gold/batches", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("batch: %d %s", w.Code, w.Body.String())
	}
	b := decodeBody[model.SettlementBatch](t, w)
	if b.SharesFilled != 10 || b.Status != model.BatchCompleted {
		t.Errorf("batch = %+v", b)
	}

	w = do(t, router, "GET", "/api/v1/orders/"+sellOrder.ID, nil)
	if o := decodeBody[model.Order](t, w); o.Status != model.OrderCompleted {
		t.Errorf("sell status = %s", o.Status)
	}
	w = do(t, router, "GET", "/api/v1/shares/gold", nil)
	if sh := decodeBody[model.Share](t, w); sh.BoughtBack != 10 || sh.Held != 50 {
		t.Errorf("share = %+v", sh)
	}
}

func TestCancelOrder_WrongUser(t *testing.T) {
	_, router := newTestEnv(t)
	deposit(t, router, "erin", "100000")
	do(t, router, "POST", "/api/v1/orders", intake.Request{Kind: model.KindBuy, UserID: "erin", ShareID: "gold", Quantity: 60})
	w := do(t, router, "POST", "/api/v1/orders", intake.Request{Kind: model.KindSell, UserID: "erin", ShareID: "gold", Quantity: 10})
	o := decodeBody[model.Order](t, w)

	w = do(t, router, "POST", "/api/v1/orders/"+o.ID+"/cancel", UserRequest{UserID: "mallory"})
	if w.Code == http.StatusOK {
		t.Fatalf("cancel by another user succeeded")
	}
	w = do(t, router, "POST", "/api/v1/orders/"+o.ID+"/cancel", UserRequest{UserID: "erin"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	if got := decodeBody[model.Order](t, w); got.Status != model.OrderCancelled {
		t.Errorf("status = %s", got.Status)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, "GET", "/api/v1/orders/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListEndpoints_EmptyArrays(t *testing.T) {
	_, router := newTestEnv(t)
	for _, path := range []string{
		"/api/v1/users/nobody/orders",
		"/api/v1/users/nobody/holdings",
		"/api/v1/shares/gold/batches",
		"/api/v1/wallets/user:nobody:USD/transactions",
	} {
		w := do(t, router, "GET", path, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: %d", path, w.Code)
			continue
		}
		if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
			t.Errorf("%s: expected [], got %s", path, got)
		}
	}
}

func TestRecomputePrice_Manual(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, "POST", "/api/v1/shares/gold/price", PriceRequest{
		Method:  "manual",
		Factors: model.PriceFactors{ManualPrice: d("1040")},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("recompute: %d %s", w.Code, w.Body.String())
	}
	w = do(t, router, "GET", "/api/v1/shares/gold/price", nil)
	if p := decodeBody[model.PriceSnapshot](t, w); !p.Price.Equal(d("1040")) {
		t.Errorf("price = %s", p.Price)
	}
	w = do(t, router, "GET", "/api/v1/shares/gold/prices?limit=5", nil)
	if h := decodeBody[[]model.PriceSnapshot](t, w); len(h) != 2 {
		t.Errorf("history length = %d, want 2", len(h))
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("order x: %w", model.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("lock: %w", model.ErrContentionTimeout), http.StatusServiceUnavailable},
		{model.Invalid(model.RuleQuantity, "bad"), http.StatusBadRequest},
		{model.Rejected(model.RuleBalance, model.ErrInsufficientFunds, "short"), http.StatusConflict},
		{fmt.Errorf("share gold: %w", shareledger.ErrFrozen), http.StatusConflict},
		{fmt.Errorf("buckets: %w", model.ErrFatalInvariant), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRetry_BoundedOnContention(t *testing.T) {
	s := &Service{backoff: time.Millisecond}

	calls := 0
	err := s.retry(context.Background(), func() error {
		calls++
		return fmt.Errorf("wallet: %w", model.ErrContentionTimeout)
	})
	if !errors.Is(err, model.ErrContentionTimeout) || calls != maxAttempts {
		t.Errorf("calls = %d, err = %v", calls, err)
	}

	calls = 0
	err = s.retry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return model.ErrContentionTimeout
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("calls = %d, err = %v", calls, err)
	}

	calls = 0
	err = s.retry(context.Background(), func() error {
		calls++
		return model.ErrInsufficientFunds
	})
	if !errors.Is(err, model.ErrInsufficientFunds) || calls != 1 {
		t.Errorf("non-contention error retried: calls = %d", calls)
	}
}

func TestAdminShareAndWalletControls(t *testing.T) {
	e, router := newTestEnv(t)

	w := do(t, router, "PUT", "/api/v1/shares/gold/circuit-breaker", CircuitBreakerRequest{Pct: d("30")})
	if w.Code != http.StatusOK {
		t.Fatalf("circuit breaker: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	ms := decodeBody[model.MarketControlState](t, w)
	if !ms.CircuitBreakerPct.Equal(d("30")) {
		t.Errorf("circuit_breaker_pct = %s", ms.CircuitBreakerPct)
	}
	w = do(t, router, "PUT", "/api/v1/shares/silver/circuit-breaker", CircuitBreakerRequest{Pct: d("30")})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown share: expected 404, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/shares/gold/adjust", AdjustRequest{Delta: 250, Note: "tranche 2"})
	if w.Code != http.StatusOK {
		t.Fatalf("adjust: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if sh := decodeBody[model.Share](t, w); sh.Total != 10250 || sh.Available != 10250 {
		t.Errorf("share after issue = %+v", sh)
	}
	w = do(t, router, "POST", "/api/v1/shares/gold/adjust", AdjustRequest{Delta: -20000})
	if w.Code != http.StatusConflict {
		t.Errorf("over-retire: expected 409, got %d", w.Code)
	}

	corr, err := e.Deposit(context.Background(), "alice", "USD", d("700"))
	if err != nil {
		t.Fatal(err)
	}
	w = do(t, router, "POST", "/api/v1/admin/reversals/"+corr, ReasonRequest{Reason: "chargeback"})
	if w.Code != http.StatusOK {
		t.Fatalf("reverse: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if legs := decodeBody[[]model.WalletTransaction](t, w); len(legs) != 2 || legs[0].Status != model.TxReversed {
		t.Errorf("reversed legs = %+v", legs)
	}
	w = do(t, router, "POST", "/api/v1/admin/reversals/"+corr, ReasonRequest{})
	if w.Code != http.StatusConflict {
		t.Errorf("second reversal: expected 409, got %d", w.Code)
	}
}
