// Package api exposes the settlement engine over HTTP (chi) and publishes
// committed facts over WebSocket.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/intake"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/settlement"
	"github.com/minevest/share-engine/internal/shareledger"
)

// maxAttempts bounds retries of an operation that hit lock contention.
const maxAttempts = 3

// Service handles engine operations over HTTP.
type Service struct {
	engine  *settlement.Engine
	backoff time.Duration
}

// NewService creates a new HTTP service around an engine.
func NewService(e *settlement.Engine) *Service {
	return &Service{engine: e, backoff: 50 * time.Millisecond}
}

// Routes registers every handler on r. The caller mounts r under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/orders", s.SubmitOrder)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Patch("/orders/{orderID}", s.ModifyOrder)
	r.Get("/orders/{orderID}/events", s.OrderEvents)
	r.Post("/orders/{orderID}/cancel", s.CancelOrder)
	r.Post("/orders/{orderID}/payments", s.PayBooking)
	r.Post("/orders/{orderID}/approve", s.ApproveTransfer)
	r.Post("/orders/{orderID}/reject", s.RejectTransfer)

	r.Put("/users/{userID}/account", s.SaveAccount)
	r.Get("/users/{userID}/orders", s.ListOrders)
	r.Get("/users/{userID}/holdings", s.ListHoldings)
	r.Get("/users/{userID}/holdings/{shareID}", s.GetHolding)
	r.Post("/users/{userID}/holdings/{shareID}/release", s.ReleaseHolding)
	r.Get("/users/{userID}/wallets/{currency}", s.GetWallet)
	r.Post("/users/{userID}/wallets/{currency}/deposit", s.Deposit)
	r.Post("/users/{userID}/wallets/{currency}/withdraw", s.Withdraw)
	r.Get("/wallets/{walletID}/transactions", s.Transactions)

	r.Get("/shares", s.ListShares)
	r.Post("/shares", s.CreateShare)
	r.Get("/shares/{shareID}", s.GetShare)
	r.Get("/shares/{shareID}/price", s.GetPrice)
	r.Post("/shares/{shareID}/price", s.RecomputePrice)
	r.Get("/shares/{shareID}/prices", s.PriceHistory)
	r.Get("/shares/{shareID}/queue", s.Queue)
	r.Get("/shares/{shareID}/batches", s.ListBatches)
	r.Post("/shares/{shareID}/batches", s.RunBatch)
	r.Post("/shares/{shareID}/release-bought-back", s.ReleaseBoughtBack)
	r.Post("/shares/{shareID}/unfreeze", s.Unfreeze)
	r.Put("/shares/{shareID}/circuit-breaker", s.SetCircuitBreaker)
	r.Post("/shares/{shareID}/adjust", s.AdjustShares)

	r.Get("/market/{scope}", s.GetMarketState)
	r.Put("/market/{scope}", s.SetMarketState)

	r.Get("/funds", s.ListFunds)
	r.Post("/funds/{fund}/{currency}/top-up", s.TopUpFund)

	r.Post("/admin/reconcile", s.Reconcile)
	r.Post("/admin/expire-bookings", s.ExpireBookings)
	r.Post("/admin/reversals/{correlationID}", s.ReverseTransaction)
}

// --- Request types ---

// ModifyRequest is the JSON body for PATCH /orders/{orderID}.
type ModifyRequest struct {
	UserID   string `json:"user_id"`
	Quantity int64  `json:"quantity"`
}

// UserRequest carries the acting user of an order operation.
type UserRequest struct {
	UserID string `json:"user_id"`
}

// PaymentRequest is the JSON body for a booking installment.
type PaymentRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// AmountRequest is the JSON body for deposits, withdrawals and fund top-ups.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ApproveRequest is the JSON body for transfer approval.
type ApproveRequest struct {
	Approver string `json:"approver"`
}

// ReasonRequest carries a free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// CreateShareRequest is the JSON body for POST /shares.
type CreateShareRequest struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Currency string          `json:"currency"`
	Total    int64           `json:"total_shares"`
	Price    decimal.Decimal `json:"price"`
}

// PriceRequest is the JSON body for a price recomputation.
type PriceRequest struct {
	Method  string             `json:"method"`
	Factors model.PriceFactors `json:"factors"`
}

// MarketStateRequest is the JSON body for PUT /market/{scope}.
type MarketStateRequest struct {
	Halted bool   `json:"halted"`
	Reason string `json:"reason"`
}

// CircuitBreakerRequest is the JSON body for PUT /shares/{shareID}/circuit-breaker.
type CircuitBreakerRequest struct {
	Pct decimal.Decimal `json:"pct"`
}

// AdjustRequest is the JSON body for POST /shares/{shareID}/adjust. A
// positive delta issues shares, a negative one retires them.
type AdjustRequest struct {
	Delta int64  `json:"delta"`
	Note  string `json:"note"`
}

// QuantityRequest is the JSON body for POST /shares/{shareID}/release-bought-back.
type QuantityRequest struct {
	Quantity int64 `json:"quantity"`
}

// ReconcileResponse reports corrected drift.
type ReconcileResponse struct {
	Wallets any `json:"wallets"`
	Shares  any `json:"shares"`
}

// --- Orders ---

// SubmitOrder handles POST /api/v1/orders
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req intake.Request
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.ShareID == "" {
		writeError(w, "user_id and share_id are required", http.StatusBadRequest)
		return
	}

	var o *model.Order
	err := s.retry(r.Context(), func() (err error) {
		o, err = s.engine.SubmitOrder(r.Context(), req)
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	respond(s, w, o, err)
}

// OrderEvents handles GET /api/v1/orders/{orderID}/events
func (s *Service) OrderEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.OrderEvents(r.Context(), chi.URLParam(r, "orderID"))
	respond(s, w, nonNil(events), err)
}

// ModifyOrder handles PATCH /api/v1/orders/{orderID}
func (s *Service) ModifyOrder(w http.ResponseWriter, r *http.Request) {
	var req ModifyRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "orderID")
	var o *model.Order
	err := s.retry(r.Context(), func() (err error) {
		o, err = s.engine.ModifyOrder(r.Context(), id, req.UserID, req.Quantity)
		return err
	})
	respond(s, w, o, err)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "orderID")
	var o *model.Order
	err := s.retry(r.Context(), func() (err error) {
		o, err = s.engine.CancelOrder(r.Context(), id, req.UserID)
		return err
	})
	respond(s, w, o, err)
}

// PayBooking handles POST /api/v1/orders/{orderID}/payments
func (s *Service) PayBooking(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "orderID")
	var o *model.Order
	err := s.retry(r.Context(), func() (err error) {
		o, err = s.engine.PayBooking(r.Context(), id, req.UserID, req.Amount)
		return err
	})
	respond(s, w, o, err)
}

// ApproveTransfer handles POST /api/v1/orders/{orderID}/approve
func (s *Service) ApproveTransfer(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "orderID")
	var o *model.Order
	err := s.retry(r.Context(), func() (err error) {
		o, err = s.engine.ApproveTransfer(r.Context(), id, req.Approver)
		return err
	})
	respond(s, w, o, err)
}

// RejectTransfer handles POST /api/v1/orders/{orderID}/reject
func (s *Service) RejectTransfer(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "orderID")
	var o *model.Order
	err := s.retry(r.Context(), func() (err error) {
		o, err = s.engine.RejectTransfer(r.Context(), id, req.Reason)
		return err
	})
	respond(s, w, o, err)
}

// --- Users ---

// SaveAccount handles PUT /api/v1/users/{userID}/account
func (s *Service) SaveAccount(w http.ResponseWriter, r *http.Request) {
	var a model.Account
	if !decode(w, r, &a) {
		return
	}
	a.UserID = chi.URLParam(r, "userID")
	if err := s.engine.SaveAccount(r.Context(), a); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListOrders handles GET /api/v1/users/{userID}/orders
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.ListOrders(r.Context(), chi.URLParam(r, "userID"))
	respond(s, w, nonNil(orders), err)
}

// ListHoldings handles GET /api/v1/users/{userID}/holdings
func (s *Service) ListHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.engine.ListHoldings(r.Context(), chi.URLParam(r, "userID"))
	respond(s, w, nonNil(holdings), err)
}

// GetHolding handles GET /api/v1/users/{userID}/holdings/{shareID}
func (s *Service) GetHolding(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.GetHolding(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "shareID"))
	respond(s, w, h, err)
}

// ReleaseHolding handles POST /api/v1/users/{userID}/holdings/{shareID}/release
func (s *Service) ReleaseHolding(w http.ResponseWriter, r *http.Request) {
	userID, shareID := chi.URLParam(r, "userID"), chi.URLParam(r, "shareID")
	var h *model.UserHolding
	err := s.retry(r.Context(), func() (err error) {
		h, err = s.engine.ReleaseHolding(r.Context(), userID, shareID)
		return err
	})
	respond(s, w, h, err)
}

// GetWallet handles GET /api/v1/users/{userID}/wallets/{currency}
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.GetWalletBalance(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "currency"))
	respond(s, w, v, err)
}

// Deposit handles POST /api/v1/users/{userID}/wallets/{currency}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.moveFunds(w, r, s.engine.Deposit)
}

// Withdraw handles POST /api/v1/users/{userID}/wallets/{currency}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.moveFunds(w, r, s.engine.Withdraw)
}

func (s *Service) moveFunds(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, userID, currency string, amount decimal.Decimal) (string, error)) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	userID, currency := chi.URLParam(r, "userID"), chi.URLParam(r, "currency")
	err := s.retry(r.Context(), func() error {
		_, err := op(r.Context(), userID, currency, req.Amount)
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	v, err := s.engine.GetWalletBalance(r.Context(), userID, currency)
	respond(s, w, v, err)
}

// Transactions handles GET /api/v1/wallets/{walletID}/transactions
func (s *Service) Transactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.engine.Transactions(r.Context(), chi.URLParam(r, "walletID"))
	respond(s, w, nonNil(txs), err)
}

// --- Shares & prices ---

// ListShares handles GET /api/v1/shares
func (s *Service) ListShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.engine.ListShares(r.Context())
	respond(s, w, nonNil(shares), err)
}

// CreateShare handles POST /api/v1/shares
func (s *Service) CreateShare(w http.ResponseWriter, r *http.Request) {
	var req CreateShareRequest
	if !decode(w, r, &req) {
		return
	}
	sh, err := s.engine.CreateShare(r.Context(), req.ID, req.Name, req.Currency, req.Total, req.Price)
	if err != nil {
		s.fail(w, err)
		return
	}
	slog.Info("share created", "id", sh.ID, "total", sh.Total, "price", req.Price.String())
	writeJSON(w, http.StatusCreated, sh)
}

// GetShare handles GET /api/v1/shares/{shareID}
func (s *Service) GetShare(w http.ResponseWriter, r *http.Request) {
	sh, err := s.engine.GetShare(r.Context(), chi.URLParam(r, "shareID"))
	respond(s, w, sh, err)
}

// GetPrice handles GET /api/v1/shares/{shareID}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetCurrentPrice(r.Context(), chi.URLParam(r, "shareID"))
	respond(s, w, p, err)
}

// RecomputePrice handles POST /api/v1/shares/{shareID}/price
func (s *Service) RecomputePrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "shareID")
	var p *model.PriceSnapshot
	err := s.retry(r.Context(), func() (err error) {
		p, err = s.engine.RecomputePrice(r.Context(), id, req.Method, req.Factors)
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// PriceHistory handles GET /api/v1/shares/{shareID}/prices?limit=N
func (s *Service) PriceHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.engine.PriceHistory(r.Context(), chi.URLParam(r, "shareID"), queryInt(r, "limit", 100))
	respond(s, w, nonNil(history), err)
}

// Queue handles GET /api/v1/shares/{shareID}/queue?limit=N
func (s *Service) Queue(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.QueuedOrders(r.Context(), chi.URLParam(r, "shareID"), queryInt(r, "limit", 0))
	respond(s, w, nonNil(orders), err)
}

// ListBatches handles GET /api/v1/shares/{shareID}/batches
func (s *Service) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.engine.Batches(r.Context(), chi.URLParam(r, "shareID"))
	respond(s, w, nonNil(batches), err)
}

// RunBatch handles POST /api/v1/shares/{shareID}/batches
func (s *Service) RunBatch(w http.ResponseWriter, r *http.Request) {
	var req settlement.BatchRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	req.ShareID = chi.URLParam(r, "shareID")
	var b *model.SettlementBatch
	err := s.retry(r.Context(), func() (err error) {
		b, err = s.engine.RunSellSettlementBatch(r.Context(), req)
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// ReleaseBoughtBack handles POST /api/v1/shares/{shareID}/release-bought-back
func (s *Service) ReleaseBoughtBack(w http.ResponseWriter, r *http.Request) {
	var req QuantityRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "shareID")
	var sh *model.Share
	err := s.retry(r.Context(), func() (err error) {
		sh, err = s.engine.ReleaseBoughtBack(r.Context(), id, req.Quantity)
		return err
	})
	respond(s, w, sh, err)
}

// AdjustShares handles POST /api/v1/shares/{shareID}/adjust
func (s *Service) AdjustShares(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "shareID")
	var sh *model.Share
	err := s.retry(r.Context(), func() (err error) {
		sh, err = s.engine.AdjustShares(r.Context(), id, req.Delta, req.Note)
		return err
	})
	respond(s, w, sh, err)
}

// Unfreeze handles POST /api/v1/shares/{shareID}/unfreeze
func (s *Service) Unfreeze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "shareID")
	if err := s.engine.Unfreeze(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	sh, err := s.engine.GetShare(r.Context(), id)
	respond(s, w, sh, err)
}

// --- Market control & funds ---

// GetMarketState handles GET /api/v1/market/{scope}
func (s *Service) GetMarketState(w http.ResponseWriter, r *http.Request) {
	ms, err := s.engine.MarketState(r.Context(), chi.URLParam(r, "scope"))
	respond(s, w, ms, err)
}

// SetMarketState handles PUT /api/v1/market/{scope}
func (s *Service) SetMarketState(w http.ResponseWriter, r *http.Request) {
	var req MarketStateRequest
	if !decode(w, r, &req) {
		return
	}
	scope := chi.URLParam(r, "scope")
	var ms *model.MarketControlState
	err := s.retry(r.Context(), func() (err error) {
		ms, err = s.engine.SetMarketState(r.Context(), scope, req.Halted, req.Reason)
		return err
	})
	respond(s, w, ms, err)
}

// SetCircuitBreaker handles PUT /api/v1/shares/{shareID}/circuit-breaker
func (s *Service) SetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	var req CircuitBreakerRequest
	if !decode(w, r, &req) {
		return
	}
	var ms *model.MarketControlState
	err := s.retry(r.Context(), func() (err error) {
		ms, err = s.engine.SetCircuitBreaker(r.Context(), chi.URLParam(r, "shareID"), req.Pct)
		return err
	})
	respond(s, w, ms, err)
}

// ListFunds handles GET /api/v1/funds
func (s *Service) ListFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := s.engine.Funds(r.Context())
	respond(s, w, nonNil(funds), err)
}

// TopUpFund handles POST /api/v1/funds/{fund}/{currency}/top-up
func (s *Service) TopUpFund(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	fund, currency := model.Fund(chi.URLParam(r, "fund")), chi.URLParam(r, "currency")
	var txID string
	err := s.retry(r.Context(), func() (err error) {
		txID, err = s.engine.TopUpFund(r.Context(), fund, currency, req.Amount)
		return err
	})
	respond(s, w, map[string]string{"correlation_id": txID}, err)
}

// --- Admin ---

// Reconcile handles POST /api/v1/admin/reconcile
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.engine.ReconcileBalances(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	shares, err := s.engine.ReconcileShares(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Wallets: nonNil(wallets), Shares: nonNil(shares)})
}

// ExpireBookings handles POST /api/v1/admin/expire-bookings
func (s *Service) ExpireBookings(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ExpireBookings(r.Context())
	respond(s, w, map[string]int{"expired": n}, err)
}

// ReverseTransaction handles POST /api/v1/admin/reversals/{correlationID}
func (s *Service) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decode(w, r, &req) {
		return
	}
	var legs []model.WalletTransaction
	err := s.retry(r.Context(), func() (err error) {
		legs, err = s.engine.ReverseTransaction(r.Context(), chi.URLParam(r, "correlationID"), req.Reason)
		return err
	})
	respond(s, w, legs, err)
}

// --- Helpers ---

// retry runs fn up to maxAttempts times while it fails on lock contention.
func (s *Service) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); !errors.Is(err, model.ErrContentionTimeout) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(s.backoff * time.Duration(attempt)):
		}
	}
	return err
}

// errorStatus maps the engine's error taxonomy onto HTTP status codes.
// Business refusals are checked before validation because a rejected order
// can carry both.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrContentionTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, shareledger.ErrFrozen),
		errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientShares),
		errors.Is(err, model.ErrPriceOutOfTolerance),
		errors.Is(err, model.ErrMarketHalted),
		errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrReconciliationDrift):
		return http.StatusConflict
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
	Rule  string `json:"rule,omitempty"`
}

func (s *Service) fail(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	body := errorBody{Error: err.Error()}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		body.Rule = ve.Rule
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		if !errors.Is(err, model.ErrFatalInvariant) {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func respond[T any](s *Service, w http.ResponseWriter, v T, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorBody{Error: message})
}
